package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// MessageStream is a message-oriented peer such as a Channel.
type MessageStream interface {
	Read() ([]byte, error)
	Send(p []byte) error
}

const pipeBufferSize = 32 << 10

// Pipe relays between a message stream and a byte stream until one side
// ends, then closes conn. The result is nil when the message side ended,
// ErrTunnelClosed when conn reached EOF and ErrTunnelFailure when conn
// failed.
func Pipe(ctx context.Context, s MessageStream, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	errc := make(chan error, 2)
	go func() {
		for {
			p, err := s.Read()
			if err != nil {
				errc <- nil
				return
			}
			if _, err := conn.Write(p); err != nil {
				errc <- tunnelError(ctx, err)
				return
			}
		}
	}()
	go func() {
		buf := make([]byte, pipeBufferSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if serr := s.Send(buf[:n]); serr != nil {
					errc <- nil
					return
				}
			}
			if err != nil {
				errc <- tunnelError(ctx, err)
				return
			}
		}
	}()

	err := <-errc
	cancel()
	conn.Close()
	return err
}

func tunnelError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return ErrTunnelClosed
	default:
		return fmt.Errorf("%w: %v", ErrTunnelFailure, err)
	}
}
