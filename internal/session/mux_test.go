package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/avaropoint/devmirror/internal/protocol"
)

type muxPair struct {
	server, client         *Mux
	serverConn, clientConn *protocol.Conn
	serverDone             chan error
}

func newMuxPair(t *testing.T, registry *Registry) *muxPair {
	t.Helper()
	a, b := net.Pipe()
	p := &muxPair{
		serverConn: protocol.NewConn(a, nil, false),
		clientConn: protocol.NewConn(b, nil, true),
		serverDone: make(chan error, 1),
	}
	p.server = NewMux(p.serverConn, registry, nil)
	p.client = NewMux(p.clientConn, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { p.serverDone <- p.server.Serve(ctx) }()
	go func() { _ = p.client.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		p.serverConn.Close()
		p.clientConn.Close()
	})
	return p
}

func readTimeout(t *testing.T, ch *Channel) ([]byte, error) {
	t.Helper()
	type result struct {
		p   []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := ch.Read()
		done <- result{p, err}
	}()
	select {
	case r := <-done:
		return r.p, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("channel read timed out")
		return nil, nil
	}
}

func echoRegistry(t *testing.T, closed chan<- error) *Registry {
	t.Helper()
	r := NewRegistry()
	err := r.Register("ECHO", func(ctx context.Context, ch *Channel, init []byte) error {
		if err := ch.Send(init); err != nil {
			return err
		}
		for {
			p, err := ch.Read()
			if err != nil {
				if closed != nil {
					closed <- err
				}
				return nil
			}
			if err := ch.Send(p); err != nil {
				return err
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register("FAIL", func(ctx context.Context, ch *Channel, init []byte) error {
		return ErrTunnelFailure
	}); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestMuxEcho(t *testing.T) {
	closed := make(chan error, 1)
	p := newMuxPair(t, echoRegistry(t, closed))

	ch, err := p.client.Open("ECHO", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := readTimeout(t, ch)
	if err != nil || string(got) != "hello" {
		t.Fatalf("init echo = %q, %v", got, err)
	}

	for _, msg := range []string{"one", "two"} {
		if err := ch.Send([]byte(msg)); err != nil {
			t.Fatal(err)
		}
		got, err := readTimeout(t, ch)
		if err != nil || string(got) != msg {
			t.Fatalf("echo = %q, %v", got, err)
		}
	}

	if err := ch.Close(protocol.CloseNormal, "done"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-closed:
		var ce *protocol.CloseError
		if !errors.As(err, &ce) || ce.Code != protocol.CloseNormal || ce.Reason != "done" {
			t.Errorf("server handler saw %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server handler did not see close")
	}
	if err := ch.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: %v", err)
	}
}

func TestMuxUnknownCode(t *testing.T) {
	p := newMuxPair(t, echoRegistry(t, nil))
	ch, err := p.client.Open("NOPE", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = readTimeout(t, ch)
	var ce *protocol.CloseError
	if !errors.As(err, &ce) || ce.Code != protocol.CloseUnknownAction {
		t.Errorf("err = %v, want close %d", err, protocol.CloseUnknownAction)
	}
}

func TestMuxHandlerErrorCloseCode(t *testing.T) {
	p := newMuxPair(t, echoRegistry(t, nil))
	ch, err := p.client.Open("FAIL", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = readTimeout(t, ch)
	var ce *protocol.CloseError
	if !errors.As(err, &ce) || ce.Code != protocol.CloseTunnelFailure {
		t.Errorf("err = %v, want close %d", err, protocol.CloseTunnelFailure)
	}
}

func TestMuxMalformedFrame(t *testing.T) {
	p := newMuxPair(t, echoRegistry(t, nil))
	if err := p.clientConn.WriteMessage(protocol.OpBinary, []byte{FrameData, 0}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-p.serverDone:
		if !errors.Is(err, protocol.ErrMalformedFrame) {
			t.Errorf("serve = %v, want ErrMalformedFrame", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestMuxShutdownEndsHandlers(t *testing.T) {
	closed := make(chan error, 1)
	p := newMuxPair(t, echoRegistry(t, closed))
	ch, err := p.client.Open("ECHO", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := readTimeout(t, ch); err != nil {
		t.Fatal(err)
	}

	p.clientConn.Close()
	select {
	case <-p.serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
	select {
	case <-closed:
	default:
		t.Error("handler still running after serve returned")
	}
	if p.server.Channels() != 0 {
		t.Errorf("%d channels left", p.server.Channels())
	}
}

func TestFrameCodec(t *testing.T) {
	f := Frame{Type: FrameCreate, Channel: 0x01020304, Payload: CreatePayload(CodeShell, []byte("serial"))}
	enc := f.Encode()
	if !bytes.Equal(enc[:5], []byte{4, 1, 2, 3, 4}) {
		t.Errorf("header = % x", enc[:5])
	}
	got, err := DecodeFrame(enc)
	if err != nil {
		t.Fatal(err)
	}
	code, init, err := ParseCreatePayload(got.Payload)
	if err != nil || code != CodeShell || string(init) != "serial" {
		t.Errorf("create = %q %q %v", code, init, err)
	}

	bad := [][]byte{
		{FrameData, 0, 0},
		{99, 0, 0, 0, 1},
	}
	for _, b := range bad {
		if _, err := DecodeFrame(b); !errors.Is(err, protocol.ErrMalformedFrame) {
			t.Errorf("DecodeFrame(% x) = %v", b, err)
		}
	}
	overflow := append([]byte("SHEL"), 0, 0, 0, 9, 'a')
	if _, _, err := ParseCreatePayload(overflow); !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Errorf("overflowing init: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *Channel, []byte) error { return nil }
	if err := r.Register("toolong", noop); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("long code: %v", err)
	}
	if err := r.Register(CodeLogcat, noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(CodeLogcat, noop); err == nil {
		t.Error("duplicate registration succeeded")
	}
	if _, ok := r.Lookup(CodeLogcat); !ok {
		t.Error("lookup failed")
	}
	var nilRegistry *Registry
	if _, ok := nilRegistry.Lookup(CodeLogcat); ok {
		t.Error("nil registry lookup succeeded")
	}
}

func TestCloseCode(t *testing.T) {
	tests := []struct {
		err  error
		code uint16
	}{
		{nil, protocol.CloseNormal},
		{protocol.ErrMalformedFrame, protocol.CloseMalformedFrame},
		{ErrInvalidParameter, protocol.CloseInvalidParameter},
		{ErrTunnelFailure, protocol.CloseTunnelFailure},
		{ErrTunnelClosed, protocol.CloseTunnelClosed},
		{context.Canceled, protocol.CloseGoingAway},
		{errors.New("boom"), protocol.CloseInternalError},
	}
	for _, tt := range tests {
		if code, _ := CloseCode(tt.err); code != tt.code {
			t.Errorf("CloseCode(%v) = %d, want %d", tt.err, code, tt.code)
		}
	}
}
