package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/protocol"
)

// FrameConn is a message transport such as *protocol.Conn.
type FrameConn interface {
	ReadMessage() (opcode byte, payload []byte, err error)
	WriteMessage(opcode byte, payload []byte) error
}

// Mux runs logical channels over one FrameConn. The side that sends
// CREATE picks the channel id; the other side looks the code up in its
// registry.
type Mux struct {
	conn     FrameConn
	registry *Registry
	log      *zap.Logger
	id       string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
	done     bool
	wg       sync.WaitGroup
}

// NewMux wraps conn. registry may be nil on a side that only opens
// channels.
func NewMux(conn FrameConn, registry *Registry, log *zap.Logger) *Mux {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Mux{
		conn:     conn,
		registry: registry,
		log:      log.Named("mux").With(zap.String("mux", id)),
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[uint32]*Channel),
	}
}

// ID returns the mux's correlation id.
func (m *Mux) ID() string { return m.id }

// Serve reads frames until the connection fails or ctx ends, then closes
// every channel and waits for their handlers. A malformed frame ends
// Serve with an error wrapping protocol.ErrMalformedFrame. Callers close
// the connection to unblock a pending read.
func (m *Mux) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, m.cancel)
	defer stop()
	defer m.shutdown()

	for {
		op, payload, err := m.conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() != nil {
				return m.ctx.Err()
			}
			return err
		}
		if op != protocol.OpBinary {
			continue
		}
		f, err := DecodeFrame(payload)
		if err != nil {
			return err
		}
		if err := m.dispatch(f); err != nil {
			return err
		}
	}
}

func (m *Mux) dispatch(f Frame) error {
	switch f.Type {
	case FrameCreate:
		code, init, err := ParseCreatePayload(f.Payload)
		if err != nil {
			return err
		}
		m.accept(f.Channel, code, init)
	case FrameData:
		if ch := m.lookup(f.Channel); ch != nil {
			ch.push(f.Payload)
		} else {
			m.log.Debug("data for unknown channel", zap.Uint32("channel", f.Channel))
		}
	case FrameClose:
		if ch := m.detach(f.Channel, nil); ch != nil {
			ch.remoteClose(protocol.ParseClosePayload(f.Payload))
		}
	}
	return nil
}

func (m *Mux) accept(id uint32, code string, init []byte) {
	h, ok := m.registry.Lookup(code)
	if !ok {
		m.log.Warn("unknown channel code", zap.String("code", code), zap.Uint32("channel", id))
		m.writeClose(id, protocol.CloseUnknownAction, "unknown channel "+code)
		return
	}

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	if _, exists := m.channels[id]; exists {
		m.mu.Unlock()
		m.log.Warn("duplicate channel id", zap.String("code", code), zap.Uint32("channel", id))
		return
	}
	ch := newChannel(m, id, code)
	m.channels[id] = ch
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Debug("channel opened", zap.String("code", code), zap.Uint32("channel", id))
	go func() {
		defer m.wg.Done()
		err := h(ch.ctx, ch, init)
		code, reason := CloseCode(err)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Debug("channel handler ended", zap.String("code", ch.code), zap.Error(err))
		}
		_ = ch.Close(code, reason)
	}()
}

// Open creates a channel on the peer.
func (m *Mux) Open(code string, init []byte) (*Channel, error) {
	if err := validCode(code); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	ch := newChannel(m, id, code)
	m.channels[id] = ch
	m.mu.Unlock()

	if err := m.write(Frame{Type: FrameCreate, Channel: id, Payload: CreatePayload(code, init)}); err != nil {
		m.detach(id, ch)
		ch.cancel()
		return nil, err
	}
	return ch, nil
}

// Channels returns the number of open channels.
func (m *Mux) Channels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

func (m *Mux) lookup(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

// detach removes the channel with id, only if it is ch when ch is set.
func (m *Mux) detach(id uint32, ch *Channel) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.channels[id]
	if !ok || (ch != nil && cur != ch) {
		return nil
	}
	delete(m.channels, id)
	return cur
}

func (m *Mux) write(f Frame) error {
	return m.conn.WriteMessage(protocol.OpBinary, f.Encode())
}

func (m *Mux) writeClose(id uint32, code uint16, reason string) {
	if err := m.write(Frame{Type: FrameClose, Channel: id, Payload: protocol.ClosePayload(code, reason)}); err != nil {
		m.log.Debug("write close", zap.Uint32("channel", id), zap.Error(err))
	}
}

func (m *Mux) shutdown() {
	m.mu.Lock()
	m.done = true
	chans := make([]*Channel, 0, len(m.channels))
	for id, ch := range m.channels {
		chans = append(chans, ch)
		delete(m.channels, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, ch := range chans {
		ch.remoteClose(&protocol.CloseError{Code: protocol.CloseGoingAway})
	}
	m.wg.Wait()
}

// Channel is one logical stream of a Mux.
type Channel struct {
	mux  *Mux
	id   uint32
	code string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  [][]byte
	remote *protocol.CloseError
	closed bool
	signal chan struct{}
}

func newChannel(m *Mux, id uint32, code string) *Channel {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Channel{
		mux:    m,
		id:     id,
		code:   code,
		ctx:    ctx,
		cancel: cancel,
		signal: make(chan struct{}, 1),
	}
}

// ID returns the channel id.
func (c *Channel) ID() uint32 { return c.id }

// Code returns the channel code.
func (c *Channel) Code() string { return c.code }

// Context is cancelled when the channel closes.
func (c *Channel) Context() context.Context { return c.ctx }

func (c *Channel) push(p []byte) {
	c.mu.Lock()
	if c.remote != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, append([]byte(nil), p...))
	c.mu.Unlock()
	c.wake()
}

func (c *Channel) remoteClose(ce *protocol.CloseError) {
	c.mu.Lock()
	if c.remote == nil {
		c.remote = ce
	}
	c.mu.Unlock()
	c.wake()
	c.cancel()
}

func (c *Channel) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Read returns the next DATA payload. Data received before a close is
// still delivered; after that Read returns the peer's *protocol.CloseError
// or ErrClosed.
func (c *Channel) Read() ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return p, nil
		}
		remote, closed := c.remote, c.closed
		c.mu.Unlock()

		switch {
		case remote != nil:
			return nil, remote
		case closed:
			return nil, ErrClosed
		}

		select {
		case <-c.signal:
		case <-c.ctx.Done():
			c.mu.Lock()
			empty := len(c.queue) == 0 && c.remote == nil
			c.mu.Unlock()
			if empty {
				return nil, ErrClosed
			}
		}
	}
}

// Send writes p as one DATA frame.
func (c *Channel) Send(p []byte) error {
	c.mu.Lock()
	done := c.closed || c.remote != nil
	c.mu.Unlock()
	if done {
		return ErrClosed
	}
	return c.mux.write(Frame{Type: FrameData, Channel: c.id, Payload: p})
}

// Close sends CLOSE unless the peer already closed the channel. It is
// safe to call more than once.
func (c *Channel) Close(code uint16, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remote := c.remote != nil
	c.mu.Unlock()

	c.mux.detach(c.id, c)
	c.cancel()
	c.wake()
	if remote {
		return nil
	}
	return c.mux.write(Frame{Type: FrameClose, Channel: c.id, Payload: protocol.ClosePayload(code, reason)})
}
