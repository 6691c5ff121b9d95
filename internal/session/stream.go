package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/protocol"
)

// Handler receives the frames of a stream by kind. Callbacks run on the
// goroutine calling Stream.Receive or Stream.Trigger and stop once the
// stream is closed.
type Handler interface {
	OnInitialInfo(info protocol.InitialInfo)
	OnDeviceMessage(msg protocol.DeviceMessage)
	OnVideo(frame []byte)
}

// Transport is the writable side of a stream.
type Transport interface {
	Send(frame []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(frame []byte) error

// Send calls f.
func (f TransportFunc) Send(frame []byte) error { return f(frame) }

// Display is the per-display state learned from the initial info.
type Display struct {
	Info            protocol.DisplayInfo    `json:"displayInfo"`
	Screen          *protocol.ScreenInfo    `json:"screenInfo,omitempty"`
	Video           *protocol.VideoSettings `json:"videoSettings,omitempty"`
	ConnectionCount int32                   `json:"connectionCount"`
}

// Stream is one client's view of an agent stream.
type Stream struct {
	udid    string
	handler Handler
	counter *ConnectionCounter
	log     *zap.Logger

	mu         sync.Mutex
	transport  Transport
	queue      [][]byte
	closed     bool
	clientID   int32
	deviceName string
	displays   map[int32]Display
	encoders   map[string]struct{}
	initial    *protocol.InitialInfo
}

// NewStream opens a stream for udid and takes a slot in counter, which
// may be nil.
func NewStream(udid string, handler Handler, counter *ConnectionCounter, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	if counter != nil {
		counter.Acquire(udid)
	}
	return &Stream{
		udid:     udid,
		handler:  handler,
		counter:  counter,
		log:      log.Named("stream").With(zap.String("udid", udid)),
		clientID: -1,
		displays: make(map[int32]Display),
		encoders: make(map[string]struct{}),
	}
}

// UDID returns the device the stream belongs to.
func (s *Stream) UDID() string { return s.udid }

// Receive handles one frame from the agent. A malformed initial info or
// device message is returned as an error wrapping
// protocol.ErrMalformedFrame and is fatal to the session.
func (s *Stream) Receive(frame []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	switch protocol.ClassifyFrame(frame) {
	case protocol.FrameInitialInfo:
		info, err := protocol.DecodeInitialInfo(frame)
		if err != nil {
			return fmt.Errorf("stream %s: %w", s.udid, err)
		}
		if !s.apply(info) {
			return nil
		}
		s.log.Debug("initial info",
			zap.String("device", info.DeviceName),
			zap.Int32("client_id", info.ClientID),
			zap.Int("displays", len(info.Displays)),
			zap.Strings("encoders", info.Encoders))
		if s.handler != nil {
			s.handler.OnInitialInfo(info)
		}
	case protocol.FrameDeviceMessage:
		msg, err := protocol.DecodeDeviceMessage(frame)
		if err != nil {
			return fmt.Errorf("stream %s: %w", s.udid, err)
		}
		if s.handler != nil {
			s.handler.OnDeviceMessage(msg)
		}
	default:
		if s.handler != nil {
			s.handler.OnVideo(frame)
		}
	}
	return nil
}

// apply stores the initial info. It reports false once closed.
func (s *Stream) apply(info protocol.InitialInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clientID = info.ClientID
	s.deviceName = info.DeviceName
	s.displays = make(map[int32]Display, len(info.Displays))
	for _, d := range info.Displays {
		s.displays[d.Display.DisplayID] = Display{
			Info:            d.Display,
			Screen:          d.Screen,
			Video:           d.Video,
			ConnectionCount: d.ConnectionCount,
		}
	}
	s.encoders = make(map[string]struct{}, len(info.Encoders))
	for _, e := range info.Encoders {
		s.encoders[e] = struct{}{}
	}
	s.initial = &info
	return true
}

// Trigger replays the last initial info to the handler. It reports false
// when none has been received yet or the stream is closed.
func (s *Stream) Trigger() bool {
	s.mu.Lock()
	info := s.initial
	closed := s.closed
	s.mu.Unlock()
	if info == nil || closed || s.handler == nil {
		return false
	}
	s.handler.OnInitialInfo(*info)
	return true
}

// Send writes msg to the transport, or queues it until Attach when the
// transport is not open yet. Queued messages are never dropped.
func (s *Stream) Send(msg protocol.ControlMessage) error {
	frame := msg.Encode()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.transport == nil {
		s.queue = append(s.queue, frame)
		return nil
	}
	return s.transport.Send(frame)
}

// Attach opens the stream on t and flushes queued messages in the order
// they were sent. If a queued send fails, the transport is detached and
// the unsent messages stay queued for the next Attach.
func (s *Stream) Attach(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.transport != nil {
		return errors.New("stream already attached")
	}
	for len(s.queue) > 0 {
		if err := t.Send(s.queue[0]); err != nil {
			return fmt.Errorf("flush %d queued messages: %w", len(s.queue), err)
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
	s.queue = nil
	s.transport = t
	return nil
}

// Pending returns the number of queued messages.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops callbacks, drops the transport and releases the stream's
// connection slot. It is safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.transport = nil
	if n := len(s.queue); n > 0 {
		s.log.Debug("closing with queued messages", zap.Int("queued", n))
	}
	s.queue = nil
	s.mu.Unlock()

	if s.counter != nil {
		s.counter.Release(s.udid)
	}
}

// ClientID returns the id the agent assigned, or -1 before the initial
// info arrives.
func (s *Stream) ClientID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// DeviceName returns the name from the initial info.
func (s *Stream) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceName
}

// Display returns the state of one display.
func (s *Stream) Display(id int32) (Display, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.displays[id]
	return d, ok
}

// Displays returns all displays ordered by id.
func (s *Stream) Displays() []Display {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Display, 0, len(s.displays))
	for _, d := range s.displays {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.DisplayID < out[j].Info.DisplayID })
	return out
}

// Encoders returns the agent's encoder names, sorted.
func (s *Stream) Encoders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.encoders))
	for e := range s.encoders {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// SupportsEncoder reports whether the agent offered the named encoder.
func (s *Stream) SupportsEncoder(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.encoders[name]
	return ok
}
