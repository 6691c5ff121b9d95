package session

import (
	"context"
	"fmt"
	"sort"
)

// Channel codes served over a multiplexed session.
const (
	CodeTracker  = "GTRC"
	CodeShell    = "SHEL"
	CodeLogcat   = "LOGC"
	CodeFileList = "FSLS"
)

// ChannelCodeLength is the width of a channel code.
const ChannelCodeLength = 4

// HandlerFunc serves one channel. init is the data sent with CREATE.
// The channel is closed with a code derived from the returned error.
type HandlerFunc func(ctx context.Context, ch *Channel, init []byte) error

// Registry maps channel codes to handlers. It is filled at startup and
// read-only afterwards.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler for code.
func (r *Registry) Register(code string, h HandlerFunc) error {
	if err := validCode(code); err != nil {
		return err
	}
	if _, ok := r.handlers[code]; ok {
		return fmt.Errorf("channel %q already registered", code)
	}
	r.handlers[code] = h
	return nil
}

// Lookup returns the handler for code.
func (r *Registry) Lookup(code string) (HandlerFunc, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[code]
	return h, ok
}

// Codes returns the registered codes, sorted.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.handlers))
	for c := range r.handlers {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

func validCode(code string) error {
	if len(code) != ChannelCodeLength {
		return fmt.Errorf("%w: channel code %q is not %d bytes", ErrInvalidParameter, code, ChannelCodeLength)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 0x20 || code[i] > 0x7e {
			return fmt.Errorf("%w: channel code %q is not printable ASCII", ErrInvalidParameter, code)
		}
	}
	return nil
}
