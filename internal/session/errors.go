// Package session carries client sessions to device agents: the Stream
// that interprets the frames an agent sends and queues control messages
// until the transport opens, and the Mux that runs logical channels over
// one WebSocket.
package session

import (
	"context"
	"errors"

	"github.com/avaropoint/devmirror/internal/protocol"
)

var (
	// ErrTunnelFailure means the remote socket behind a session failed.
	ErrTunnelFailure = errors.New("tunnel failure")
	// ErrTunnelClosed means the remote socket closed cleanly.
	ErrTunnelClosed = errors.New("tunnel closed")
	// ErrInvalidParameter means a request or channel init was unusable.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrClosed is returned when using a closed stream or channel.
	ErrClosed = errors.New("session closed")
)

// CloseCode maps the error a session ended with to the WebSocket close
// code and reason reported to the peer.
func CloseCode(err error) (uint16, string) {
	switch {
	case err == nil:
		return protocol.CloseNormal, ""
	case errors.Is(err, protocol.ErrMalformedFrame):
		return protocol.CloseMalformedFrame, err.Error()
	case errors.Is(err, ErrInvalidParameter):
		return protocol.CloseInvalidParameter, err.Error()
	case errors.Is(err, ErrTunnelClosed):
		return protocol.CloseTunnelClosed, err.Error()
	case errors.Is(err, ErrTunnelFailure):
		return protocol.CloseTunnelFailure, err.Error()
	case errors.Is(err, context.Canceled):
		return protocol.CloseGoingAway, ""
	default:
		return protocol.CloseInternalError, err.Error()
	}
}
