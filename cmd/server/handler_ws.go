package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/protocol"
	"github.com/avaropoint/devmirror/internal/security"
	"github.com/avaropoint/devmirror/internal/session"
)

// WebSocket actions selected by the "action" query parameter.
const (
	ActionProxy     = "proxy"
	ActionMultiplex = "multiplex"
)

// handleWS upgrades the request and dispatches on the action parameter.
// Parameter problems are reported through the close code, since browsers
// do not expose the HTTP status of a failed upgrade.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := protocol.Upgrade(w, r)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		http.Error(w, "websocket upgrade failed", http.StatusBadRequest)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()
	defer conn.Close()

	q := r.URL.Query()
	action := q.Get("action")
	fields := []zap.Field{zap.String("action", action), zap.Stringer("client", conn.RemoteAddr())}
	if key, ok := security.KeyFromContext(r.Context()); ok {
		fields = append(fields, zap.String("key", key.Name))
	}
	s.log.Debug("websocket session", fields...)

	switch action {
	case ActionProxy:
		s.serveProxy(r.Context(), conn, q)
	case ActionMultiplex:
		s.serveMultiplex(r.Context(), conn)
	default:
		_ = conn.CloseWithCode(protocol.CloseUnknownAction, fmt.Sprintf("unknown action %q", action))
	}
}

// parseRemote validates a device-side socket address: tcp:<port> or
// localabstract:<name>.
func parseRemote(remote string) (string, error) {
	kind, rest, ok := strings.Cut(remote, ":")
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: remote %q", session.ErrInvalidParameter, remote)
	}
	switch kind {
	case "tcp":
		port, err := strconv.Atoi(rest)
		if err != nil || port < 1 || port > 65535 {
			return "", fmt.Errorf("%w: port %q", session.ErrInvalidParameter, rest)
		}
	case "localabstract":
	default:
		return "", fmt.Errorf("%w: remote %q", session.ErrInvalidParameter, remote)
	}
	return remote, nil
}

// serveProxy tunnels the connection to a socket on the device. Without a
// path the bytes are relayed raw; with one the device socket is an agent
// WebSocket and frames are relayed one to one through a session.Stream.
func (s *Server) serveProxy(ctx context.Context, conn *protocol.Conn, q url.Values) {
	udid := q.Get("udid")
	if udid == "" {
		_ = conn.CloseWithCode(protocol.CloseInvalidParameter, "missing udid")
		return
	}
	remote, err := parseRemote(q.Get("remote"))
	if err != nil {
		_ = conn.CloseWithCode(protocol.CloseInvalidParameter, err.Error())
		return
	}
	log := s.log.With(zap.String("udid", udid), zap.String("remote", remote))

	tunnel, err := s.bridge.OpenService(ctx, udid, remote)
	if err != nil {
		log.Warn("tunnel dial failed", zap.Error(err))
		_ = conn.CloseWithCode(protocol.CloseTunnelFailure, err.Error())
		return
	}

	log.Info("proxy opened", zap.Stringer("client", conn.RemoteAddr()))
	if path := q.Get("path"); path != "" {
		err = s.relayAgent(ctx, conn, tunnel, udid, path, log)
	} else {
		err = session.Pipe(ctx, wsStream{conn}, tunnel)
	}
	code, reason := session.CloseCode(err)
	log.Info("proxy closed", zap.Uint16("code", code), zap.String("reason", reason))
	_ = conn.CloseWithCode(code, reason)
}

// wsStream adapts a protocol.Conn to session.MessageStream.
type wsStream struct {
	conn *protocol.Conn
}

func (w wsStream) Read() ([]byte, error) {
	_, p, err := w.conn.ReadMessage()
	return p, err
}

func (w wsStream) Send(p []byte) error {
	return w.conn.WriteMessage(protocol.OpBinary, p)
}

// streamObserver logs what an agent announces and counts video frames.
type streamObserver struct {
	log    *zap.Logger
	frames atomic.Int64
}

func (o *streamObserver) OnInitialInfo(info protocol.InitialInfo) {
	o.log.Info("agent stream ready",
		zap.String("device", info.DeviceName),
		zap.Int32("client_id", info.ClientID),
		zap.Int("displays", len(info.Displays)))
}

func (o *streamObserver) OnDeviceMessage(msg protocol.DeviceMessage) {
	o.log.Debug("device message", zap.Uint8("type", uint8(msg.Type)), zap.Int16("push_id", msg.PushID))
}

func (o *streamObserver) OnVideo([]byte) { o.frames.Add(1) }

// relayAgent speaks WebSocket to the agent behind tunnel and relays
// frames in both directions until either side ends.
func (s *Server) relayAgent(ctx context.Context, client *protocol.Conn, tunnel net.Conn, udid, path string, log *zap.Logger) error {
	agent, err := protocol.NewClient(tunnel, "localhost", path, nil)
	if err != nil {
		tunnel.Close()
		return fmt.Errorf("%w: agent handshake: %v", session.ErrTunnelFailure, err)
	}
	defer agent.Close()

	obs := &streamObserver{log: log}
	stream := session.NewStream(udid, obs, s.counter, s.log)
	defer stream.Close()
	err = stream.Attach(session.TransportFunc(func(p []byte) error {
		return agent.WriteMessage(protocol.OpBinary, p)
	}))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { agent.Close() })
	defer stop()

	errc := make(chan error, 2)
	go func() {
		for {
			op, p, err := agent.ReadMessage()
			if err != nil {
				errc <- agentError(ctx, err)
				return
			}
			if op == protocol.OpBinary {
				if err := stream.Receive(p); err != nil {
					errc <- err
					return
				}
			}
			if err := client.WriteMessage(op, p); err != nil {
				errc <- nil
				return
			}
		}
	}()
	go func() {
		for {
			op, p, err := client.ReadMessage()
			if err != nil {
				errc <- nil
				return
			}
			if err := agent.WriteMessage(op, p); err != nil {
				errc <- agentError(ctx, err)
				return
			}
		}
	}()

	err = <-errc
	log.Debug("agent relay ended", zap.Int64("video_frames", obs.frames.Load()))
	return err
}

// agentError maps a failure on the agent side of a relay.
func agentError(ctx context.Context, err error) error {
	var ce *protocol.CloseError
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.As(err, &ce), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return session.ErrTunnelClosed
	default:
		return fmt.Errorf("%w: %v", session.ErrTunnelFailure, err)
	}
}

// serveMultiplex runs a channel multiplexer on the connection.
func (s *Server) serveMultiplex(ctx context.Context, conn *protocol.Conn) {
	m := session.NewMux(conn, s.registry, s.log)
	log := s.log.With(zap.String("mux", m.ID()))
	log.Info("multiplexer opened", zap.Stringer("client", conn.RemoteAddr()))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.CloseWithCode(protocol.CloseGoingAway, "server shutting down")
	})
	defer stop()

	err := m.Serve(ctx)
	var ce *protocol.CloseError
	if errors.As(err, &ce) || ctx.Err() != nil {
		log.Info("multiplexer closed")
		return
	}
	code, reason := session.CloseCode(err)
	log.Info("multiplexer closed", zap.Uint16("code", code), zap.String("reason", reason))
	_ = conn.CloseWithCode(code, reason)
}
