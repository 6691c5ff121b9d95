package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/fleet"
	"github.com/avaropoint/devmirror/internal/gesture"
	"github.com/avaropoint/devmirror/internal/protocol"
	"github.com/avaropoint/devmirror/internal/session"
)

// Probe talks to one server.
type Probe struct {
	server string
	header http.Header
	log    *zap.Logger
}

// wsURL returns the server's WebSocket endpoint with query q.
func (p *Probe) wsURL(q url.Values) (string, error) {
	u, err := url.Parse(p.server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Probe) dial(ctx context.Context, q url.Values) (*protocol.Conn, error) {
	target, err := p.wsURL(q)
	if err != nil {
		return nil, err
	}
	return protocol.Dial(ctx, target, p.header)
}

// Watch follows the fleet tracker channel until the connection ends.
func (p *Probe) Watch(ctx context.Context) error {
	conn, err := p.dial(ctx, url.Values{"action": {"multiplex"}})
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.CloseWithCode(protocol.CloseNormal, "") })
	defer stop()

	m := session.NewMux(conn, nil, p.log)
	go func() { _ = m.Serve(ctx) }()

	ch, err := m.Open(session.CodeTracker, nil)
	if err != nil {
		return err
	}
	p.log.Info("watching fleet")
	for {
		data, err := ch.Read()
		if err != nil {
			return err
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Warn("malformed tracker message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case protocol.MsgDeviceList:
			var devices []fleet.DeviceDescriptor
			if err := json.Unmarshal(msg.Payload, &devices); err != nil {
				p.log.Warn("malformed device list", zap.Error(err))
				continue
			}
			p.logDevices(devices)
		case protocol.MsgError:
			p.log.Warn("server error", zap.ByteString("payload", msg.Payload))
		}
	}
}

func (p *Probe) logDevices(devices []fleet.DeviceDescriptor) {
	p.log.Info("device list", zap.Int("devices", len(devices)))
	for _, d := range devices {
		p.log.Info("device",
			zap.String("udid", d.UDID),
			zap.String("state", string(d.State)),
			zap.String("model", d.Model),
			zap.String("release", d.Release),
			zap.Int("pid", d.PID))
	}
}

// StreamOptions select the agent to stream from.
type StreamOptions struct {
	UDID   string
	Remote string
	Path   string
	// Tap, when set, is tapped once the agent reports its screen.
	Tap *gesture.Point
}

// streamLogger logs agent announcements and counts video frames.
type streamLogger struct {
	log    *zap.Logger
	frames atomic.Int64
	ready  chan protocol.InitialInfo
}

func (h *streamLogger) OnInitialInfo(info protocol.InitialInfo) {
	h.log.Info("initial info",
		zap.String("device", info.DeviceName),
		zap.Int32("client_id", info.ClientID),
		zap.Strings("encoders", info.Encoders))
	for _, d := range info.Displays {
		fields := []zap.Field{
			zap.Int32("display", d.Display.DisplayID),
			zap.Int32("connections", d.ConnectionCount),
		}
		if d.Screen != nil {
			fields = append(fields,
				zap.Int32("video_width", d.Screen.VideoSize.Width),
				zap.Int32("video_height", d.Screen.VideoSize.Height),
				zap.Uint8("rotation", d.Screen.DeviceRotation))
		}
		h.log.Info("display", fields...)
	}
	select {
	case h.ready <- info:
	default:
	}
}

func (h *streamLogger) OnDeviceMessage(msg protocol.DeviceMessage) {
	switch msg.Type {
	case protocol.DeviceMessageClipboard:
		h.log.Info("clipboard", zap.Int("bytes", len(msg.Text)))
	case protocol.DeviceMessagePushFileResponse:
		h.log.Info("push file response", zap.Int16("push_id", msg.PushID), zap.Int8("status", msg.Status))
	}
}

func (h *streamLogger) OnVideo([]byte) {
	if n := h.frames.Add(1); n%300 == 0 {
		h.log.Debug("video", zap.Int64("frames", n))
	}
}

// Stream proxies to the device agent and logs the session until the
// server closes it or ctx ends.
func (p *Probe) Stream(ctx context.Context, opts StreamOptions) error {
	q := url.Values{
		"action": {"proxy"},
		"udid":   {opts.UDID},
		"remote": {opts.Remote},
		"path":   {opts.Path},
	}
	conn, err := p.dial(ctx, q)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.CloseWithCode(protocol.CloseNormal, "") })
	defer stop()

	h := &streamLogger{log: p.log.With(zap.String("udid", opts.UDID)), ready: make(chan protocol.InitialInfo, 1)}
	stream := session.NewStream(opts.UDID, h, nil, p.log)
	defer stream.Close()

	if opts.Tap != nil {
		at := *opts.Tap
		go func() {
			select {
			case <-ctx.Done():
			case info := <-h.ready:
				msgs, err := tapMessages(info, at)
				if err != nil {
					p.log.Warn("tap skipped", zap.Error(err))
					return
				}
				for _, m := range msgs {
					if err := stream.Send(m); err != nil {
						p.log.Warn("tap failed", zap.Error(err))
						return
					}
				}
				p.log.Info("tapped", zap.Float64("x", at.X), zap.Float64("y", at.Y))
			}
		}()
	}

	err = stream.Attach(session.TransportFunc(func(frame []byte) error {
		return conn.WriteMessage(protocol.OpBinary, frame)
	}))
	if err != nil {
		return err
	}

	defer func() { p.log.Info("stream ended", zap.Int64("video_frames", h.frames.Load())) }()
	for {
		op, data, err := conn.ReadMessage()
		if err != nil {
			var ce *protocol.CloseError
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.As(err, &ce) && ce.Code == protocol.CloseNormal:
				return nil
			case errors.As(err, &ce):
				return fmt.Errorf("closed by server: %d %s", ce.Code, ce.Reason)
			}
			return err
		}
		if op != protocol.OpBinary {
			continue
		}
		if err := stream.Receive(data); err != nil {
			return err
		}
	}
}

// parseTap reads an "x,y" pair.
func parseTap(s string) (gesture.Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return gesture.Point{}, fmt.Errorf("tap %q: want x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return gesture.Point{}, fmt.Errorf("tap x: %w", err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return gesture.Point{}, fmt.Errorf("tap y: %w", err)
	}
	return gesture.Point{X: x, Y: y}, nil
}

// tapMessages builds a down and an up at a point given in video pixels of
// the first display.
func tapMessages(info protocol.InitialInfo, at gesture.Point) ([]protocol.TouchMessage, error) {
	if len(info.Displays) == 0 || info.Displays[0].Screen == nil {
		return nil, errors.New("agent reported no screen")
	}
	screen := *info.Displays[0].Screen
	// The point is already in video space, so no rotation is un-applied.
	unrotated := 0
	g := gesture.Geometry{
		Client:   gesture.Size{Width: float64(screen.VideoSize.Width), Height: float64(screen.VideoSize.Height)},
		Screen:   screen,
		Rotation: &unrotated,
	}
	if _, ok := g.Map(at); !ok {
		return nil, fmt.Errorf("tap at %g,%g is outside the %dx%d picture", at.X, at.Y, screen.VideoSize.Width, screen.VideoSize.Height)
	}

	tr := gesture.New(nil)
	var out []protocol.TouchMessage
	for _, kind := range []gesture.Kind{gesture.Down, gesture.Up} {
		msgs, warns := tr.Translate(g, gesture.Sample{Kind: kind, Point: at})
		if len(warns) > 0 {
			return nil, warns[0]
		}
		out = append(out, msgs...)
	}
	return out, nil
}
