package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/gesture"
	"github.com/avaropoint/devmirror/internal/protocol"
)

func screenInfo(w, h int32) protocol.InitialInfo {
	return protocol.InitialInfo{
		DeviceName: "Pixel 7",
		ClientID:   1,
		Displays: []protocol.DisplayRecord{{
			Display: protocol.DisplayInfo{DisplayID: 0, Size: protocol.Size{Width: w, Height: h}},
			Screen: &protocol.ScreenInfo{
				ContentRect: protocol.Rect{Right: w, Bottom: h},
				VideoSize:   protocol.Size{Width: w, Height: h},
			},
		}},
	}
}

func TestParseTap(t *testing.T) {
	p, err := parseTap("540, 1200.5")
	if err != nil {
		t.Fatal(err)
	}
	if p.X != 540 || p.Y != 1200.5 {
		t.Errorf("got %+v", p)
	}
	for _, bad := range []string{"", "540", "x,1", "1,y"} {
		if _, err := parseTap(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestTapMessages(t *testing.T) {
	msgs, err := tapMessages(screenInfo(1080, 2400), gesture.Point{X: 540, Y: 1200})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Action != protocol.ActionDown || msgs[1].Action != protocol.ActionUp {
		t.Errorf("actions = %v, %v", msgs[0].Action, msgs[1].Action)
	}
	if msgs[0].Position.X != 540 || msgs[0].Position.Y != 1200 || msgs[0].Position.ScreenWidth != 1080 {
		t.Errorf("down position = %+v", msgs[0].Position)
	}
	if msgs[1].Pressure != 0 {
		t.Errorf("up pressure = %d", msgs[1].Pressure)
	}

	rotated := screenInfo(1080, 2400)
	rotated.Displays[0].Screen.DeviceRotation = 1
	msgs, err = tapMessages(rotated, gesture.Point{X: 540, Y: 1200})
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Position.X != 540 || msgs[0].Position.Y != 1200 {
		t.Errorf("tap on a rotated device moved to %+v", msgs[0].Position)
	}

	if _, err := tapMessages(screenInfo(1080, 2400), gesture.Point{X: 2000, Y: 10}); err == nil {
		t.Error("tap outside the picture was accepted")
	}
	if _, err := tapMessages(protocol.InitialInfo{}, gesture.Point{}); err == nil {
		t.Error("tap without a screen was accepted")
	}
}

func TestWSURL(t *testing.T) {
	p := &Probe{server: "https://mirror.example.com/base/"}
	got, err := p.wsURL(url.Values{"action": {"multiplex"}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://mirror.example.com/base/ws?action=multiplex" {
		t.Errorf("got %s", got)
	}
}

func TestStreamTaps(t *testing.T) {
	touches := make(chan protocol.TouchMessage, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "proxy" || q.Get("udid") != "emulator-5554" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		conn, err := protocol.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(protocol.OpBinary, screenInfo(1080, 2400).Encode())
		_ = conn.WriteMessage(protocol.OpBinary, []byte{0, 0, 0, 1, 0x65})
		for i := 0; i < 2; i++ {
			_, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeControlMessage(p)
			if err != nil {
				return
			}
			if tm, ok := msg.(protocol.TouchMessage); ok {
				touches <- tm
			}
		}
		_ = conn.CloseWithCode(protocol.CloseNormal, "")
	}))
	defer srv.Close()

	p := &Probe{server: "ws" + strings.TrimPrefix(srv.URL, "http"), header: http.Header{}, log: zap.NewNop()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tap := gesture.Point{X: 100, Y: 200}
	if err := p.Stream(ctx, StreamOptions{UDID: "emulator-5554", Remote: "tcp:8886", Path: "/", Tap: &tap}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	close(touches)
	var got []protocol.TouchMessage
	for tm := range touches {
		got = append(got, tm)
	}
	if len(got) != 2 || got[0].Action != protocol.ActionDown || got[1].Action != protocol.ActionUp {
		t.Fatalf("touches = %+v", got)
	}
	if got[0].Position.X != 100 || got[0].Position.Y != 200 {
		t.Errorf("down at %+v", got[0].Position)
	}
}
