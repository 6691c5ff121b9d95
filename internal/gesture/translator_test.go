package gesture

import (
	"errors"
	"testing"

	"github.com/avaropoint/devmirror/internal/protocol"
)

func actions(msgs []protocol.TouchMessage) []protocol.MotionAction {
	out := make([]protocol.MotionAction, len(msgs))
	for i, m := range msgs {
		out[i] = m.Action
	}
	return out
}

func TestMoveWithoutDownSynthesizesDown(t *testing.T) {
	tr := New(nil)
	msgs, warns := tr.Translate(portrait(), Sample{
		ID: 3, Kind: Move, Point: Point{100, 100}, Buttons: protocol.ButtonPrimary,
		Pressure: 0.5, HasPressure: true,
	})
	if len(msgs) != 2 || msgs[0].Action != protocol.ActionDown || msgs[1].Action != protocol.ActionMove {
		t.Fatalf("got %v, want [down move]", actions(msgs))
	}
	if msgs[0].Pressure != msgs[1].Pressure {
		t.Errorf("synthesized down pressure %d, move %d", msgs[0].Pressure, msgs[1].Pressure)
	}
	if len(warns) != 1 {
		t.Errorf("got %d warnings", len(warns))
	}
}

func TestHoverIsDropped(t *testing.T) {
	tr := New(nil)
	msgs, warns := tr.Translate(portrait(), Sample{ID: 1, Kind: Move, Point: Point{10, 10}})
	if len(msgs) != 0 || len(warns) != 0 {
		t.Errorf("hover produced %v and %d warnings", actions(msgs), len(warns))
	}
}

func TestUpWithoutDown(t *testing.T) {
	tr := New(nil)
	msgs, warns := tr.Translate(portrait(), Sample{ID: 9, Kind: Up, Point: Point{10, 10}})
	if len(msgs) != 0 {
		t.Errorf("got %v", actions(msgs))
	}
	if len(warns) != 1 || !errors.Is(warns[0], ErrProtocolWarning) {
		t.Fatalf("warnings = %v", warns)
	}
	if warns[0].Pointer != 9 || warns[0].Kind != Up {
		t.Errorf("warning = %+v", warns[0])
	}
}

func TestDownWhileDown(t *testing.T) {
	tr := New(nil)
	g := portrait()
	tr.Translate(g, Sample{ID: 1, Kind: Down, Point: Point{10, 10}})
	msgs, warns := tr.Translate(g, Sample{ID: 1, Kind: Down, Point: Point{20, 20}})
	if len(msgs) != 0 || len(warns) != 1 {
		t.Errorf("got %v and %d warnings", actions(msgs), len(warns))
	}
	if tr.Active() != 1 {
		t.Errorf("active = %d", tr.Active())
	}
}

func TestUpForcesZeroPressureAndKeepsLastPosition(t *testing.T) {
	tr := New(nil)
	g := portrait()
	tr.Translate(g, Sample{ID: 1, Kind: Down, Point: Point{100, 100}, Pressure: 0.8, HasPressure: true})
	msgs, _ := tr.Translate(g, Sample{ID: 1, Kind: Up, Point: Point{-50, 100}, Pressure: 0.8, HasPressure: true})
	if len(msgs) != 1 {
		t.Fatalf("got %v", actions(msgs))
	}
	up := msgs[0]
	if up.Action != protocol.ActionUp || up.Pressure != 0 {
		t.Errorf("up = %+v", up)
	}
	if up.Position.X != 200 || up.Position.Y != 200 {
		t.Errorf("up outside the element at (%d, %d), want last position", up.Position.X, up.Position.Y)
	}
	if tr.Active() != 0 {
		t.Errorf("pointer not released")
	}
}

func TestInvalidSamplesDropped(t *testing.T) {
	tr := New(nil)
	g := portrait()
	if msgs, _ := tr.Translate(g, Sample{ID: 1, Kind: Down, Point: Point{-5, 10}}); len(msgs) != 0 {
		t.Errorf("down outside produced %v", actions(msgs))
	}
	tr.Translate(g, Sample{ID: 1, Kind: Down, Point: Point{5, 10}})
	if msgs, _ := tr.Translate(g, Sample{ID: 1, Kind: Move, Point: Point{600, 10}, Buttons: 1}); len(msgs) != 0 {
		t.Errorf("move outside produced %v", actions(msgs))
	}
}

func TestPointerSlotsReuseSmallestFree(t *testing.T) {
	tr := New(nil)
	g := portrait()
	down := func(id int) uint32 {
		msgs, _ := tr.Translate(g, Sample{ID: id, Kind: Down, Point: Point{10, 10}})
		if len(msgs) != 1 {
			t.Fatalf("down %d: %v", id, actions(msgs))
		}
		return msgs[0].PointerID
	}
	if s := down(100); s != 0 {
		t.Errorf("first slot = %d", s)
	}
	if s := down(200); s != 1 {
		t.Errorf("second slot = %d", s)
	}
	tr.Translate(g, Sample{ID: 100, Kind: Cancel, Point: Point{10, 10}})
	if s := down(300); s != 0 {
		t.Errorf("slot after cancel = %d, want 0", s)
	}
}

func TestMirrorCenter(t *testing.T) {
	tr := New(nil)
	g := portrait()
	msgs, _ := tr.Translate(g, Sample{ID: 1, Kind: Down, Point: Point{135, 240}, Mirror: MirrorCenter})
	if len(msgs) != 2 {
		t.Fatalf("got %v", actions(msgs))
	}
	if p := msgs[0].Position; p.X != 270 || p.Y != 480 || msgs[0].PointerID != 0 {
		t.Errorf("primary = %+v", msgs[0])
	}
	if p := msgs[1].Position; p.X != 810 || p.Y != 1440 || msgs[1].PointerID != 1 {
		t.Errorf("synthetic = %+v", msgs[1])
	}

	// Releasing the modifier lifts the synthetic pointer where it was.
	msgs, _ = tr.Translate(g, Sample{ID: 1, Kind: Move, Point: Point{140, 240}, Buttons: 1})
	if len(msgs) != 2 || msgs[0].Action != protocol.ActionMove || msgs[1].Action != protocol.ActionUp {
		t.Fatalf("got %v, want [move up]", actions(msgs))
	}
	if p := msgs[1].Position; p.X != 810 || p.Y != 1440 {
		t.Errorf("synthetic up at (%d, %d)", p.X, p.Y)
	}
	if tr.Active() != 1 {
		t.Errorf("active = %d", tr.Active())
	}
}

func TestMirrorAnchor(t *testing.T) {
	tr := New(nil)
	g := portrait()
	s := Sample{ID: 1, Kind: Down, Point: Point{135, 240}, Mirror: MirrorAnchor, Anchor: Point{270, 480}}
	msgs, _ := tr.Translate(g, s)
	if len(msgs) != 2 {
		t.Fatalf("got %v", actions(msgs))
	}
	if p := msgs[1].Position; p.X != 810 || p.Y != 1440 {
		t.Errorf("synthetic at (%d, %d)", p.X, p.Y)
	}

	s.Kind = Up
	msgs, _ = tr.Translate(g, s)
	if len(msgs) != 2 || msgs[0].Action != protocol.ActionUp || msgs[1].Action != protocol.ActionUp {
		t.Errorf("got %v", actions(msgs))
	}
	if tr.Active() != 0 {
		t.Errorf("active = %d", tr.Active())
	}
}

func TestCancelAll(t *testing.T) {
	tr := New(nil)
	g := portrait()
	tr.Translate(g, Sample{ID: 1, Kind: Down, Point: Point{10, 10}})
	tr.Translate(g, Sample{ID: 2, Kind: Down, Point: Point{20, 20}})
	msgs := tr.CancelAll()
	if len(msgs) != 2 || msgs[0].PointerID != 0 || msgs[1].PointerID != 1 {
		t.Fatalf("got %+v", msgs)
	}
	for _, m := range msgs {
		if m.Action != protocol.ActionCancel {
			t.Errorf("action = %v", m.Action)
		}
	}
	if tr.Active() != 0 {
		t.Errorf("active = %d", tr.Active())
	}
}

func TestScroll(t *testing.T) {
	m, ok := Scroll(portrait(), Point{270, 480}, 3, -2)
	if !ok {
		t.Fatal("scroll inside reported invalid")
	}
	if m.HScroll != -1 || m.VScroll != 1 || m.Position.X != 540 {
		t.Errorf("got %+v", m)
	}
	if _, ok := Scroll(portrait(), Point{-1, 0}, 1, 1); ok {
		t.Error("scroll outside reported valid")
	}
}
