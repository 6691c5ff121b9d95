// Package gesture translates raw pointer samples from a client into the
// touch and scroll control messages the device agent injects. It keeps
// per-pointer lifecycle state, remaps client coordinates into video
// space and can emulate a second finger for pinch and rotate gestures.
package gesture

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/protocol"
)

// ErrProtocolWarning marks pointer lifecycle anomalies. They are never
// fatal: the offending sample is dropped or completed.
var ErrProtocolWarning = errors.New("gesture protocol warning")

// Warning describes one lifecycle anomaly.
type Warning struct {
	Pointer   int
	Synthetic bool
	Kind      Kind
	Reason    string
}

func (w *Warning) Error() string {
	return fmt.Sprintf("%v: pointer %d %s: %s", ErrProtocolWarning, w.Pointer, w.Kind, w.Reason)
}

func (w *Warning) Unwrap() error { return ErrProtocolWarning }

// Kind is the phase of a pointer sample.
type Kind int

const (
	Down Kind = iota
	Move
	Up
	Cancel
)

func (k Kind) String() string {
	switch k {
	case Down:
		return "down"
	case Move:
		return "move"
	case Up:
		return "up"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) action() protocol.MotionAction {
	switch k {
	case Down:
		return protocol.ActionDown
	case Up:
		return protocol.ActionUp
	case Cancel:
		return protocol.ActionCancel
	default:
		return protocol.ActionMove
	}
}

// Mirror selects multi-touch emulation for a sample.
type Mirror int

const (
	MirrorNone Mirror = iota
	// MirrorCenter adds a pointer reflected through the video center.
	MirrorCenter
	// MirrorAnchor adds a pointer reflected through Sample.Anchor.
	MirrorAnchor
)

// Sample is one raw pointer event. Point and Anchor are relative to the
// element's top-left corner.
type Sample struct {
	ID          int
	Kind        Kind
	Point       Point
	Pressure    float64
	HasPressure bool
	Buttons     uint32
	Mirror      Mirror
	Anchor      Point
}

type pointerKey struct {
	id        int
	synthetic bool
}

type pointer struct {
	slot uint32
	last protocol.Position
}

// Translator holds the pointer state of one stream. It is not safe for
// concurrent use.
type Translator struct {
	log    *zap.Logger
	active map[pointerKey]*pointer
	slots  map[uint32]bool
}

// New returns a Translator with no active pointers.
func New(log *zap.Logger) *Translator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Translator{
		log:    log.Named("gesture"),
		active: make(map[pointerKey]*pointer),
		slots:  make(map[uint32]bool),
	}
}

// Active returns the number of pointers currently down.
func (t *Translator) Active() int { return len(t.active) }

type batch struct {
	msgs  []protocol.TouchMessage
	warns []*Warning
}

// Translate turns one sample into the messages to send, in order,
// together with any lifecycle warnings.
func (t *Translator) Translate(g Geometry, s Sample) ([]protocol.TouchMessage, []*Warning) {
	var b batch
	pos, valid := g.Map(s.Point)
	t.step(&b, pointerKey{id: s.ID}, s, pos, valid)

	key := pointerKey{id: s.ID, synthetic: true}
	switch {
	case s.Mirror != MirrorNone:
		mpos, mvalid := t.mirrored(g, s, pos, valid)
		t.step(&b, key, s, mpos, mvalid)
	case t.active[key] != nil:
		// The modifier was released mid-gesture: lift the second finger
		// where it last was.
		lift := s
		lift.Kind = Up
		t.step(&b, key, lift, protocol.Position{}, false)
	}
	return b.msgs, b.warns
}

func (t *Translator) mirrored(g Geometry, s Sample, pos protocol.Position, valid bool) (protocol.Position, bool) {
	if s.Mirror == MirrorCenter {
		return mirrorCenter(pos), valid
	}
	anchor, ok := g.Map(s.Anchor)
	if !ok {
		return pos, false
	}
	mpos, inside := mirror(pos, Point{X: float64(anchor.X), Y: float64(anchor.Y)})
	return mpos, valid && inside
}

// step applies the lifecycle rules for one pointer.
func (t *Translator) step(b *batch, key pointerKey, s Sample, pos protocol.Position, valid bool) {
	p := t.active[key]
	switch s.Kind {
	case Down:
		if p != nil {
			t.warn(b, key, s.Kind, "down while already down")
			return
		}
		if !valid {
			return
		}
		p = t.acquire(key)
		t.emit(b, p, protocol.ActionDown, pos, pressure(s), s.Buttons)

	case Move:
		if p == nil {
			if s.Buttons == 0 || !valid {
				return
			}
			t.warn(b, key, s.Kind, "move without down, synthesizing down")
			p = t.acquire(key)
			t.emit(b, p, protocol.ActionDown, pos, pressure(s), s.Buttons)
		} else if !valid {
			return
		}
		t.emit(b, p, protocol.ActionMove, pos, pressure(s), s.Buttons)

	case Up, Cancel:
		if p == nil {
			t.warn(b, key, s.Kind, s.Kind.String()+" without down")
			return
		}
		if !valid {
			pos = p.last
		}
		t.emit(b, p, s.Kind.action(), pos, 0, s.Buttons)
		t.release(key)
	}
}

func pressure(s Sample) uint16 {
	if !s.HasPressure {
		return protocol.MaxPressure
	}
	return protocol.PressureFromFloat(s.Pressure)
}

func (t *Translator) emit(b *batch, p *pointer, action protocol.MotionAction, pos protocol.Position, pressure uint16, buttons uint32) {
	p.last = pos
	b.msgs = append(b.msgs, protocol.TouchMessage{
		Action:    action,
		PointerID: p.slot,
		Position:  pos,
		Pressure:  pressure,
		Buttons:   buttons,
	})
}

func (t *Translator) warn(b *batch, key pointerKey, kind Kind, reason string) {
	w := &Warning{Pointer: key.id, Synthetic: key.synthetic, Kind: kind, Reason: reason}
	t.log.Warn("pointer lifecycle anomaly",
		zap.Int("pointer", key.id),
		zap.Bool("synthetic", key.synthetic),
		zap.Stringer("kind", kind),
		zap.String("reason", reason))
	b.warns = append(b.warns, w)
}

// acquire maps key to the smallest free slot.
func (t *Translator) acquire(key pointerKey) *pointer {
	var slot uint32
	for t.slots[slot] {
		slot++
	}
	t.slots[slot] = true
	p := &pointer{slot: slot}
	t.active[key] = p
	return p
}

func (t *Translator) release(key pointerKey) {
	if p, ok := t.active[key]; ok {
		delete(t.slots, p.slot)
		delete(t.active, key)
	}
}

// CancelAll cancels every active pointer at its last position, in slot
// order. Streams call it when the geometry changes under an ongoing
// gesture or the session ends.
func (t *Translator) CancelAll() []protocol.TouchMessage {
	keys := make([]pointerKey, 0, len(t.active))
	for k := range t.active {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return t.active[keys[i]].slot < t.active[keys[j]].slot })

	var b batch
	for _, k := range keys {
		p := t.active[k]
		t.emit(&b, p, protocol.ActionCancel, p.last, 0, 0)
		t.release(k)
	}
	return b.msgs
}

// Scroll builds the scroll message for a wheel event at a point. Each
// axis scrolls one step against the wheel delta's sign. It reports false
// when the point is outside the video.
func Scroll(g Geometry, at Point, dx, dy float64) (protocol.ScrollMessage, bool) {
	pos, valid := g.Map(at)
	if !valid {
		return protocol.ScrollMessage{}, false
	}
	return protocol.ScrollMessage{Position: pos, HScroll: -sign(dx), VScroll: -sign(dy)}, true
}

func sign(v float64) int32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
