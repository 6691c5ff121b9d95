package gesture

import (
	"testing"

	"github.com/avaropoint/devmirror/internal/protocol"
)

func portrait() Geometry {
	return Geometry{
		Client: Size{Width: 540, Height: 960},
		Screen: protocol.ScreenInfo{
			ContentRect: protocol.Rect{Right: 1080, Bottom: 1920},
			VideoSize:   protocol.Size{Width: 1080, Height: 1920},
		},
	}
}

func TestRotate(t *testing.T) {
	s := Size{Width: 1080, Height: 1920}
	tests := []struct {
		rotation int
		want     Point
		size     Size
	}{
		{0, Point{100, 200}, s},
		{1, Point{1720, 100}, Size{1920, 1080}},
		{2, Point{980, 1720}, s},
		{3, Point{200, 980}, Size{1920, 1080}},
		{4, Point{100, 200}, s},
	}
	for _, tt := range tests {
		p, size := Rotate(Point{100, 200}, s, tt.rotation)
		if p != tt.want || size != tt.size {
			t.Errorf("rotation %d: got %v %v, want %v %v", tt.rotation, p, size, tt.want, tt.size)
		}
	}
}

func TestMapScalesToVideo(t *testing.T) {
	pos, ok := portrait().Map(Point{270, 480})
	if !ok {
		t.Fatal("point inside the element reported invalid")
	}
	want := protocol.Position{X: 540, Y: 960, ScreenWidth: 1080, ScreenHeight: 1920}
	if pos != want {
		t.Errorf("got %+v, want %+v", pos, want)
	}
}

func TestMapOutsideElement(t *testing.T) {
	g := portrait()
	for _, p := range []Point{{-1, 10}, {10, -1}, {541, 10}, {10, 961}} {
		if _, ok := g.Map(p); ok {
			t.Errorf("%v reported valid", p)
		}
	}
}

func TestMapLetterbox(t *testing.T) {
	g := portrait()
	g.Client = Size{Width: 1080, Height: 1080}

	// Picture is 608 wide, centered with 236 px bands either side.
	if _, ok := g.Map(Point{100, 500}); ok {
		t.Error("point in the left band reported valid")
	}
	if _, ok := g.Map(Point{1000, 500}); ok {
		t.Error("point in the right band reported valid")
	}
	pos, ok := g.Map(Point{540, 540})
	if !ok {
		t.Fatal("center reported invalid")
	}
	if pos.X != 540 || pos.Y != 960 {
		t.Errorf("center mapped to (%d, %d)", pos.X, pos.Y)
	}
}

func TestMapUnappliesDeviceRotation(t *testing.T) {
	g := Geometry{
		Client: Size{Width: 200, Height: 100},
		Screen: protocol.ScreenInfo{
			ContentRect:    protocol.Rect{Right: 100, Bottom: 200},
			VideoSize:      protocol.Size{Width: 100, Height: 200},
			DeviceRotation: 1,
		},
	}
	pos, ok := g.Map(Point{50, 20})
	if !ok || pos.X != 80 || pos.Y != 50 {
		t.Errorf("rotated device: (%d, %d) %v, want (80, 50) true", pos.X, pos.Y, ok)
	}

	none := 0
	g.Rotation = &none
	if _, ok := g.Map(Point{50, 20}); ok {
		t.Error("point in the letterbox band reported valid with the rotation overridden")
	}
}

func TestMapWithoutVideo(t *testing.T) {
	g := Geometry{Client: Size{Width: 100, Height: 100}}
	if _, ok := g.Map(Point{1, 1}); ok {
		t.Error("mapping with no video size reported valid")
	}
}

func TestMirror(t *testing.T) {
	p := protocol.Position{X: 100, Y: 200, ScreenWidth: 1080, ScreenHeight: 1920}

	got := mirrorCenter(p)
	if got.X != 980 || got.Y != 1720 {
		t.Errorf("center mirror = (%d, %d)", got.X, got.Y)
	}

	got, ok := mirror(p, Point{300, 300})
	if !ok || got.X != 500 || got.Y != 400 {
		t.Errorf("anchor mirror = (%d, %d) %v", got.X, got.Y, ok)
	}
	if _, ok := mirror(p, Point{20, 20}); ok {
		t.Error("reflection outside the frame reported valid")
	}
}
