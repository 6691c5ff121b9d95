package gesture

import (
	"math"

	"github.com/avaropoint/devmirror/internal/protocol"
)

// Point is a position in client or video pixels.
type Point struct {
	X float64
	Y float64
}

// Size is a width and height in pixels.
type Size struct {
	Width  float64
	Height float64
}

// Rotate maps p inside a frame of size s through a quarter-turn rotation
// (0-3). Rotations 1 and 3 swap the frame axes.
func Rotate(p Point, s Size, rotation int) (Point, Size) {
	switch rotation & 3 {
	case 1:
		return Point{X: s.Height - p.Y, Y: p.X}, Size{Width: s.Height, Height: s.Width}
	case 2:
		return Point{X: s.Width - p.X, Y: s.Height - p.Y}, s
	case 3:
		return Point{X: p.Y, Y: s.Width - p.X}, Size{Width: s.Height, Height: s.Width}
	default:
		return p, s
	}
}

// letterboxEpsilon is the precision of the aspect ratio comparison.
const letterboxEpsilon = 1e5

// Geometry relates the client element showing the stream to the video
// the agent encodes.
type Geometry struct {
	// Client is the visible size of the element.
	Client Size
	// Screen is the agent's current screen info.
	Screen protocol.ScreenInfo
	// Rotation, when set, replaces Screen.DeviceRotation as the quarter
	// turns un-applied before mapping.
	Rotation *int
}

func (g Geometry) rotation() int {
	if g.Rotation != nil {
		return *g.Rotation
	}
	return int(g.Screen.DeviceRotation)
}

// Map converts a point relative to the element's top-left corner into
// video coordinates. It reports false when the point lies outside the
// element or in a letterbox band.
func (g Geometry) Map(p Point) (protocol.Position, bool) {
	video := g.Screen.VideoSize
	width, height := float64(video.Width), float64(video.Height)
	pos := protocol.Position{ScreenWidth: uint16(video.Width), ScreenHeight: uint16(video.Height)}
	if width <= 0 || height <= 0 || g.Client.Width <= 0 || g.Client.Height <= 0 {
		return pos, false
	}

	valid := p.X >= 0 && p.X <= g.Client.Width && p.Y >= 0 && p.Y <= g.Client.Height
	touch, client := Rotate(p, g.Client, g.rotation())

	ratio := width / height
	shouldBe := math.Round(letterboxEpsilon * ratio)
	haveNow := math.Round(letterboxEpsilon * client.Width / client.Height)
	switch {
	case shouldBe > haveNow:
		realHeight := math.Ceil(client.Width / ratio)
		top := (client.Height - realHeight) / 2
		if touch.Y < top || touch.Y > top+realHeight {
			valid = false
		}
		touch.Y -= top
		client.Height = realHeight
	case shouldBe < haveNow:
		realWidth := math.Ceil(client.Height * ratio)
		left := (client.Width - realWidth) / 2
		if touch.X < left || touch.X > left+realWidth {
			valid = false
		}
		touch.X -= left
		client.Width = realWidth
	}

	x := touch.X * width / client.Width
	y := touch.Y * height / client.Height
	if x < 0 || y < 0 || x > width || y > height {
		valid = false
	}
	pos.X = int32(x)
	pos.Y = int32(y)
	return pos, valid
}

// mirror reflects a video position through the anchor, reporting false
// when the reflection leaves the video frame.
func mirror(p protocol.Position, anchor Point) (protocol.Position, bool) {
	x := 2*anchor.X - float64(p.X)
	y := 2*anchor.Y - float64(p.Y)
	p.X, p.Y = int32(x), int32(y)
	return p, x >= 0 && y >= 0 && x <= float64(p.ScreenWidth) && y <= float64(p.ScreenHeight)
}

// mirrorCenter reflects a video position through the frame center.
func mirrorCenter(p protocol.Position) protocol.Position {
	p.X = int32(p.ScreenWidth) - p.X
	p.Y = int32(p.ScreenHeight) - p.Y
	return p
}
