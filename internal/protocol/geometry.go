package protocol

// Rect is an edge-based rectangle (right and bottom are edges, not sizes).
type Rect struct {
	Left   int32 `json:"left"`
	Top    int32 `json:"top"`
	Right  int32 `json:"right"`
	Bottom int32 `json:"bottom"`
}

// Width returns Right-Left.
func (r Rect) Width() int32 { return r.Right - r.Left }

// Height returns Bottom-Top.
func (r Rect) Height() int32 { return r.Bottom - r.Top }

// IsZero reports whether all edges are zero.
func (r Rect) IsZero() bool { return r == Rect{} }

// Size is a width/height pair.
type Size struct {
	Width  int32 `json:"width"`
	Height int32 `json:"height"`
}

// Rotate swaps the axes.
func (s Size) Rotate() Size { return Size{Width: s.Height, Height: s.Width} }

// ScreenInfoLength is the encoded size of ScreenInfo.
const ScreenInfoLength = 25

// ScreenInfo describes what the agent is currently encoding: the crop of
// the device screen being captured, the encoded video size and the
// device rotation at capture time.
type ScreenInfo struct {
	ContentRect    Rect  `json:"contentRect"`
	VideoSize      Size  `json:"videoSize"`
	DeviceRotation uint8 `json:"deviceRotation"`
}

// Encode returns the 25-byte wire form.
func (s ScreenInfo) Encode() []byte {
	b := make([]byte, 0, ScreenInfoLength)
	b = appendInt32(b, s.ContentRect.Left)
	b = appendInt32(b, s.ContentRect.Top)
	b = appendInt32(b, s.ContentRect.Right)
	b = appendInt32(b, s.ContentRect.Bottom)
	b = appendInt32(b, s.VideoSize.Width)
	b = appendInt32(b, s.VideoSize.Height)
	return append(b, s.DeviceRotation)
}

// DecodeScreenInfo parses a ScreenInfo from the first 25 bytes of data.
func DecodeScreenInfo(data []byte) (ScreenInfo, error) {
	r := newFrameReader("screen info", data)
	var s ScreenInfo
	s.ContentRect = Rect{Left: r.int32(), Top: r.int32(), Right: r.int32(), Bottom: r.int32()}
	s.VideoSize = Size{Width: r.int32(), Height: r.int32()}
	s.DeviceRotation = r.uint8()
	if r.err != nil {
		return ScreenInfo{}, r.err
	}
	return s, nil
}

// DisplayInfoLength is the encoded size of DisplayInfo.
const DisplayInfoLength = 24

// Display flag bits as reported by the device display manager.
const (
	DisplayFlagSupportsProtectedBuffers int32 = 0x01
	DisplayFlagSecure                   int32 = 0x02
	DisplayFlagPrivate                  int32 = 0x04
	DisplayFlagPresentation             int32 = 0x08
	DisplayFlagRound                    int32 = 0x10
)

// DisplayInfo describes one logical display of a device.
type DisplayInfo struct {
	DisplayID  int32 `json:"displayId"`
	Size       Size  `json:"size"`
	Rotation   int32 `json:"rotation"`
	LayerStack int32 `json:"layerStack"`
	Flags      int32 `json:"flags"`
}

// HasFlag reports whether every bit of flag is set.
func (d DisplayInfo) HasFlag(flag int32) bool { return d.Flags&flag == flag }

// Encode returns the 24-byte wire form.
func (d DisplayInfo) Encode() []byte {
	b := make([]byte, 0, DisplayInfoLength)
	b = appendInt32(b, d.DisplayID)
	b = appendInt32(b, d.Size.Width)
	b = appendInt32(b, d.Size.Height)
	b = appendInt32(b, d.Rotation)
	b = appendInt32(b, d.LayerStack)
	return appendInt32(b, d.Flags)
}

// DecodeDisplayInfo parses a DisplayInfo from the first 24 bytes of data.
func DecodeDisplayInfo(data []byte) (DisplayInfo, error) {
	r := newFrameReader("display info", data)
	d := DisplayInfo{
		DisplayID:  r.int32(),
		Size:       Size{Width: r.int32(), Height: r.int32()},
		Rotation:   r.int32(),
		LayerStack: r.int32(),
		Flags:      r.int32(),
	}
	if r.err != nil {
		return DisplayInfo{}, r.err
	}
	return d, nil
}
