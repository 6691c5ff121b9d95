package protocol

// VideoSettingsBaseLength is the fixed prefix of an encoded VideoSettings:
// 27 bytes of scalar fields plus the two 4-byte string length prefixes.
const VideoSettingsBaseLength = 35

// OrientationUnlocked is the LockedOrientation value meaning the stream
// follows the device rotation.
const OrientationUnlocked int8 = -1

// VideoSettings are the encoder parameters a client requests from the
// device agent.
//
// Crop and Bounds are optional; nil encodes as zeros and an all-zero crop
// or a bounds with a zero side decodes as nil. CodecOptions and EncoderName
// are absent when empty and encode a zero length prefix.
type VideoSettings struct {
	Crop    *Rect `json:"crop,omitempty"`
	Bitrate int32 `json:"bitrate"`
	Bounds  *Size `json:"bounds,omitempty"`
	MaxFPS  int32 `json:"maxFps"`
	// IFrameInterval is in seconds. Negative disables periodic key
	// frames; zero makes every frame a key frame.
	IFrameInterval    int8   `json:"iFrameInterval"`
	SendFrameMeta     bool   `json:"sendFrameMeta"`
	LockedOrientation int8   `json:"lockedVideoOrientation"`
	DisplayID         int32  `json:"displayId"`
	CodecOptions      string `json:"codecOptions,omitempty"`
	EncoderName       string `json:"encoderName,omitempty"`
}

// DefaultVideoSettings returns the settings a new stream starts with.
func DefaultVideoSettings() VideoSettings {
	return VideoSettings{
		Bitrate:           8_000_000,
		Bounds:            &Size{Width: 720, Height: 720},
		MaxFPS:            24,
		IFrameInterval:    5,
		LockedOrientation: OrientationUnlocked,
	}
}

// Encode returns the wire form: the 35-byte prefix followed by the
// codec-options and encoder-name bytes.
func (v VideoSettings) Encode() []byte {
	b := make([]byte, 0, VideoSettingsBaseLength+len(v.CodecOptions)+len(v.EncoderName))
	b = appendInt32(b, v.Bitrate)
	b = appendInt32(b, v.MaxFPS)
	b = append(b, byte(v.IFrameInterval))

	var bounds Size
	if v.Bounds != nil {
		bounds = *v.Bounds
	}
	b = appendInt16(b, int16(bounds.Width))
	b = appendInt16(b, int16(bounds.Height))

	var crop Rect
	if v.Crop != nil {
		crop = *v.Crop
	}
	b = appendInt16(b, int16(crop.Left))
	b = appendInt16(b, int16(crop.Top))
	b = appendInt16(b, int16(crop.Right))
	b = appendInt16(b, int16(crop.Bottom))

	if v.SendFrameMeta {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, byte(v.LockedOrientation))
	b = appendInt32(b, v.DisplayID)
	b = appendString(b, v.CodecOptions)
	return appendString(b, v.EncoderName)
}

// DecodeVideoSettings parses a VideoSettings from data.
func DecodeVideoSettings(data []byte) (VideoSettings, error) {
	r := newFrameReader("video settings", data)
	if r.remaining() < VideoSettingsBaseLength {
		r.take(VideoSettingsBaseLength)
		return VideoSettings{}, r.err
	}

	var v VideoSettings
	v.Bitrate = r.int32()
	v.MaxFPS = r.int32()
	v.IFrameInterval = r.int8()

	bounds := Size{Width: int32(r.int16()), Height: int32(r.int16())}
	if bounds.Width != 0 && bounds.Height != 0 {
		v.Bounds = &bounds
	}

	crop := Rect{
		Left:   int32(r.int16()),
		Top:    int32(r.int16()),
		Right:  int32(r.int16()),
		Bottom: int32(r.int16()),
	}
	if !crop.IsZero() {
		v.Crop = &crop
	}

	v.SendFrameMeta = r.int8() != 0
	v.LockedOrientation = r.int8()
	v.DisplayID = r.int32()
	v.CodecOptions = r.string()
	v.EncoderName = r.string()
	if r.err != nil {
		return VideoSettings{}, r.err
	}
	return v, nil
}

// Equal compares field by field. A nil Crop equals an all-zero one and a
// nil Bounds equals one with a zero side, matching what survives the wire.
func (v VideoSettings) Equal(o VideoSettings) bool {
	return v.Bitrate == o.Bitrate &&
		v.MaxFPS == o.MaxFPS &&
		v.IFrameInterval == o.IFrameInterval &&
		v.SendFrameMeta == o.SendFrameMeta &&
		v.LockedOrientation == o.LockedOrientation &&
		v.DisplayID == o.DisplayID &&
		v.CodecOptions == o.CodecOptions &&
		v.EncoderName == o.EncoderName &&
		effectiveCrop(v.Crop) == effectiveCrop(o.Crop) &&
		effectiveBounds(v.Bounds) == effectiveBounds(o.Bounds)
}

func effectiveCrop(r *Rect) Rect {
	if r == nil {
		return Rect{}
	}
	return *r
}

func effectiveBounds(s *Size) Size {
	if s == nil || s.Width == 0 || s.Height == 0 {
		return Size{}
	}
	return *s
}
