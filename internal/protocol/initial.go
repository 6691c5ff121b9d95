package protocol

import (
	"bytes"
	"fmt"
)

// Magic markers that open the two non-video frame kinds the agent sends.
// Both are MagicLength bytes and differ only in content.
const (
	MagicInitial = "scrcpy_initial"
	MagicMessage = "scrcpy_message"
	MagicLength  = 14
)

// DeviceNameLength is the fixed width of the NUL-padded device name field.
const DeviceNameLength = 64

// FrameKind is the result of classifying a frame received from the agent.
type FrameKind int

const (
	FrameVideo FrameKind = iota
	FrameInitialInfo
	FrameDeviceMessage
)

func (k FrameKind) String() string {
	switch k {
	case FrameInitialInfo:
		return "initial_info"
	case FrameDeviceMessage:
		return "device_message"
	default:
		return "video"
	}
}

// ClassifyFrame inspects the magic prefix. Anything that is neither an
// initial-info nor a device-message frame is video payload.
func ClassifyFrame(data []byte) FrameKind {
	if len(data) < MagicLength {
		return FrameVideo
	}
	switch string(data[:MagicLength]) {
	case MagicInitial:
		return FrameInitialInfo
	case MagicMessage:
		return FrameDeviceMessage
	}
	return FrameVideo
}

// DisplayRecord is one display entry of the initial info. Screen and
// Video are nil when the agent is not currently encoding that display.
type DisplayRecord struct {
	Display         DisplayInfo    `json:"displayInfo"`
	ConnectionCount int32          `json:"connectionCount"`
	Screen          *ScreenInfo    `json:"screenInfo,omitempty"`
	Video           *VideoSettings `json:"videoSettings,omitempty"`
}

// InitialInfo is the handshake frame the agent sends when a client
// connects: device identity, displays, available encoders and the id the
// agent assigned to this client.
type InitialInfo struct {
	DeviceName string          `json:"deviceName"`
	Displays   []DisplayRecord `json:"displays"`
	Encoders   []string        `json:"encoders"`
	ClientID   int32           `json:"clientId"`
}

// Encode returns the full frame including the magic marker. Device names
// longer than DeviceNameLength bytes are truncated at a rune boundary.
func (info InitialInfo) Encode() []byte {
	b := make([]byte, 0, MagicLength+DeviceNameLength+64)
	b = append(b, MagicInitial...)

	var name [DeviceNameLength]byte
	copy(name[:], truncateUTF8(info.DeviceName, DeviceNameLength))
	b = append(b, name[:]...)

	b = appendInt32(b, int32(len(info.Displays)))
	for _, d := range info.Displays {
		b = append(b, d.Display.Encode()...)
		b = appendInt32(b, d.ConnectionCount)
		if d.Screen != nil {
			b = appendSized(b, d.Screen.Encode())
		} else {
			b = appendInt32(b, 0)
		}
		if d.Video != nil {
			b = appendSized(b, d.Video.Encode())
		} else {
			b = appendInt32(b, 0)
		}
	}

	b = appendInt32(b, int32(len(info.Encoders)))
	for _, e := range info.Encoders {
		b = appendString(b, e)
	}
	return appendInt32(b, info.ClientID)
}

// DecodeInitialInfo parses a full initial-info frame, magic included.
func DecodeInitialInfo(data []byte) (InitialInfo, error) {
	if ClassifyFrame(data) != FrameInitialInfo {
		return InitialInfo{}, fmt.Errorf("%w: initial info magic missing", ErrMalformedFrame)
	}
	r := newFrameReader("initial info", data[MagicLength:])

	var info InitialInfo
	name := r.take(DeviceNameLength)
	if r.err != nil {
		return InitialInfo{}, r.err
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	info.DeviceName = string(name)

	count := r.int32()
	if count < 0 {
		return InitialInfo{}, fmt.Errorf("%w: negative display count %d", ErrMalformedFrame, count)
	}
	for i := int32(0); i < count && r.err == nil; i++ {
		var rec DisplayRecord
		raw := r.take(DisplayInfoLength)
		if r.err != nil {
			break
		}
		rec.Display, _ = DecodeDisplayInfo(raw)
		rec.ConnectionCount = r.int32()

		if screen := r.sized(); screen != nil {
			s, err := DecodeScreenInfo(screen)
			if err != nil {
				return InitialInfo{}, err
			}
			rec.Screen = &s
		}
		if video := r.sized(); video != nil {
			v, err := DecodeVideoSettings(video)
			if err != nil {
				return InitialInfo{}, err
			}
			rec.Video = &v
		}
		info.Displays = append(info.Displays, rec)
	}

	encoders := r.int32()
	if r.err == nil && encoders < 0 {
		return InitialInfo{}, fmt.Errorf("%w: negative encoder count %d", ErrMalformedFrame, encoders)
	}
	for i := int32(0); i < encoders && r.err == nil; i++ {
		info.Encoders = append(info.Encoders, r.string())
	}
	info.ClientID = r.int32()
	if r.err != nil {
		return InitialInfo{}, r.err
	}
	return info, nil
}

// DeviceMessageType discriminates messages the agent pushes to clients.
type DeviceMessageType uint8

const (
	DeviceMessageClipboard        DeviceMessageType = 0
	DeviceMessagePushFileResponse DeviceMessageType = 101
)

// Push file statuses reported by the agent.
const (
	PushFileNoError       int8 = 0
	PushFileErrorInvalid  int8 = -1
	PushFileErrorUnknown  int8 = -2
	PushFileErrorNoSpace  int8 = -3
	PushFileErrorRejected int8 = -4
)

// DeviceMessage is a frame the agent sends outside the video stream. Text
// is set for clipboard messages, PushID and Status for push-file replies.
type DeviceMessage struct {
	Type   DeviceMessageType `json:"type"`
	Text   string            `json:"text,omitempty"`
	PushID int16             `json:"pushId,omitempty"`
	Status int8              `json:"status,omitempty"`
}

// Encode returns the full frame including the magic marker.
func (m DeviceMessage) Encode() []byte {
	b := make([]byte, 0, MagicLength+8+len(m.Text))
	b = append(b, MagicMessage...)
	b = append(b, byte(m.Type))
	switch m.Type {
	case DeviceMessageClipboard:
		b = appendString(b, m.Text)
	case DeviceMessagePushFileResponse:
		b = appendInt16(b, m.PushID)
		b = append(b, byte(m.Status))
	}
	return b
}

// DecodeDeviceMessage parses a full device-message frame, magic included.
func DecodeDeviceMessage(data []byte) (DeviceMessage, error) {
	if ClassifyFrame(data) != FrameDeviceMessage {
		return DeviceMessage{}, fmt.Errorf("%w: device message magic missing", ErrMalformedFrame)
	}
	r := newFrameReader("device message", data[MagicLength:])
	m := DeviceMessage{Type: DeviceMessageType(r.uint8())}
	if r.err != nil {
		return DeviceMessage{}, r.err
	}
	switch m.Type {
	case DeviceMessageClipboard:
		m.Text = r.string()
	case DeviceMessagePushFileResponse:
		m.PushID = r.int16()
		m.Status = r.int8()
	default:
		return DeviceMessage{}, fmt.Errorf("%w: unknown device message type %d", ErrMalformedFrame, m.Type)
	}
	if r.err != nil {
		return DeviceMessage{}, r.err
	}
	return m, nil
}
