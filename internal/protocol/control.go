package protocol

import "fmt"

// MessageType is the one-byte discriminant every control message starts
// with.
type MessageType uint8

// Control message types understood by the device agent.
const (
	TypeKeycode                   MessageType = 0
	TypeText                      MessageType = 1
	TypeTouch                     MessageType = 2
	TypeScroll                    MessageType = 3
	TypeBackOrScreenOn            MessageType = 4
	TypeExpandNotificationPanel   MessageType = 5
	TypeCollapseNotificationPanel MessageType = 6
	TypeGetClipboard              MessageType = 7
	TypeSetClipboard              MessageType = 8
	TypeSetScreenPowerMode        MessageType = 9
	TypeRotateDevice              MessageType = 10
	TypeChangeStreamParameters    MessageType = 101
	TypePushFile                  MessageType = 102
)

func (t MessageType) String() string {
	switch t {
	case TypeKeycode:
		return "keycode"
	case TypeText:
		return "text"
	case TypeTouch:
		return "touch"
	case TypeScroll:
		return "scroll"
	case TypeBackOrScreenOn:
		return "back_or_screen_on"
	case TypeExpandNotificationPanel:
		return "expand_notification_panel"
	case TypeCollapseNotificationPanel:
		return "collapse_notification_panel"
	case TypeGetClipboard:
		return "get_clipboard"
	case TypeSetClipboard:
		return "set_clipboard"
	case TypeSetScreenPowerMode:
		return "set_screen_power_mode"
	case TypeRotateDevice:
		return "rotate_device"
	case TypeChangeStreamParameters:
		return "change_stream_parameters"
	case TypePushFile:
		return "push_file"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Encoded lengths including the type byte.
const (
	TouchMessageLength   = 29
	ScrollMessageLength  = 21
	KeycodeMessageLength = 14
)

// MaxPressure is the wire value of full pressure.
const MaxPressure = 0xFFFF

// MotionAction mirrors the device's motion event actions.
type MotionAction uint8

const (
	ActionDown   MotionAction = 0
	ActionUp     MotionAction = 1
	ActionMove   MotionAction = 2
	ActionCancel MotionAction = 3
)

func (a MotionAction) String() string {
	switch a {
	case ActionDown:
		return "down"
	case ActionUp:
		return "up"
	case ActionMove:
		return "move"
	case ActionCancel:
		return "cancel"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Motion button bits.
const (
	ButtonPrimary   uint32 = 1 << 0
	ButtonSecondary uint32 = 1 << 1
	ButtonTertiary  uint32 = 1 << 2
	ButtonBack      uint32 = 1 << 3
	ButtonForward   uint32 = 1 << 4
)

// KeyAction is the action of a keycode message.
type KeyAction uint8

const (
	KeyDown KeyAction = 0
	KeyUp   KeyAction = 1
)

// Position is a point in video space together with the video size the
// point refers to, so the agent can rescale if the stream size changed.
type Position struct {
	X            int32  `json:"x"`
	Y            int32  `json:"y"`
	ScreenWidth  uint16 `json:"screenWidth"`
	ScreenHeight uint16 `json:"screenHeight"`
}

func appendPosition(b []byte, p Position) []byte {
	b = appendInt32(b, p.X)
	b = appendInt32(b, p.Y)
	b = append(b, byte(p.ScreenWidth>>8), byte(p.ScreenWidth))
	return append(b, byte(p.ScreenHeight>>8), byte(p.ScreenHeight))
}

func (r *frameReader) position() Position {
	return Position{X: r.int32(), Y: r.int32(), ScreenWidth: r.uint16(), ScreenHeight: r.uint16()}
}

// ControlMessage is any message a client sends to the device agent.
type ControlMessage interface {
	Type() MessageType
	Encode() []byte
}

// TouchMessage injects one pointer event.
type TouchMessage struct {
	Action    MotionAction
	PointerID uint32
	Position  Position
	// Pressure is scaled to 0..MaxPressure.
	Pressure uint16
	Buttons  uint32
}

// PressureFromFloat converts a 0..1 pressure to its wire value, clamping
// out-of-range input.
func PressureFromFloat(p float64) uint16 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return MaxPressure
	default:
		return uint16(p * MaxPressure)
	}
}

func (TouchMessage) Type() MessageType { return TypeTouch }

// Encode returns the 29-byte wire form. The pointer id occupies 8 bytes
// with the high 4 zero; the final byte is reserved and always zero.
func (m TouchMessage) Encode() []byte {
	b := make([]byte, 0, TouchMessageLength)
	b = append(b, byte(TypeTouch), byte(m.Action))
	b = appendInt32(b, 0)
	b = appendInt32(b, int32(m.PointerID))
	b = appendPosition(b, m.Position)
	b = append(b, byte(m.Pressure>>8), byte(m.Pressure))
	b = appendInt32(b, int32(m.Buttons))
	return append(b, 0)
}

func decodeTouch(r *frameReader) (TouchMessage, error) {
	if r.remaining() < TouchMessageLength-1 {
		r.take(TouchMessageLength - 1)
		return TouchMessage{}, r.err
	}
	var m TouchMessage
	m.Action = MotionAction(r.uint8())
	if high := r.uint32(); high != 0 {
		return TouchMessage{}, fmt.Errorf("%w: touch pointer id high word %#x", ErrMalformedFrame, high)
	}
	m.PointerID = r.uint32()
	m.Position = r.position()
	m.Pressure = r.uint16()
	m.Buttons = r.uint32()
	r.take(1)
	return m, r.err
}

// ScrollMessage injects a scroll at a position.
type ScrollMessage struct {
	Position Position
	HScroll  int32
	VScroll  int32
}

func (ScrollMessage) Type() MessageType { return TypeScroll }

// Encode returns the 21-byte wire form.
func (m ScrollMessage) Encode() []byte {
	b := make([]byte, 0, ScrollMessageLength)
	b = append(b, byte(TypeScroll))
	b = appendPosition(b, m.Position)
	b = appendInt32(b, m.HScroll)
	return appendInt32(b, m.VScroll)
}

func decodeScroll(r *frameReader) (ScrollMessage, error) {
	m := ScrollMessage{Position: r.position(), HScroll: r.int32(), VScroll: r.int32()}
	return m, r.err
}

// KeycodeMessage injects a key event.
type KeycodeMessage struct {
	Action    KeyAction
	Keycode   int32
	Repeat    int32
	MetaState int32
}

func (KeycodeMessage) Type() MessageType { return TypeKeycode }

// Encode returns the 14-byte wire form.
func (m KeycodeMessage) Encode() []byte {
	b := make([]byte, 0, KeycodeMessageLength)
	b = append(b, byte(TypeKeycode), byte(m.Action))
	b = appendInt32(b, m.Keycode)
	b = appendInt32(b, m.Repeat)
	return appendInt32(b, m.MetaState)
}

func decodeKeycode(r *frameReader) (KeycodeMessage, error) {
	m := KeycodeMessage{Action: KeyAction(r.uint8()), Keycode: r.int32(), Repeat: r.int32(), MetaState: r.int32()}
	return m, r.err
}

// TextMessage types text on the device.
type TextMessage struct {
	Text string
}

func (TextMessage) Type() MessageType { return TypeText }

func (m TextMessage) Encode() []byte {
	return appendString([]byte{byte(TypeText)}, m.Text)
}

// SetClipboardMessage replaces the device clipboard, optionally pasting.
type SetClipboardMessage struct {
	Text  string
	Paste bool
}

func (SetClipboardMessage) Type() MessageType { return TypeSetClipboard }

func (m SetClipboardMessage) Encode() []byte {
	b := []byte{byte(TypeSetClipboard), 0}
	if m.Paste {
		b[1] = 1
	}
	return appendString(b, m.Text)
}

// Screen power modes.
const (
	PowerModeOff    uint8 = 0
	PowerModeNormal uint8 = 2
)

// ScreenPowerModeMessage turns the device display on or off while the
// stream keeps running.
type ScreenPowerModeMessage struct {
	Mode uint8
}

func (ScreenPowerModeMessage) Type() MessageType { return TypeSetScreenPowerMode }

func (m ScreenPowerModeMessage) Encode() []byte {
	return []byte{byte(TypeSetScreenPowerMode), m.Mode}
}

// CommandMessage carries an opcode with no payload, or, for
// TypeChangeStreamParameters, the requested VideoSettings.
type CommandMessage struct {
	Command  MessageType
	Settings *VideoSettings
}

func (m CommandMessage) Type() MessageType { return m.Command }

func (m CommandMessage) Encode() []byte {
	b := []byte{byte(m.Command)}
	if m.Command == TypeChangeStreamParameters && m.Settings != nil {
		b = append(b, m.Settings.Encode()...)
	}
	return b
}

// NewChangeStreamParameters builds the command that restarts the encoder
// with new settings.
func NewChangeStreamParameters(settings VideoSettings) CommandMessage {
	return CommandMessage{Command: TypeChangeStreamParameters, Settings: &settings}
}

func isBareCommand(t MessageType) bool {
	switch t {
	case TypeBackOrScreenOn, TypeExpandNotificationPanel, TypeCollapseNotificationPanel,
		TypeGetClipboard, TypeRotateDevice:
		return true
	}
	return false
}

// DecodeControlMessage parses any control message by its type byte.
func DecodeControlMessage(data []byte) (ControlMessage, error) {
	r := newFrameReader("control message", data)
	t := MessageType(r.uint8())
	if r.err != nil {
		return nil, r.err
	}
	switch {
	case t == TypeTouch:
		return decodeTouch(r)
	case t == TypeScroll:
		return decodeScroll(r)
	case t == TypeKeycode:
		return decodeKeycode(r)
	case t == TypeText:
		m := TextMessage{Text: r.string()}
		return m, r.err
	case t == TypeSetClipboard:
		m := SetClipboardMessage{Paste: r.uint8() != 0}
		m.Text = r.string()
		return m, r.err
	case t == TypeSetScreenPowerMode:
		m := ScreenPowerModeMessage{Mode: r.uint8()}
		return m, r.err
	case t == TypeChangeStreamParameters:
		settings, err := DecodeVideoSettings(data[1:])
		if err != nil {
			return nil, err
		}
		return CommandMessage{Command: t, Settings: &settings}, nil
	case isBareCommand(t):
		return CommandMessage{Command: t}, nil
	default:
		return nil, fmt.Errorf("%w: unknown control message type %d", ErrMalformedFrame, uint8(t))
	}
}
