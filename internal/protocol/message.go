package protocol

import "encoding/json"

// WebSocket opcodes per RFC 6455.
const (
	OpContinue = 0
	OpText     = 1
	OpBinary   = 2
	OpClose    = 8
	OpPing     = 9
	OpPong     = 10
)

// Close codes. The 4000 range is reserved for application errors.
const (
	CloseNormal           uint16 = 1000
	CloseGoingAway        uint16 = 1001
	CloseNoStatus         uint16 = 1005
	CloseInternalError    uint16 = 1011
	CloseMalformedFrame   uint16 = 4000
	CloseUnknownAction    uint16 = 4002
	CloseInvalidParameter uint16 = 4003
	CloseTunnelFailure    uint16 = 4005
	CloseTunnelClosed     uint16 = 4011
)

// Message is the envelope for JSON text messages exchanged with clients
// on the fleet tracker channel.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types.
const (
	MsgDeviceList = "devicelist"
	MsgDevice     = "device"
	MsgRefresh    = "refresh"
	MsgError      = "error"
)

// NewMessage marshals payload into an envelope of the given type.
func NewMessage(typ string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: typ}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: raw}, nil
}
