package session

import (
	"encoding/binary"
	"fmt"

	"github.com/avaropoint/devmirror/internal/protocol"
)

// Mux frame types.
const (
	FrameCreate byte = 4
	FrameClose  byte = 8
	FrameData   byte = 64
)

// frameHeaderLength is type plus channel id.
const frameHeaderLength = 5

// Frame is one multiplexer frame: [type:1][channelId:4][payload].
type Frame struct {
	Type    byte
	Channel uint32
	Payload []byte
}

// Encode returns the wire form.
func (f Frame) Encode() []byte {
	b := make([]byte, 0, frameHeaderLength+len(f.Payload))
	b = append(b, f.Type)
	b = binary.BigEndian.AppendUint32(b, f.Channel)
	return append(b, f.Payload...)
}

// DecodeFrame parses a frame. The payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < frameHeaderLength {
		return Frame{}, fmt.Errorf("%w: mux frame of %d bytes", protocol.ErrMalformedFrame, len(data))
	}
	f := Frame{Type: data[0], Channel: binary.BigEndian.Uint32(data[1:5]), Payload: data[5:]}
	switch f.Type {
	case FrameCreate, FrameClose, FrameData:
		return f, nil
	}
	return Frame{}, fmt.Errorf("%w: unknown mux frame type %d", protocol.ErrMalformedFrame, f.Type)
}

// CreatePayload builds the CREATE payload: [code:4][initLen:4][init].
func CreatePayload(code string, init []byte) []byte {
	b := make([]byte, 0, ChannelCodeLength+4+len(init))
	b = append(b, code...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(init)))
	return append(b, init...)
}

// ParseCreatePayload is the inverse of CreatePayload.
func ParseCreatePayload(p []byte) (code string, init []byte, err error) {
	if len(p) < ChannelCodeLength+4 {
		return "", nil, fmt.Errorf("%w: create payload of %d bytes", protocol.ErrMalformedFrame, len(p))
	}
	code = string(p[:ChannelCodeLength])
	n := binary.BigEndian.Uint32(p[ChannelCodeLength:])
	rest := p[ChannelCodeLength+4:]
	if uint64(n) > uint64(len(rest)) {
		return "", nil, fmt.Errorf("%w: channel init of %d bytes, %d available", protocol.ErrMalformedFrame, n, len(rest))
	}
	return code, rest[:n], nil
}
