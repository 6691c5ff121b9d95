// Package protocol implements the binary wire formats shared by the
// device agent, the server and stream clients: stream settings, screen
// and display geometry, control messages, the initial-info handshake
// frame, device messages, and the WebSocket framing that carries them.
//
// Every multi-byte integer is big-endian. Strings are UTF-8 with a
// 4-byte big-endian byte-length prefix. Decoders never read past the
// end of their input; short or inconsistent input yields an error
// wrapping ErrMalformedFrame.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedFrame reports input that is shorter than an entity's fixed
// region or declares a variable-length field running past the buffer.
// It is connection-fatal for stream sessions.
var ErrMalformedFrame = errors.New("malformed frame")

// frameReader walks a buffer and latches the first bounds violation.
// Accessors return zero values once an error has been recorded so that
// decoders can read a whole layout and check err once.
type frameReader struct {
	data   []byte
	off    int
	entity string
	err    error
}

func newFrameReader(entity string, data []byte) *frameReader {
	return &frameReader{data: data, entity: entity}
}

func (r *frameReader) remaining() int { return len(r.data) - r.off }

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = fmt.Errorf("%w: %s needs %d bytes at offset %d, %d available",
			ErrMalformedFrame, r.entity, n, r.off, r.remaining())
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *frameReader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) int8() int8 { return int8(r.uint8()) }

func (r *frameReader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *frameReader) int16() int16 { return int16(r.uint16()) }

func (r *frameReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *frameReader) int32() int32 { return int32(r.uint32()) }

// sized reads a 4-byte length prefix followed by that many bytes.
// A zero length yields nil.
func (r *frameReader) sized() []byte {
	n := r.int32()
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.err = fmt.Errorf("%w: %s declares negative length %d at offset %d",
			ErrMalformedFrame, r.entity, n, r.off-4)
		return nil
	}
	if n == 0 {
		return nil
	}
	return r.take(int(n))
}

func (r *frameReader) string() string { return string(r.sized()) }

func appendInt16(b []byte, v int16) []byte { return binary.BigEndian.AppendUint16(b, uint16(v)) }

func appendInt32(b []byte, v int32) []byte { return binary.BigEndian.AppendUint32(b, uint32(v)) }

func appendSized(b []byte, payload []byte) []byte {
	b = appendInt32(b, int32(len(payload)))
	return append(b, payload...)
}

func appendString(b []byte, s string) []byte { return appendSized(b, []byte(s)) }

// truncateUTF8 shortens s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
