package protocol

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// WebSocket GUID per RFC 6455 section 4.2.2.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxFramePayload bounds a single inbound frame. Video frames from the
// agent are well under this.
const MaxFramePayload = 16 << 20

// AcceptKey computes the Sec-WebSocket-Accept value for a given key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ReadFrame reads a single WebSocket frame from r.
// It handles extended payload lengths and optional masking.
func ReadFrame(r *bufio.Reader) (opcode byte, payload []byte, err error) {
	var header [2]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	opcode = header[0] & 0x0F
	masked := header[1]&0x80 != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > MaxFramePayload {
		return 0, nil, fmt.Errorf("%w: websocket payload of %d bytes exceeds %d", ErrMalformedFrame, length, MaxFramePayload)
	}

	var maskKey [4]byte
	if masked {
		if _, err = io.ReadFull(r, maskKey[:]); err != nil {
			return 0, nil, err
		}
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i&3]
		}
	}

	return opcode, payload, nil
}

func appendFrameHeader(frame []byte, opcode byte, length int, mask byte) []byte {
	frame = append(frame, 0x80|opcode)
	switch {
	case length < 126:
		frame = append(frame, byte(length)|mask)
	case length < 65536:
		frame = append(frame, 126|mask, byte(length>>8), byte(length))
	default:
		frame = append(frame, 127|mask)
		for i := 7; i >= 0; i-- {
			frame = append(frame, byte(length>>(i*8)))
		}
	}
	return frame
}

// WriteServerFrame writes an unmasked WebSocket frame (server → client).
func WriteServerFrame(w io.Writer, opcode byte, payload []byte) error {
	frame := make([]byte, 0, 2+8+len(payload))
	frame = appendFrameHeader(frame, opcode, len(payload), 0)
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

// WriteClientFrame writes a masked WebSocket frame (client → server).
func WriteClientFrame(w io.Writer, opcode byte, payload []byte) error {
	length := len(payload)
	frame := make([]byte, 0, 2+8+4+length)
	frame = appendFrameHeader(frame, opcode, length, 0x80)

	var maskKey [4]byte
	rand.Read(maskKey[:]) //nolint:errcheck
	frame = append(frame, maskKey[:]...)

	// Mask inline into the same allocation
	off := len(frame)
	frame = frame[:off+length]
	for i, b := range payload {
		frame[off+i] = b ^ maskKey[i&3]
	}

	_, err := w.Write(frame)
	return err
}

// CloseError is returned by Conn.ReadMessage when the peer sends a close
// frame.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Reason)
}

// ClosePayload builds the body of a close frame. Reasons are cut to fit
// the 125-byte control frame limit on a rune boundary.
func ClosePayload(code uint16, reason string) []byte {
	reason = truncateUTF8(reason, 123)
	b := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	return append(b, reason...)
}

// ParseClosePayload is the inverse of ClosePayload. An empty body means
// no status was given.
func ParseClosePayload(payload []byte) *CloseError {
	if len(payload) < 2 {
		return &CloseError{Code: CloseNoStatus}
	}
	return &CloseError{Code: binary.BigEndian.Uint16(payload), Reason: string(payload[2:])}
}

// Conn is a message-oriented WebSocket connection. Writes are serialized;
// reads must come from a single goroutine.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	client bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewConn wraps an already upgraded connection. Client connections mask
// their frames.
func NewConn(conn net.Conn, reader *bufio.Reader, client bool) *Conn {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	return &Conn{conn: conn, reader: reader, client: client}
}

// Upgrade performs the HTTP to WebSocket handshake per RFC 6455.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return nil, fmt.Errorf("not a websocket request")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, fmt.Errorf("missing Sec-WebSocket-Key")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("hijacking not supported")
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"

	if _, err := conn.Write([]byte(response)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return NewConn(conn, rw.Reader, false), nil
}

// Dial connects to a ws:// or wss:// URL and performs the client side of
// the handshake. header carries extra request headers such as
// Authorization.
func Dial(ctx context.Context, rawURL string, header http.Header) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	host := u.Host
	secure := u.Scheme == "wss" || u.Scheme == "https"
	if u.Port() == "" {
		if secure {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	if secure {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	c, err := NewClient(conn, u.Host, u.RequestURI(), header)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the client handshake over an established connection,
// such as a tunnel to an on-device agent. The connection is left open on
// failure.
func NewClient(conn net.Conn, host, requestURI string, header http.Header) (*Conn, error) {
	var nonce [16]byte
	rand.Read(nonce[:]) //nolint:errcheck
	key := base64.StdEncoding.EncodeToString(nonce[:])

	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: %s\r\n"+
		"Sec-WebSocket-Version: 13\r\n",
		requestURI, host, key)
	for name, values := range header {
		for _, v := range values {
			fmt.Fprintf(&req, "%s: %s\r\n", name, v)
		}
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}

	if len(statusLine) < 12 || statusLine[9:12] != "101" {
		return nil, fmt.Errorf("websocket handshake failed: %s", strings.TrimSpace(statusLine))
	}

	accepted := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\r\n" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Accept") {
			accepted = strings.TrimSpace(value) == AcceptKey(key)
		}
	}
	if !accepted {
		return nil, errors.New("websocket handshake failed: bad accept key")
	}

	return NewConn(conn, reader, true), nil
}

// ReadMessage returns the next data frame. Pings are answered, pongs
// skipped, and a close frame is echoed and reported as *CloseError.
func (c *Conn) ReadMessage() (opcode byte, payload []byte, err error) {
	for {
		opcode, payload, err = ReadFrame(c.reader)
		if err != nil {
			return 0, nil, err
		}
		switch opcode {
		case OpPing:
			_ = c.WriteMessage(OpPong, payload)
		case OpPong:
		case OpClose:
			ce := ParseClosePayload(payload)
			_ = c.WriteMessage(OpClose, payload)
			return 0, nil, ce
		default:
			return opcode, payload, nil
		}
	}
}

// WriteMessage sends a single frame.
func (c *Conn) WriteMessage(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.client {
		return WriteClientFrame(c.conn, opcode, payload)
	}
	return WriteServerFrame(c.conn, opcode, payload)
}

// CloseWithCode sends a close frame and closes the connection.
func (c *Conn) CloseWithCode(code uint16, reason string) error {
	_ = c.WriteMessage(OpClose, ClosePayload(code, reason))
	return c.Close()
}

// Close closes the underlying connection. It is safe to call more than
// once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
