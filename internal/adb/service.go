package adb

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

// serviceSetupTimeout bounds the host protocol exchange when the caller's
// context carries no deadline.
const serviceSetupTimeout = 10 * time.Second

// openService switches rw to the device's transport and then to service,
// following the adb host protocol: each request is a 4-digit hex length
// followed by the request, answered by OKAY or FAIL plus a
// length-prefixed message.
func openService(rw io.ReadWriter, serial, service string) error {
	if err := hostRequest(rw, "host:transport:"+serial); err != nil {
		return err
	}
	return hostRequest(rw, service)
}

func hostRequest(rw io.ReadWriter, req string) error {
	if len(req) > 0xFFFF {
		return fmt.Errorf("adb request too long: %d bytes", len(req))
	}
	if _, err := fmt.Fprintf(rw, "%04x%s", len(req), req); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}

	var status [4]byte
	if _, err := io.ReadFull(rw, status[:]); err != nil {
		return fmt.Errorf("%w: reading status of %q: %v", ErrDeviceUnreachable, req, err)
	}
	switch string(status[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readHexPrefixed(rw)
		if err != nil {
			return fmt.Errorf("%w: %q failed: %v", ErrDeviceUnreachable, req, err)
		}
		return fmt.Errorf("%w: %q failed: %s", ErrDeviceUnreachable, req, msg)
	default:
		return fmt.Errorf("%w: unexpected status %q for %q", ErrDeviceUnreachable, status[:], req)
	}
}

func readHexPrefixed(r io.Reader) (string, error) {
	var hex [4]byte
	if _, err := io.ReadFull(r, hex[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(hex[:]), 16, 16)
	if err != nil {
		return "", fmt.Errorf("bad length %q", hex[:])
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return "", err
	}
	return string(msg), nil
}
