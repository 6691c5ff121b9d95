package adb

import (
	"bufio"
	"net/netip"
	"strings"
)

// NetInterface is a named IPv4 address on a device.
type NetInterface struct {
	Name string `json:"name"`
	IPv4 string `json:"ipv4"`
}

// ParseProperties parses getprop output lines of the form
// "[key]: [value]". Malformed lines are skipped.
func ParseProperties(out string) map[string]string {
	props := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, "]: [")
		if !ok || !strings.HasPrefix(key, "[") || !strings.HasSuffix(value, "]") {
			continue
		}
		props[key[1:]] = value[:len(value)-1]
	}
	return props
}

// InterfacesCommand lists IPv4 addresses, one per line.
const InterfacesCommand = "ip -4 -f inet -o a"

// ParseInterfaces extracts globally scoped IPv4 addresses from
// InterfacesCommand output, e.g.
//
//	30: wlan0    inet 192.168.1.23/24 brd 192.168.1.255 scope global wlan0\       valid_lft forever preferred_lft forever
func ParseInterfaces(out string) []NetInterface {
	var ifaces []NetInterface
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "scope global") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[2] != "inet" {
			continue
		}
		prefix, err := netip.ParsePrefix(fields[3])
		if err != nil || !prefix.Addr().Is4() {
			continue
		}
		ifaces = append(ifaces, NetInterface{
			Name: strings.TrimSuffix(fields[1], ":"),
			IPv4: prefix.Addr().String(),
		})
	}
	return ifaces
}
