// Package fleet tracks the devices attached to the adb server: it keeps a
// descriptor per device, restarts its upstream subscription with backoff
// and notifies subscribers of changes at a throttled rate.
package fleet

import (
	"slices"
	"strings"
	"time"

	"github.com/avaropoint/devmirror/internal/adb"
)

// Device properties read into a descriptor.
const (
	PropManufacturer = "ro.product.manufacturer"
	PropModel        = "ro.product.model"
	PropRelease      = "ro.build.version.release"
	PropSDK          = "ro.build.version.sdk"
	PropABI          = "ro.product.cpu.abi"
	PropWifi         = "wifi.interface"
)

// DeviceDescriptor is the tracked metadata of one device. PID is -1 when
// no agent runs.
type DeviceDescriptor struct {
	UDID          string             `json:"udid"`
	State         adb.State          `json:"state"`
	Manufacturer  string             `json:"ro.product.manufacturer"`
	Model         string             `json:"ro.product.model"`
	Release       string             `json:"ro.build.version.release"`
	SDK           string             `json:"ro.build.version.sdk"`
	ABI           string             `json:"ro.product.cpu.abi"`
	WifiInterface string             `json:"wifi.interface"`
	Interfaces    []adb.NetInterface `json:"interfaces"`
	PID           int                `json:"pid"`
	LastUpdate    time.Time          `json:"last.update.timestamp"`
}

// NewDescriptor returns a descriptor with only identity and state set.
func NewDescriptor(udid string, state adb.State) DeviceDescriptor {
	return DeviceDescriptor{UDID: udid, State: state, PID: -1}
}

// ApplyProperties copies the known properties from a getprop map.
func (d *DeviceDescriptor) ApplyProperties(props map[string]string) {
	d.Manufacturer = props[PropManufacturer]
	d.Model = props[PropModel]
	d.Release = props[PropRelease]
	d.SDK = props[PropSDK]
	d.ABI = props[PropABI]
	d.WifiInterface = props[PropWifi]
}

// Equal compares every field except LastUpdate. Interfaces compare as a
// set, regardless of order.
func (d DeviceDescriptor) Equal(o DeviceDescriptor) bool {
	if d.UDID != o.UDID ||
		d.State != o.State ||
		d.Manufacturer != o.Manufacturer ||
		d.Model != o.Model ||
		d.Release != o.Release ||
		d.SDK != o.SDK ||
		d.ABI != o.ABI ||
		d.WifiInterface != o.WifiInterface ||
		d.PID != o.PID ||
		len(d.Interfaces) != len(o.Interfaces) {
		return false
	}
	return slices.Equal(sortedInterfaces(d.Interfaces), sortedInterfaces(o.Interfaces))
}

func sortedInterfaces(in []adb.NetInterface) []adb.NetInterface {
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b adb.NetInterface) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.IPv4, b.IPv4)
	})
	return out
}

// Clone returns a deep copy.
func (d DeviceDescriptor) Clone() DeviceDescriptor {
	d.Interfaces = slices.Clone(d.Interfaces)
	return d
}
