package fleet

import (
	"testing"

	"github.com/avaropoint/devmirror/internal/adb"
)

func sampleDescriptor() DeviceDescriptor {
	return DeviceDescriptor{
		UDID:          "emulator-5554",
		State:         adb.StateDevice,
		Manufacturer:  "Google",
		Model:         "Pixel 7",
		Release:       "14",
		SDK:           "34",
		ABI:           "arm64-v8a",
		WifiInterface: "wlan0",
		Interfaces: []adb.NetInterface{
			{Name: "wlan0", IPv4: "192.168.1.23"},
			{Name: "rmnet0", IPv4: "10.0.0.2"},
		},
		PID: 4242,
	}
}

func TestDescriptorEqualIgnoresInterfaceOrder(t *testing.T) {
	a := sampleDescriptor()
	b := sampleDescriptor()
	b.Interfaces = []adb.NetInterface{a.Interfaces[1], a.Interfaces[0]}
	if !a.Equal(b) {
		t.Error("descriptors differing only in interface order should be equal")
	}
	if a.Interfaces[0].Name != "wlan0" {
		t.Error("Equal reordered its receiver's interfaces")
	}
}

func TestDescriptorEqualDetectsFieldChanges(t *testing.T) {
	mutations := map[string]func(*DeviceDescriptor){
		"udid":         func(d *DeviceDescriptor) { d.UDID = "other" },
		"state":        func(d *DeviceDescriptor) { d.State = adb.StateOffline },
		"manufacturer": func(d *DeviceDescriptor) { d.Manufacturer = "Samsung" },
		"model":        func(d *DeviceDescriptor) { d.Model = "Pixel 8" },
		"release":      func(d *DeviceDescriptor) { d.Release = "15" },
		"sdk":          func(d *DeviceDescriptor) { d.SDK = "35" },
		"abi":          func(d *DeviceDescriptor) { d.ABI = "x86_64" },
		"wifi":         func(d *DeviceDescriptor) { d.WifiInterface = "wlan1" },
		"pid":          func(d *DeviceDescriptor) { d.PID = -1 },
		"interface ip": func(d *DeviceDescriptor) { d.Interfaces[0].IPv4 = "192.168.1.24" },
		"interface dropped": func(d *DeviceDescriptor) {
			d.Interfaces = d.Interfaces[:1]
		},
		"interface duplicated": func(d *DeviceDescriptor) {
			d.Interfaces = []adb.NetInterface{d.Interfaces[0], d.Interfaces[0]}
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			a := sampleDescriptor()
			b := sampleDescriptor()
			mutate(&b)
			if a.Equal(b) || b.Equal(a) {
				t.Error("descriptors compared equal")
			}
		})
	}
}

func TestApplyProperties(t *testing.T) {
	d := NewDescriptor("x", adb.StateDevice)
	if d.PID != -1 {
		t.Errorf("new descriptor pid = %d", d.PID)
	}
	d.ApplyProperties(map[string]string{
		PropManufacturer: "Google",
		PropModel:        "Pixel 7",
		PropRelease:      "14",
		PropSDK:          "34",
		PropABI:          "arm64-v8a",
		PropWifi:         "wlan0",
		"unrelated":      "ignored",
	})
	want := sampleDescriptor()
	if d.Manufacturer != want.Manufacturer || d.Model != want.Model || d.Release != want.Release ||
		d.SDK != want.SDK || d.ABI != want.ABI || d.WifiInterface != want.WifiInterface {
		t.Errorf("got %+v", d)
	}
}
