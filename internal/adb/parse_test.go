package adb

import (
	"reflect"
	"testing"

	goadb "github.com/zach-klippenstein/goadb"
)

func TestParseProperties(t *testing.T) {
	out := "[ro.product.manufacturer]: [Google]\n" +
		"[ro.product.model]: [Pixel 7]\r\n" +
		"[ro.build.version.sdk]: [34]\n" +
		"[wifi.interface]: [wlan0]\n" +
		"[empty.value]: []\n" +
		"garbage line\n" +
		"[unterminated]: [value\n"
	got := ParseProperties(out)
	want := map[string]string{
		"ro.product.manufacturer": "Google",
		"ro.product.model":        "Pixel 7",
		"ro.build.version.sdk":    "34",
		"wifi.interface":          "wlan0",
		"empty.value":             "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v\nwant %v", got, want)
	}
}

func TestParseInterfaces(t *testing.T) {
	out := "1: lo    inet 127.0.0.1/8 scope host lo\\       valid_lft forever preferred_lft forever\n" +
		"30: wlan0    inet 192.168.1.23/24 brd 192.168.1.255 scope global wlan0\\       valid_lft forever preferred_lft forever\n" +
		"31: rmnet_data0    inet 10.12.0.7/30 scope global rmnet_data0\\       valid_lft forever preferred_lft forever\n" +
		"32: bogus    inet not-an-ip scope global bogus\n"
	got := ParseInterfaces(out)
	want := []NetInterface{
		{Name: "wlan0", IPv4: "192.168.1.23"},
		{Name: "rmnet_data0", IPv4: "10.12.0.7"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v\nwant %v", got, want)
	}
}

func TestConvertState(t *testing.T) {
	tests := []struct {
		in   goadb.DeviceState
		want State
	}{
		{goadb.StateOnline, StateDevice},
		{goadb.StateOffline, StateOffline},
		{goadb.StateUnauthorized, StateUnauthorized},
		{goadb.StateDisconnected, StateDisconnected},
		{goadb.StateInvalid, StateUnknown},
	}
	for _, tt := range tests {
		if got := ConvertState(tt.in); got != tt.want {
			t.Errorf("ConvertState(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
