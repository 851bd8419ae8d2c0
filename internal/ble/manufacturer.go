package ble

import (
	"fmt"
	"strings"
)

// ManufacturerHex renders a payload as dash-separated uppercase hex
// ("4C-00-02"). Empty payloads render as "".
func ManufacturerHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, o := range b {
		if i > 0 {
			sb.WriteByte('-')
		}
		fmt.Fprintf(&sb, "%02X", o)
	}
	return sb.String()
}

// CompanyID is the little-endian Bluetooth SIG company identifier that
// opens every manufacturer-specific payload.
func CompanyID(b []byte) (uint16, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return uint16(b[0]) | uint16(b[1])<<8, true
}

var companies = map[uint16]string{
	0x0006: "Microsoft",
	0x004C: "Apple",
	0x0059: "Nordic Semiconductor",
	0x0075: "Samsung",
	0x0087: "Garmin",
	0x00E0: "Google",
	0x0157: "Huami",
	0x038F: "Xiaomi",
}

// CompanyName looks up a well-known company identifier.
func CompanyName(id uint16) string {
	if n, ok := companies[id]; ok {
		return n
	}
	return "Unknown"
}
