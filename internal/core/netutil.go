package core

import (
	"fmt"
	"net/netip"
)

// Netmask4 renders an IPv4 prefix length as a dotted-quad netmask
// ("24" → "255.255.255.0"). Prefix lengths outside 0..32 are clamped.
func Netmask4(prefixLen int) string {
	if prefixLen < 0 {
		prefixLen = 0
	}
	if prefixLen > 32 {
		prefixLen = 32
	}
	var mask uint32
	if prefixLen > 0 {
		mask = ^uint32(0) << (32 - prefixLen)
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}

// Prefix renders "addr/len" the way netsh expects it.
func Prefix(addr netip.Addr, prefixLen int) string {
	return fmt.Sprintf("%s/%d", addr, prefixLen)
}
