// Package adapter opens the virtual network adapter backing the tunnel
// and exposes the driver control primitives setup needs. Two backends are
// supported on Windows: the classic TAP driver (full ioctl surface,
// required by the legacy path) and wintun (modern path only).
package adapter

import "strconv"

// Identity names an opened adapter for planning and diagnostics.
type Identity struct {
	// Name is the network connection display name.
	Name string
	// Index is the interface index routes and netsh commands target.
	Index uint32
	// LUID is the locally unique interface identifier (firewall rules).
	LUID uint64
	// DevicePath is the driver device path that was opened.
	DevicePath string
}

// IndexName renders the interface index the way netsh accepts it in the
// name position.
func (id Identity) IndexName() string {
	return strconv.FormatUint(uint64(id.Index), 10)
}
