//go:build windows

package adapter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"

	"win-tunsetup/internal/pull"
)

const (
	wintunName = "VPN Tunnel"
	wintunType = "TunSetup"
)

// Fixed GUID keeps the adapter identity stable across sessions.
var wintunGUID = windows.GUID{
	Data1: 0x7A3C1D10,
	Data2: 0x41B2,
	Data3: 0x4E77,
	Data4: [8]byte{0x9B, 0x3A, 0x5D, 0x1E, 0x22, 0x40, 0x86, 0x5F},
}

// WintunDevice wraps a wintun adapter. Wintun is a pure layer-3 driver
// with no media-status, topology, or DHCP surface, so those primitives
// are no-ops or unsupported; the modern path configures addressing with
// host commands instead.
type WintunDevice struct {
	wt    *wintun.Adapter
	ident Identity
}

func openWintun() (*WintunDevice, error) {
	wt, err := wintun.CreateAdapter(wintunName, wintunType, &wintunGUID)
	if err != nil {
		return nil, fmt.Errorf("create wintun adapter: %w", err)
	}

	luid := wt.LUID()
	var index uint32
	r, _, _ := procConvertInterfaceLuidToIndex.Call(
		uintptr(unsafe.Pointer(&luid)),
		uintptr(unsafe.Pointer(&index)),
	)
	if r != 0 {
		wt.Close()
		return nil, fmt.Errorf("ConvertInterfaceLuidToIndex failed: 0x%x", r)
	}

	return &WintunDevice{
		wt: wt,
		ident: Identity{
			Name:       wintunName,
			Index:      index,
			LUID:       luid,
			DevicePath: `\\.\wintun\` + wintunName,
		},
	}, nil
}

func (d *WintunDevice) Identity() Identity { return d.ident }

// DriverVersion reports the loaded wintun driver version.
func (d *WintunDevice) DriverVersion() string {
	v, err := wintun.RunningVersion()
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d", v>>16, v&0xffff)
}

// SetMediaStatus is a no-op: a wintun link is up for as long as the
// adapter exists.
func (d *WintunDevice) SetMediaStatus(bool) error { return nil }

// ConfigureTopology is a no-op: wintun has no L2 topology to program.
func (d *WintunDevice) ConfigureTopology(*pull.RouteAddress) error { return nil }

// DHCPMasquerade is a legacy TAP facility with no wintun equivalent.
func (d *WintunDevice) DHCPMasquerade(*pull.Config) error {
	return fmt.Errorf("DHCP masquerade is not supported by the wintun driver")
}

func (d *WintunDevice) Close() error {
	d.wt.Close()
	return nil
}
