//go:build windows

package adapter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"win-tunsetup/internal/core"
	"win-tunsetup/internal/pull"
)

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procConvertInterfaceGuidToLuid  = modIPHlpAPI.NewProc("ConvertInterfaceGuidToLuid")
	procConvertInterfaceLuidToIndex = modIPHlpAPI.NewProc("ConvertInterfaceLuidToIndex")
)

// Device is an open virtual adapter of either backend. The method set is
// a superset of what the setup engine requires of a tunnel device.
type Device interface {
	Identity() Identity
	DriverVersion() string
	SetMediaStatus(connected bool) error
	ConfigureTopology(ra *pull.RouteAddress) error
	DHCPMasquerade(cfg *pull.Config) error
	Close() error
}

// Opener enumerates and opens one virtual adapter: TAP instances first
// (full driver surface), wintun as fallback on systems without a TAP
// driver. RequireTAP forces the TAP backend (the legacy setup path needs
// its ioctls).
type Opener struct {
	RequireTAP bool
}

// Open returns the first adapter that can be acquired exclusively.
func (o Opener) Open(log core.TextLog) (Device, error) {
	taps, err := enumerateTAP()
	if err != nil {
		log.Printf("TAP enumeration failed: %v", err)
	}
	log.Printf("TAP ADAPTERS: %d found", len(taps))
	for _, t := range taps {
		log.Printf("  %q {%s}", t.name, t.guid)
	}

	for _, t := range taps {
		dev, err := openTAP(t)
		if err != nil {
			log.Printf("Open TAP device %q FAILED: %v", t.name, err)
			continue
		}
		log.Printf("Open TAP device %q PATH=%q SUCCEEDED", t.name, dev.ident.DevicePath)
		log.Printf("TAP driver version %s", dev.DriverVersion())
		return dev, nil
	}

	if o.RequireTAP {
		return nil, fmt.Errorf("no TAP adapter could be opened")
	}

	dev, err := openWintun()
	if err != nil {
		return nil, fmt.Errorf("no TAP adapter available and %w", err)
	}
	log.Printf("Using wintun adapter %q (driver %s)", dev.ident.Name, dev.DriverVersion())
	return dev, nil
}

// interfaceIdentity resolves an adapter GUID to its LUID and index.
func interfaceIdentity(guid string) (luid uint64, index uint32, err error) {
	g, err := windows.GUIDFromString(guid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse adapter GUID %q: %w", guid, err)
	}
	r, _, _ := procConvertInterfaceGuidToLuid.Call(
		uintptr(unsafe.Pointer(&g)),
		uintptr(unsafe.Pointer(&luid)),
	)
	if r != 0 {
		return 0, 0, fmt.Errorf("ConvertInterfaceGuidToLuid failed: 0x%x", r)
	}
	r, _, _ = procConvertInterfaceLuidToIndex.Call(
		uintptr(unsafe.Pointer(&luid)),
		uintptr(unsafe.Pointer(&index)),
	)
	if r != 0 {
		return 0, 0, fmt.Errorf("ConvertInterfaceLuidToIndex failed: 0x%x", r)
	}
	return luid, index, nil
}
