//go:build windows

package netinfo

import (
	"fmt"
	"net/netip"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// adapterInfo walks the GetAdaptersInfo list until fn returns true.
func adapterInfo(fn func(ai *windows.IpAdapterInfo) bool) error {
	size := uint32(16 * 1024)
	for {
		buf := make([]byte, size)
		ai := (*windows.IpAdapterInfo)(unsafe.Pointer(&buf[0]))
		err := windows.GetAdaptersInfo(ai, &size)
		if err == windows.ERROR_BUFFER_OVERFLOW {
			continue
		}
		if err != nil {
			return fmt.Errorf("GetAdaptersInfo: %w", err)
		}
		for ; ai != nil; ai = ai.Next {
			if fn(ai) {
				return nil
			}
		}
		return nil
	}
}

// DHCPEnabled reports whether the adapter at ifIndex is in DHCP mode.
func (Probe) DHCPEnabled(ifIndex uint32) (bool, error) {
	var enabled, found bool
	err := adapterInfo(func(ai *windows.IpAdapterInfo) bool {
		if ai.Index != ifIndex {
			return false
		}
		found = true
		enabled = ai.DhcpEnabled != 0
		return true
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("adapter %d not found", ifIndex)
	}
	return enabled, nil
}

// AdapterUpWithAddr reports whether the adapter at ifIndex currently
// owns addr, i.e. the masqueraded DHCP handshake has completed.
func (Probe) AdapterUpWithAddr(ifIndex uint32, addr netip.Addr) (bool, error) {
	want := addr.String()
	var up bool
	err := adapterInfo(func(ai *windows.IpAdapterInfo) bool {
		if ai.Index != ifIndex {
			return false
		}
		for ip := &ai.IpAddressList; ip != nil; ip = ip.Next {
			if ipAddrString(&ip.IpAddress) == want {
				up = true
				break
			}
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return up, nil
}

func ipAddrString(s *windows.IpAddressString) string {
	b := s.String[:]
	if i := strings.IndexByte(string(b[:]), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b[:])
}

// IP_ADAPTER_INDEX_MAP: ULONG Index followed by WCHAR Name[128].
const adapterIndexMapSize = 4 + 128*2

// interfaceMap finds the IP_ADAPTER_INDEX_MAP for ifIndex via
// GetInterfaceInfo, as DHCP release/renew requires the map form.
func interfaceMap(ifIndex uint32) ([]byte, error) {
	size := uint32(4)
	var buf []byte
	for {
		buf = make([]byte, size)
		r, _, _ := procGetInterfaceInfo.Call(
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&size)),
		)
		if r == uintptr(windows.ERROR_INSUFFICIENT_BUFFER) {
			continue
		}
		if r != 0 {
			return nil, fmt.Errorf("GetInterfaceInfo failed: 0x%x", r)
		}
		break
	}

	numAdapters := *(*int32)(unsafe.Pointer(&buf[0]))
	const header = 4 // LONG NumAdapters, maps follow 4-byte aligned
	for i := int32(0); i < numAdapters; i++ {
		off := header + int(i)*adapterIndexMapSize
		if off+adapterIndexMapSize > len(buf) {
			break
		}
		if *(*uint32)(unsafe.Pointer(&buf[off])) == ifIndex {
			out := make([]byte, adapterIndexMapSize)
			copy(out, buf[off:off+adapterIndexMapSize])
			return out, nil
		}
	}
	return nil, fmt.Errorf("interface %d has no DHCP-capable mapping", ifIndex)
}

// ReleaseDHCP releases the adapter's DHCP lease.
func (Probe) ReleaseDHCP(ifIndex uint32) error {
	m, err := interfaceMap(ifIndex)
	if err != nil {
		return err
	}
	r, _, _ := procIpReleaseAddress.Call(uintptr(unsafe.Pointer(&m[0])))
	if r != 0 {
		return fmt.Errorf("IpReleaseAddress failed: 0x%x", r)
	}
	return nil
}

// RenewDHCP renews the adapter's DHCP lease, triggering the masqueraded
// handshake.
func (Probe) RenewDHCP(ifIndex uint32) error {
	m, err := interfaceMap(ifIndex)
	if err != nil {
		return err
	}
	r, _, _ := procIpRenewAddress.Call(uintptr(unsafe.Pointer(&m[0])))
	if r != 0 {
		return fmt.Errorf("IpRenewAddress failed: 0x%x", r)
	}
	return nil
}
