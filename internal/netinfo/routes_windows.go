//go:build windows

// Package netinfo reads and mutates host networking state: default
// gateway discovery, route-table cleanup, and the adapter probes the
// legacy setup path polls.
package netinfo

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/windows"

	"win-tunsetup/internal/core"
	"win-tunsetup/internal/tunsetup"
)

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetIpForwardTable2    = modIPHlpAPI.NewProc("GetIpForwardTable2")
	procDeleteIpForwardEntry2 = modIPHlpAPI.NewProc("DeleteIpForwardEntry2")
	procFreeMibTable          = modIPHlpAPI.NewProc("FreeMibTable")
	procFlushIpNetTable       = modIPHlpAPI.NewProc("FlushIpNetTable")
	procGetInterfaceInfo      = modIPHlpAPI.NewProc("GetInterfaceInfo")
	procIpReleaseAddress      = modIPHlpAPI.NewProc("IpReleaseAddress")
	procIpRenewAddress        = modIPHlpAPI.NewProc("IpRenewAddress")
)

// MIB_IPFORWARD_ROW2 layout (104 bytes on x64). Field offsets of the
// pieces we read:
//
//	 0:  NET_LUID          InterfaceLuid
//	 8:  NET_IFINDEX       InterfaceIndex
//	12:  IP_ADDRESS_PREFIX DestinationPrefix (si_family at 12, sin_addr
//	     at 16, PrefixLength at 40)
//	44:  SOCKADDR_INET     NextHop (si_family at 44, sin_addr at 48)
//	84:  ULONG             Metric
type mibIPForwardRow2 struct {
	data [104]byte
}

const (
	fwdRowSize        = 104
	fwdInterfaceLUID  = 0
	fwdInterfaceIndex = 8
	fwdDestFamily     = 12
	fwdDestAddr       = 16
	fwdDestPrefixLen  = 40
	fwdNextHopFamily  = 44
	fwdNextHopAddr    = 48
	fwdMetric         = 84
)

func fwdRowUint16(table unsafe.Pointer, idx uint32, off int) uint16 {
	return *(*uint16)(unsafe.Pointer(uintptr(table) + fwdTableHeader + uintptr(idx)*fwdRowSize + uintptr(off)))
}

func fwdRowUint32(table unsafe.Pointer, idx uint32, off int) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(table) + fwdTableHeader + uintptr(idx)*fwdRowSize + uintptr(off)))
}

func fwdRowUint64(table unsafe.Pointer, idx uint32, off int) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(table) + fwdTableHeader + uintptr(idx)*fwdRowSize + uintptr(off)))
}

func fwdRowBytes4(table unsafe.Pointer, idx uint32, off int) [4]byte {
	return *(*[4]byte)(unsafe.Pointer(uintptr(table) + fwdTableHeader + uintptr(idx)*fwdRowSize + uintptr(off)))
}

func fwdRowByte(table unsafe.Pointer, idx uint32, off int) byte {
	return *(*byte)(unsafe.Pointer(uintptr(table) + fwdTableHeader + uintptr(idx)*fwdRowSize + uintptr(off)))
}

func fwdRowCopy(table unsafe.Pointer, idx uint32) mibIPForwardRow2 {
	return *(*mibIPForwardRow2)(unsafe.Pointer(uintptr(table) + fwdTableHeader + uintptr(idx)*fwdRowSize))
}

// Alignment padding after the table's NumEntries ULONG.
const fwdTableHeader = unsafe.Sizeof(uint64(0))

// forEachForwardRow walks the IPv4 forwarding table, calling fn with the
// table base and each row index.
func forEachForwardRow(fn func(table unsafe.Pointer, idx uint32)) error {
	var table unsafe.Pointer
	r, _, _ := procGetIpForwardTable2.Call(
		uintptr(windows.AF_INET),
		uintptr(unsafe.Pointer(&table)),
	)
	if r != 0 {
		return fmt.Errorf("GetIpForwardTable2 failed: 0x%x", r)
	}
	defer procFreeMibTable.Call(uintptr(table))

	numEntries := *(*uint32)(table)
	for i := uint32(0); i < numEntries; i++ {
		fn(table, i)
	}
	return nil
}

// DiscoverGateway finds the host's current default route, preferring the
// lowest-metric 0.0.0.0/0 entry that is not on excludeLUID (the tunnel
// adapter itself, so a half-torn-down session is never picked up as the
// "real" gateway).
func DiscoverGateway(excludeLUID uint64) (tunsetup.DefaultGateway, error) {
	var (
		best       tunsetup.DefaultGateway
		bestMetric = ^uint32(0)
		found      bool
	)
	err := forEachForwardRow(func(table unsafe.Pointer, i uint32) {
		if fwdRowUint16(table, i, fwdDestFamily) != windows.AF_INET {
			return
		}
		if fwdRowBytes4(table, i, fwdDestAddr) != ([4]byte{}) || fwdRowByte(table, i, fwdDestPrefixLen) != 0 {
			return
		}
		if fwdRowUint64(table, i, fwdInterfaceLUID) == excludeLUID && excludeLUID != 0 {
			return
		}
		metric := fwdRowUint32(table, i, fwdMetric)
		if !found || metric < bestMetric {
			best = tunsetup.DefaultGateway{
				IfIndex: fwdRowUint32(table, i, fwdInterfaceIndex),
				Addr:    netip.AddrFrom4(fwdRowBytes4(table, i, fwdNextHopAddr)),
			}
			bestMetric = metric
			found = true
		}
	})
	if err != nil {
		return tunsetup.DefaultGateway{}, err
	}
	if !found {
		return tunsetup.DefaultGateway{}, fmt.Errorf("no default gateway found")
	}
	return best, nil
}

// Probe implements the planner's NetProbe contract.
type Probe struct{}

// DeleteRoutesOnInterface removes every IPv4 route bound to ifIndex,
// clearing leftovers from a crashed prior session.
func (Probe) DeleteRoutesOnInterface(ifIndex uint32, log core.TextLog) error {
	var stale []mibIPForwardRow2
	err := forEachForwardRow(func(table unsafe.Pointer, i uint32) {
		if fwdRowUint16(table, i, fwdDestFamily) != windows.AF_INET {
			return
		}
		if fwdRowUint32(table, i, fwdInterfaceIndex) != ifIndex {
			return
		}
		stale = append(stale, fwdRowCopy(table, i))
	})
	if err != nil {
		return err
	}

	deleted := 0
	for i := range stale {
		r, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&stale[i])))
		if r != 0 {
			log.Printf("delete stale route on interface %d: 0x%x", ifIndex, r)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.Printf("deleted %d stale route(s) on interface %d", deleted, ifIndex)
	}
	return nil
}

// FlushARP clears the ARP cache for the interface.
func (Probe) FlushARP(ifIndex uint32, log core.TextLog) error {
	r, _, _ := procFlushIpNetTable.Call(uintptr(ifIndex))
	if r != 0 {
		return fmt.Errorf("FlushIpNetTable failed: 0x%x", r)
	}
	log.Printf("ARP flush on interface %d", ifIndex)
	return nil
}
