//go:build windows

package adapter

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"win-tunsetup/internal/pull"
)

const (
	// Network adapter class key and per-adapter connection key.
	netClassKey      = `SYSTEM\CurrentControlSet\Control\Class\{4D36E972-E325-11CE-BFC1-08002BE10318}`
	netConnectionFmt = `SYSTEM\CurrentControlSet\Control\Network\{4D36E972-E325-11CE-BFC1-08002BE10318}\%s\Connection`
)

// Component IDs the TAP driver registers under.
var tapComponentIDs = []string{"tap0901", "root\\tap0901"}

// TAP driver ioctl codes: CTL_CODE(FILE_DEVICE_UNKNOWN, fn, METHOD_BUFFERED, FILE_ANY_ACCESS).
const (
	tapIoctlGetVersion         = (0x22 << 16) | (2 << 2)
	tapIoctlConfigPointToPoint = (0x22 << 16) | (5 << 2)
	tapIoctlSetMediaStatus     = (0x22 << 16) | (6 << 2)
	tapIoctlConfigDHCPMasq     = (0x22 << 16) | (7 << 2)
	tapIoctlConfigDHCPSetOpt   = (0x22 << 16) | (9 << 2)
	tapIoctlConfigTun          = (0x22 << 16) | (10 << 2)
)

// dhcpLeaseSeconds is the lease time the masquerade hands out.
const dhcpLeaseSeconds = 31536000

// tapInstance is one enumerated TAP adapter before opening.
type tapInstance struct {
	name string
	guid string
}

// TAPDevice is an open handle to a TAP-Windows adapter.
type TAPDevice struct {
	handle windows.Handle
	ident  Identity
}

// enumerateTAP scans the network adapter class key for TAP instances and
// resolves their connection display names.
func enumerateTAP() ([]tapInstance, error) {
	classKey, err := registry.OpenKey(registry.LOCAL_MACHINE, netClassKey, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return nil, fmt.Errorf("open adapter class key: %w", err)
	}
	defer classKey.Close()

	subkeys, err := classKey.ReadSubKeyNames(-1)
	if err != nil {
		return nil, fmt.Errorf("enumerate adapter class key: %w", err)
	}

	var out []tapInstance
	for _, sub := range subkeys {
		k, err := registry.OpenKey(registry.LOCAL_MACHINE, netClassKey+`\`+sub, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		componentID, _, err1 := k.GetStringValue("ComponentId")
		guid, _, err2 := k.GetStringValue("NetCfgInstanceId")
		k.Close()
		if err1 != nil || err2 != nil || !isTAPComponent(componentID) {
			continue
		}

		name := guid
		if ck, err := registry.OpenKey(registry.LOCAL_MACHINE, fmt.Sprintf(netConnectionFmt, guid), registry.QUERY_VALUE); err == nil {
			if n, _, err := ck.GetStringValue("Name"); err == nil {
				name = n
			}
			ck.Close()
		}
		out = append(out, tapInstance{name: name, guid: guid})
	}
	return out, nil
}

func isTAPComponent(id string) bool {
	for _, want := range tapComponentIDs {
		if id == want {
			return true
		}
	}
	return false
}

// openTAP opens the device node for one enumerated instance and resolves
// its interface index and LUID.
func openTAP(inst tapInstance) (*TAPDevice, error) {
	path := `\\.\Global\` + inst.guid + `.tap`
	pathW, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(pathW,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_SYSTEM, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	luid, index, err := interfaceIdentity(inst.guid)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}

	return &TAPDevice{
		handle: h,
		ident: Identity{
			Name:       inst.name,
			Index:      index,
			LUID:       luid,
			DevicePath: path,
		},
	}, nil
}

// Identity returns the adapter's identity.
func (d *TAPDevice) Identity() Identity { return d.ident }

// DriverVersion queries the driver's version triple for diagnostics.
func (d *TAPDevice) DriverVersion() string {
	var out [12]byte
	var n uint32
	err := windows.DeviceIoControl(d.handle, tapIoctlGetVersion, nil, 0, &out[0], uint32(len(out)), &n, nil)
	if err != nil {
		return "unknown"
	}
	major := binary.LittleEndian.Uint32(out[0:4])
	minor := binary.LittleEndian.Uint32(out[4:8])
	debug := binary.LittleEndian.Uint32(out[8:12])
	return fmt.Sprintf("%d.%d (debug=%d)", major, minor, debug)
}

// SetMediaStatus flips the driver's reported link state.
func (d *TAPDevice) SetMediaStatus(connected bool) error {
	var in [4]byte
	if connected {
		binary.LittleEndian.PutUint32(in[:], 1)
	}
	var n uint32
	if err := windows.DeviceIoControl(d.handle, tapIoctlSetMediaStatus, &in[0], 4, &in[0], 4, &n, nil); err != nil {
		return fmt.Errorf("set media status: %w", err)
	}
	return nil
}

// ConfigureTopology programs net30 point-to-point or subnet addressing
// mode on the driver.
func (d *TAPDevice) ConfigureTopology(ra *pull.RouteAddress) error {
	local := ra.Address.As4()
	if ra.Net30 {
		var in [8]byte
		copy(in[0:4], local[:])
		remote := ra.Gateway.As4()
		copy(in[4:8], remote[:])
		var n uint32
		if err := windows.DeviceIoControl(d.handle, tapIoctlConfigPointToPoint, &in[0], 8, &in[0], 8, &n, nil); err != nil {
			return fmt.Errorf("configure net30 topology: %w", err)
		}
		return nil
	}

	mask := netmask4Bytes(ra.PrefixLen)
	var in [12]byte
	copy(in[0:4], local[:])
	for i := 0; i < 4; i++ {
		in[4+i] = local[i] & mask[i] // network address
	}
	copy(in[8:12], mask[:])
	var n uint32
	if err := windows.DeviceIoControl(d.handle, tapIoctlConfigTun, &in[0], 12, &in[0], 12, &n, nil); err != nil {
		return fmt.Errorf("configure subnet topology: %w", err)
	}
	return nil
}

// DHCPMasquerade makes the driver answer DHCP on the adapter with the
// pulled address, netmask, DNS, WINS, and domain, so the legacy path can
// configure the interface without static commands. The pulled gateway
// doubles as the masqueraded server address; it is in-subnet and never
// equals the local address.
func (d *TAPDevice) DHCPMasquerade(cfg *pull.Config) error {
	ra := cfg.VPNIPv4
	if ra == nil {
		return fmt.Errorf("DHCP masquerade requires an IPv4 ifconfig")
	}

	local := ra.Address.As4()
	mask := netmask4Bytes(ra.PrefixLen)
	server := ra.Gateway.As4()

	var in [16]byte
	copy(in[0:4], local[:])
	copy(in[4:8], mask[:])
	copy(in[8:12], server[:])
	binary.LittleEndian.PutUint32(in[12:16], dhcpLeaseSeconds)
	var n uint32
	if err := windows.DeviceIoControl(d.handle, tapIoctlConfigDHCPMasq, &in[0], 16, &in[0], 16, &n, nil); err != nil {
		return fmt.Errorf("configure DHCP masquerade: %w", err)
	}

	opts := dhcpOptions(cfg)
	if len(opts) == 0 {
		return nil
	}
	if err := windows.DeviceIoControl(d.handle, tapIoctlConfigDHCPSetOpt, &opts[0], uint32(len(opts)), &opts[0], uint32(len(opts)), &n, nil); err != nil {
		return fmt.Errorf("set DHCP options: %w", err)
	}
	return nil
}

// Close releases the device handle.
func (d *TAPDevice) Close() error {
	return windows.CloseHandle(d.handle)
}

// dhcpOptions serializes the pulled DNS (IPv4 only), WINS, and first
// search domain as raw DHCP options for the masquerade reply.
func dhcpOptions(cfg *pull.Config) []byte {
	var buf []byte

	appendAddrs := func(code byte, addrs [][4]byte) {
		if len(addrs) == 0 {
			return
		}
		buf = append(buf, code, byte(4*len(addrs)))
		for _, a := range addrs {
			buf = append(buf, a[:]...)
		}
	}

	var dns [][4]byte
	for _, ds := range cfg.DNSServers {
		if !ds.IPv6 {
			dns = append(dns, ds.Address.As4())
		}
	}
	appendAddrs(6, dns) // domain name servers

	var wins [][4]byte
	for _, ws := range cfg.WINSServers {
		wins = append(wins, ws.As4())
	}
	appendAddrs(44, wins) // NetBIOS name servers

	if len(cfg.SearchDomains) > 0 && cfg.SearchDomains[0] != "" {
		dom := cfg.SearchDomains[0]
		buf = append(buf, 15, byte(len(dom))) // domain name
		buf = append(buf, dom...)
	}
	return buf
}

func netmask4Bytes(prefixLen int) [4]byte {
	var mask uint32
	if prefixLen > 32 {
		prefixLen = 32
	}
	if prefixLen > 0 {
		mask = ^uint32(0) << (32 - prefixLen)
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], mask)
	return out
}
