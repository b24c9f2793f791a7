// Package pull models the tunnel configuration pushed by a VPN server:
// addresses, routes, DNS/WINS servers, and gateway redirection flags. One
// Config is an immutable snapshot consumed exactly once per setup pass.
package pull

import (
	"fmt"
	"net/netip"
)

// RouteAddress is the VPN interface address for one protocol.
type RouteAddress struct {
	Address   netip.Addr
	PrefixLen int
	Gateway   netip.Addr
	// Net30 selects the point-to-point addressing convention instead of
	// a standard subnet.
	Net30 bool
}

// Route is a pushed add-route or exclude-route.
type Route struct {
	Address   netip.Addr
	PrefixLen int
	IPv6      bool
}

// DNSServer is a pushed resolver address.
type DNSServer struct {
	Address netip.Addr
	IPv6    bool
}

// RemoteAddress is the VPN server endpoint the tunnel transport talks to.
type RemoteAddress struct {
	Address netip.Addr
	IPv6    bool
}

// RerouteGW holds per-protocol gateway redirection flags.
type RerouteGW struct {
	IPv4 bool
	IPv6 bool
}

// Config is one pulled tunnel configuration snapshot.
type Config struct {
	VPNIPv4       *RouteAddress
	VPNIPv6       *RouteAddress
	AddRoutes     []Route
	ExcludeRoutes []Route
	RerouteGW     RerouteGW
	BlockIPv6     bool
	DNSServers    []DNSServer
	WINSServers   []netip.Addr // IPv4 only
	SearchDomains []string
	RemoteAddress RemoteAddress
}

// Validate checks the invariants that hold independent of host state.
// Host-dependent requirements (default gateway discoverable) are enforced
// during planning.
func (c *Config) Validate() error {
	if c.VPNIPv4 != nil {
		if err := c.VPNIPv4.check(false); err != nil {
			return fmt.Errorf("vpn ipv4: %w", err)
		}
	}
	if c.VPNIPv6 != nil {
		if err := c.VPNIPv6.check(true); err != nil {
			return fmt.Errorf("vpn ipv6: %w", err)
		}
	}
	for _, r := range c.AddRoutes {
		if !r.IPv6 && c.VPNIPv4 == nil {
			return fmt.Errorf("route %s/%d: IPv4 routes pushed without IPv4 ifconfig", r.Address, r.PrefixLen)
		}
	}
	if c.RerouteGW.IPv4 && c.VPNIPv4 == nil {
		return fmt.Errorf("redirect-gateway ipv4 without IPv4 ifconfig")
	}
	if c.RerouteGW.IPv6 && !c.BlockIPv6 && c.VPNIPv6 == nil {
		return fmt.Errorf("redirect-gateway ipv6 without IPv6 ifconfig")
	}
	for _, w := range c.WINSServers {
		if !w.Is4() {
			return fmt.Errorf("wins server %s: must be IPv4", w)
		}
	}
	return nil
}

func (ra *RouteAddress) check(ipv6 bool) error {
	if !ra.Address.IsValid() {
		return fmt.Errorf("missing address")
	}
	if ra.Address.Is6() != ipv6 {
		return fmt.Errorf("address %s has wrong protocol", ra.Address)
	}
	max := 32
	if ipv6 {
		max = 128
	}
	if ra.PrefixLen < 0 || ra.PrefixLen > max {
		return fmt.Errorf("prefix length %d out of range", ra.PrefixLen)
	}
	return nil
}
