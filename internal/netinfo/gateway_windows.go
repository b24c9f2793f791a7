//go:build windows

package netinfo

import (
	"net"
	"net/netip"

	"github.com/jackpal/gateway"

	"win-tunsetup/internal/core"
	"win-tunsetup/internal/tunsetup"
)

// GatewayFunc returns the default-gateway discovery function the planner
// environment wants, excluding the tunnel adapter's own LUID. When the
// forwarding-table scan fails, the portable resolver is consulted as a
// fallback and the owning interface index derived from the local route.
func GatewayFunc(excludeLUID uint64, log *core.Logger) func() tunsetup.DefaultGateway {
	return func() tunsetup.DefaultGateway {
		gw, err := DiscoverGateway(excludeLUID)
		if err == nil {
			return gw
		}
		log.Warnf("NetInfo", "forwarding table scan: %v, trying fallback", err)

		ip, ferr := gateway.DiscoverGateway()
		if ferr != nil {
			log.Warnf("NetInfo", "gateway discovery fallback: %v", ferr)
			return tunsetup.DefaultGateway{}
		}
		addr, ok := netip.AddrFromSlice(ip.To4())
		if !ok {
			return tunsetup.DefaultGateway{}
		}
		return tunsetup.DefaultGateway{
			IfIndex: indexForAddr(addr),
			Addr:    addr,
		}
	}
}

// indexForAddr finds the interface whose subnet contains addr.
func indexForAddr(addr netip.Addr) uint32 {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipnet.Contains(addr.AsSlice()) {
				return uint32(iface.Index)
			}
		}
	}
	return 0
}
