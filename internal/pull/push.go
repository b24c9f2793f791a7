package pull

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParsePushReply turns a captured OpenVPN-style PUSH_REPLY string into a
// Config. Options are comma-separated, each option a space-separated
// keyword line. Unknown options are ignored; malformed known options are
// errors. The remote endpoint is not part of the push and must be set by
// the caller.
func ParsePushReply(reply string) (*Config, error) {
	reply = strings.TrimPrefix(strings.TrimSpace(reply), "PUSH_REPLY,")

	cfg := &Config{}
	var (
		topologyNet30 bool
		ifconfig4     []string
		routeGateway  netip.Addr
	)

	for _, opt := range strings.Split(reply, ",") {
		fields := strings.Fields(opt)
		if len(fields) == 0 {
			continue
		}
		k, v := fields[0], fields[1:]
		switch k {
		case "topology":
			if len(v) == 1 && v[0] == "net30" {
				topologyNet30 = true
			}
		case "ifconfig":
			if len(v) != 2 {
				return nil, fmt.Errorf("ifconfig: want 2 args, got %d", len(v))
			}
			ifconfig4 = v
		case "ifconfig-ipv6":
			if len(v) != 2 {
				return nil, fmt.Errorf("ifconfig-ipv6: want 2 args, got %d", len(v))
			}
			prefix, err := netip.ParsePrefix(v[0])
			if err != nil {
				return nil, fmt.Errorf("ifconfig-ipv6 %q: %w", v[0], err)
			}
			gw, err := netip.ParseAddr(v[1])
			if err != nil {
				return nil, fmt.Errorf("ifconfig-ipv6 gateway %q: %w", v[1], err)
			}
			cfg.VPNIPv6 = &RouteAddress{
				Address:   prefix.Addr(),
				PrefixLen: prefix.Bits(),
				Gateway:   gw,
			}
		case "route-gateway":
			if len(v) != 1 {
				return nil, fmt.Errorf("route-gateway: want 1 arg, got %d", len(v))
			}
			gw, err := netip.ParseAddr(v[0])
			if err != nil {
				return nil, fmt.Errorf("route-gateway %q: %w", v[0], err)
			}
			routeGateway = gw
		case "route":
			r, err := parsePushedRoute4(v)
			if err != nil {
				return nil, err
			}
			cfg.AddRoutes = append(cfg.AddRoutes, r)
		case "route-ipv6":
			if len(v) < 1 {
				return nil, fmt.Errorf("route-ipv6: missing prefix")
			}
			prefix, err := netip.ParsePrefix(v[0])
			if err != nil {
				return nil, fmt.Errorf("route-ipv6 %q: %w", v[0], err)
			}
			cfg.AddRoutes = append(cfg.AddRoutes, Route{
				Address:   prefix.Addr(),
				PrefixLen: prefix.Bits(),
				IPv6:      true,
			})
		case "redirect-gateway":
			cfg.RerouteGW.IPv4 = true
			for _, flag := range v {
				if flag == "ipv6" {
					cfg.RerouteGW.IPv6 = true
				}
			}
		case "block-ipv6":
			cfg.BlockIPv6 = true
		case "dhcp-option":
			if err := applyDHCPOption(cfg, v); err != nil {
				return nil, err
			}
		}
	}

	if ifconfig4 != nil {
		ra, err := buildIfconfig4(ifconfig4, topologyNet30, routeGateway)
		if err != nil {
			return nil, err
		}
		cfg.VPNIPv4 = ra
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildIfconfig4 resolves the two "ifconfig" arguments. With net30
// topology the second argument is the point-to-point peer, which doubles
// as the local gateway. With subnet topology it is a netmask and the
// gateway comes from route-gateway.
func buildIfconfig4(args []string, net30 bool, routeGateway netip.Addr) (*RouteAddress, error) {
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return nil, fmt.Errorf("ifconfig address %q: %w", args[0], err)
	}
	if net30 {
		peer, err := netip.ParseAddr(args[1])
		if err != nil {
			return nil, fmt.Errorf("ifconfig peer %q: %w", args[1], err)
		}
		return &RouteAddress{Address: addr, PrefixLen: 30, Gateway: peer, Net30: true}, nil
	}
	prefixLen, err := netmaskBits(args[1])
	if err != nil {
		return nil, fmt.Errorf("ifconfig netmask %q: %w", args[1], err)
	}
	if !routeGateway.IsValid() {
		return nil, fmt.Errorf("ifconfig with subnet topology but no route-gateway")
	}
	return &RouteAddress{Address: addr, PrefixLen: prefixLen, Gateway: routeGateway}, nil
}

func parsePushedRoute4(args []string) (Route, error) {
	if len(args) < 1 {
		return Route{}, fmt.Errorf("route: missing address")
	}
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return Route{}, fmt.Errorf("route %q: %w", args[0], err)
	}
	prefixLen := 32
	if len(args) >= 2 {
		if prefixLen, err = netmaskBits(args[1]); err != nil {
			return Route{}, fmt.Errorf("route netmask %q: %w", args[1], err)
		}
	}
	return Route{Address: addr, PrefixLen: prefixLen}, nil
}

func applyDHCPOption(cfg *Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("dhcp-option: want type and value")
	}
	switch strings.ToUpper(args[0]) {
	case "DNS", "DNS6":
		addr, err := netip.ParseAddr(args[1])
		if err != nil {
			return fmt.Errorf("dhcp-option %s %q: %w", args[0], args[1], err)
		}
		cfg.DNSServers = append(cfg.DNSServers, DNSServer{Address: addr, IPv6: addr.Is6()})
	case "DOMAIN", "DOMAIN-SEARCH":
		cfg.SearchDomains = append(cfg.SearchDomains, args[1])
	case "WINS":
		addr, err := netip.ParseAddr(args[1])
		if err != nil {
			return fmt.Errorf("dhcp-option WINS %q: %w", args[1], err)
		}
		cfg.WINSServers = append(cfg.WINSServers, addr)
	}
	return nil
}

// netmaskBits converts a dotted-quad netmask to a prefix length,
// rejecting non-contiguous masks.
func netmaskBits(mask string) (int, error) {
	addr, err := netip.ParseAddr(mask)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("not an IPv4 netmask")
	}
	b := addr.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	bits := 0
	for v != 0 {
		if v&0x80000000 == 0 {
			return 0, fmt.Errorf("non-contiguous netmask")
		}
		v <<= 1
		bits++
	}
	return bits, nil
}
