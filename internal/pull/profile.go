package pull

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"win-tunsetup/internal/core"
)

// Profile is the YAML form of a pulled configuration, used by the CLI to
// replay a captured server push. Addresses are strings in the file and are
// parsed into a Config on load.
type Profile struct {
	VPNIPv4       *ProfileAddr  `yaml:"vpn_ipv4,omitempty"`
	VPNIPv6       *ProfileAddr  `yaml:"vpn_ipv6,omitempty"`
	AddRoutes     []string      `yaml:"routes,omitempty"`         // "addr/len"
	ExcludeRoutes []string      `yaml:"exclude_routes,omitempty"` // "addr/len"
	RedirectGW    RedirectFlags `yaml:"redirect_gateway,omitempty"`
	BlockIPv6     bool          `yaml:"block_ipv6,omitempty"`
	DNSServers    []string      `yaml:"dns_servers,omitempty"`
	WINSServers   []string      `yaml:"wins_servers,omitempty"`
	SearchDomains []string      `yaml:"search_domains,omitempty"`
	Remote        string        `yaml:"remote"`

	Logging core.LogConfig `yaml:"logging,omitempty"`
}

// ProfileAddr is an interface address entry in the profile.
type ProfileAddr struct {
	Address   string `yaml:"address"` // "addr/len"
	Gateway   string `yaml:"gateway"`
	Topology  string `yaml:"topology,omitempty"` // "net30" or "subnet" (default)
}

// RedirectFlags mirrors RerouteGW in the profile.
type RedirectFlags struct {
	IPv4 bool `yaml:"ipv4,omitempty"`
	IPv6 bool `yaml:"ipv6,omitempty"`
}

// LoadProfile reads and parses a YAML profile from disk.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// Config converts the profile into a validated pulled-configuration
// snapshot.
func (p *Profile) Config() (*Config, error) {
	cfg := &Config{
		BlockIPv6: p.BlockIPv6,
		RerouteGW: RerouteGW{IPv4: p.RedirectGW.IPv4, IPv6: p.RedirectGW.IPv6},
	}

	var err error
	if p.VPNIPv4 != nil {
		if cfg.VPNIPv4, err = p.VPNIPv4.routeAddress(); err != nil {
			return nil, fmt.Errorf("vpn_ipv4: %w", err)
		}
	}
	if p.VPNIPv6 != nil {
		if cfg.VPNIPv6, err = p.VPNIPv6.routeAddress(); err != nil {
			return nil, fmt.Errorf("vpn_ipv6: %w", err)
		}
	}

	for _, s := range p.AddRoutes {
		r, err := parseRoute(s)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", s, err)
		}
		cfg.AddRoutes = append(cfg.AddRoutes, r)
	}
	for _, s := range p.ExcludeRoutes {
		r, err := parseRoute(s)
		if err != nil {
			return nil, fmt.Errorf("exclude_route %q: %w", s, err)
		}
		cfg.ExcludeRoutes = append(cfg.ExcludeRoutes, r)
	}

	for _, s := range p.DNSServers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dns_server %q: %w", s, err)
		}
		cfg.DNSServers = append(cfg.DNSServers, DNSServer{Address: addr, IPv6: addr.Is6()})
	}
	for _, s := range p.WINSServers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("wins_server %q: %w", s, err)
		}
		cfg.WINSServers = append(cfg.WINSServers, addr)
	}
	cfg.SearchDomains = append(cfg.SearchDomains, p.SearchDomains...)

	if p.Remote != "" {
		addr, err := netip.ParseAddr(p.Remote)
		if err != nil {
			return nil, fmt.Errorf("remote %q: %w", p.Remote, err)
		}
		cfg.RemoteAddress = RemoteAddress{Address: addr, IPv6: addr.Is6()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (pa *ProfileAddr) routeAddress() (*RouteAddress, error) {
	prefix, err := netip.ParsePrefix(pa.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	gw, err := netip.ParseAddr(pa.Gateway)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	var net30 bool
	switch strings.ToLower(pa.Topology) {
	case "", "subnet":
	case "net30":
		net30 = true
	default:
		return nil, fmt.Errorf("topology %q: must be net30 or subnet", pa.Topology)
	}
	return &RouteAddress{
		Address:   prefix.Addr(),
		PrefixLen: prefix.Bits(),
		Gateway:   gw,
		Net30:     net30,
	}, nil
}

func parseRoute(s string) (Route, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return Route{}, err
	}
	return Route{
		Address:   prefix.Addr(),
		PrefixLen: prefix.Bits(),
		IPv6:      prefix.Addr().Is6(),
	}, nil
}
