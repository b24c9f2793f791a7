package tunsetup

import (
	"fmt"
	"strconv"
	"strings"

	"win-tunsetup/internal/actions"
	"win-tunsetup/internal/adapter"
	"win-tunsetup/internal/core"
	"win-tunsetup/internal/pull"
)

// ipv6NextHop is the fixed next-hop address the driver recognizes as a
// synthetic gateway for IPv6 routes over the adapter.
const ipv6NextHop = "fe80::8"

// IPv6 reserved/global blocks routed to the loopback pseudo-interface
// when IPv6 blocking is requested.
var blockIPv6Nets = []string{
	"2000::/4",
	"3000::/4",
	"fc00::/7",
}

// loopbackIfIndex is the Windows loopback pseudo-interface, used as the
// null target for IPv6 block routes. Whether block routes should instead
// target the tunnel adapter is an open question inherited from the
// original design; loopback preserves its behavior.
const loopbackIfIndex = "1"

// buildModern plans the Vista-and-later path: static netsh interface
// configuration, policy-table DNS routing, and firewall leak protection.
func buildModern(env *Env, dev Device, ident adapter.Identity, cfg *pull.Config, appPath string, log core.TextLog) (*Plan, error) {
	p := &Plan{}
	run := env.Runner
	idx := ident.IndexName()
	gw := env.gateway()
	local4 := cfg.VPNIPv4

	// Link up before anything touches the interface.
	p.pair(&actions.Func{
		Name: "set adapter media status connected",
		Do:   func(core.TextLog) error { return dev.SetMediaStatus(true) },
	}, nil)

	// Drop stale routes left on the interface by a crashed session.
	p.pair(&actions.Func{
		Name: fmt.Sprintf("delete stale routes on interface %d", ident.Index),
		Do: func(l core.TextLog) error {
			return env.Net.DeleteRoutesOnInterface(ident.Index, l)
		},
	}, nil)

	// IPv4 interface address.
	if local4 != nil {
		p.pair(&actions.Func{
			Name: "configure adapter topology",
			Do:   func(core.TextLog) error { return dev.ConfigureTopology(local4) },
		}, nil)
		p.pair(
			actions.NewCmd(run, "netsh", "interface", "ip", "set", "address", idx, "static",
				local4.Address.String(), core.Netmask4(local4.PrefixLen),
				"gateway="+local4.Gateway.String(), "store=active"),
			actions.NewUndoCmd(run, "netsh", "interface", "ip", "delete", "address", idx,
				local4.Address.String(), "gateway=all", "store=active"),
		)
	}

	// IPv6: either martian-style block routes or the interface address
	// plus a route through the driver's magic next hop.
	if cfg.BlockIPv6 {
		for _, net := range blockIPv6Nets {
			p.pair(
				actions.NewCmd(run, "netsh", "interface", "ipv6", "add", "route", net,
					"interface="+loopbackIfIndex, "store=active"),
				actions.NewUndoCmd(run, "netsh", "interface", "ipv6", "delete", "route", net,
					"interface="+loopbackIfIndex, "store=active"),
			)
		}
	} else if local6 := cfg.VPNIPv6; local6 != nil {
		p.pair(
			actions.NewCmd(run, "netsh", "interface", "ipv6", "set", "address", idx,
				local6.Address.String(), "store=active"),
			actions.NewUndoCmd(run, "netsh", "interface", "ipv6", "delete", "address", idx,
				local6.Address.String(), "store=active"),
		)
		prefix := core.Prefix(local6.Gateway, local6.PrefixLen)
		p.pair(
			actions.NewCmd(run, "netsh", "interface", "ipv6", "add", "route", prefix, idx,
				ipv6NextHop, "store=active"),
			actions.NewUndoCmd(run, "netsh", "interface", "ipv6", "delete", "route", prefix, idx,
				ipv6NextHop, "store=active"),
		)
	}

	// Pushed routes.
	for _, r := range cfg.AddRoutes {
		prefix := core.Prefix(r.Address, r.PrefixLen)
		if r.IPv6 {
			if cfg.BlockIPv6 {
				continue
			}
			p.pair(
				actions.NewCmd(run, "netsh", "interface", "ipv6", "add", "route", prefix, idx,
					ipv6NextHop, "store=active"),
				actions.NewUndoCmd(run, "netsh", "interface", "ipv6", "delete", "route", prefix, idx,
					ipv6NextHop, "store=active"),
			)
			continue
		}
		if local4 == nil {
			return nil, core.Errf(core.KindRouteNoVPNAddr, "IPv4 routes pushed without IPv4 ifconfig")
		}
		p.pair(
			actions.NewCmd(run, "netsh", "interface", "ip", "add", "route", prefix, idx,
				local4.Gateway.String(), "store=active"),
			actions.NewUndoCmd(run, "netsh", "interface", "ip", "delete", "route", prefix, idx,
				local4.Gateway.String(), "store=active"),
		)
	}

	// Exclude routes bypass the tunnel via the host default gateway.
	if len(cfg.ExcludeRoutes) > 0 {
		if gw.Defined() {
			gwIdx := strconv.FormatUint(uint64(gw.IfIndex), 10)
			ipv6Skipped := false
			for _, r := range cfg.ExcludeRoutes {
				if r.IPv6 {
					ipv6Skipped = true
					continue
				}
				prefix := core.Prefix(r.Address, r.PrefixLen)
				p.pair(
					actions.NewCmd(run, "netsh", "interface", "ip", "add", "route", prefix, gwIdx,
						gw.Addr.String(), "store=active"),
					actions.NewUndoCmd(run, "netsh", "interface", "ip", "delete", "route", prefix, gwIdx,
						gw.Addr.String(), "store=active"),
				)
			}
			if ipv6Skipped {
				log.Printf("NOTE: exclude IPv6 routes not currently supported")
			}
		} else {
			log.Printf("NOTE: exclude routes error: cannot detect default gateway")
		}
	}

	// IPv4 gateway redirection: bypass route for the tunnel endpoint,
	// then the two covering halves so no exact default route conflict
	// arises.
	if cfg.RerouteGW.IPv4 {
		if !gw.Defined() {
			return nil, core.Errf(core.KindNoGateway, "redirect-gateway: cannot detect default gateway")
		}
		if local4 == nil {
			return nil, core.Errf(core.KindRouteNoVPNAddr, "redirect-gateway ipv4 without IPv4 ifconfig")
		}
		gwIdx := strconv.FormatUint(uint64(gw.IfIndex), 10)
		if !cfg.RemoteAddress.IPv6 {
			remote := cfg.RemoteAddress.Address.String() + "/32"
			p.pair(
				actions.NewCmd(run, "netsh", "interface", "ip", "add", "route", remote, gwIdx,
					gw.Addr.String(), "store=active"),
				actions.NewUndoCmd(run, "netsh", "interface", "ip", "delete", "route", remote, gwIdx,
					gw.Addr.String(), "store=active"),
			)
		}
		for _, half := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
			p.pair(
				actions.NewCmd(run, "netsh", "interface", "ip", "add", "route", half, idx,
					local4.Gateway.String(), "store=active"),
				actions.NewUndoCmd(run, "netsh", "interface", "ip", "delete", "route", half, idx,
					local4.Gateway.String(), "store=active"),
			)
		}
	}

	// IPv6 gateway redirection, same split trick.
	if cfg.RerouteGW.IPv6 && !cfg.BlockIPv6 {
		for _, half := range []string{"0::/1", "8000::/1"} {
			p.pair(
				actions.NewCmd(run, "netsh", "interface", "ipv6", "add", "route", half, idx,
					ipv6NextHop, "store=active"),
				actions.NewUndoCmd(run, "netsh", "interface", "ipv6", "delete", "route", half, idx,
					ipv6NextHop, "store=active"),
			)
		}
	}

	// DNS servers. Vista wants the singular "dnsserver" form and has no
	// validate flag; Win7+ uses "dnsservers validate=no".
	dnsCmd := "dnsservers"
	validate := []string{"validate=no"}
	if env.Caps.VistaDNS {
		dnsCmd = "dnsserver"
		validate = nil
	}
	var dnsCount [2]int // per-protocol counters: 0 = IPv4, 1 = IPv6
	for _, ds := range cfg.DNSServers {
		if ds.IPv6 && cfg.BlockIPv6 {
			continue
		}
		proto, pi := "ip", 0
		if ds.IPv6 {
			proto, pi = "ipv6", 1
		}
		i := dnsCount[pi]
		dnsCount[pi]++
		if i == 0 {
			set := append([]string{"netsh", "interface", proto, "set", dnsCmd, idx, "static",
				ds.Address.String(), "register=primary"}, validate...)
			del := append([]string{"netsh", "interface", proto, "delete", dnsCmd, idx, "all"}, validate...)
			p.pair(actions.NewCmd(run, set...), actions.NewUndoCmd(run, del...))
		} else {
			// Secondary entries need no undo: deleting the primary
			// clears the whole server list.
			add := append([]string{"netsh", "interface", proto, "add", dnsCmd, idx,
				ds.Address.String(), strconv.Itoa(i + 1)}, validate...)
			p.pair(actions.NewCmd(run, add...), nil)
		}
	}
	dnsConfigured := dnsCount[0] > 0 || dnsCount[1] > 0

	// Policy-table DNS routing. Additive policy, independent of the
	// netsh entries above.
	if env.Caps.NRPT && env.Policy != nil && dnsConfigured {
		suffixes := dnsRoutingSuffixes(cfg, dnsCount)
		servers := make([]string, 0, len(cfg.DNSServers))
		for _, ds := range cfg.DNSServers {
			servers = append(servers, ds.Address.String())
		}
		policy := env.Policy
		p.pair(
			&actions.Func{
				Name: fmt.Sprintf("install DNS routing policy %v -> %v", suffixes, servers),
				Do: func(l core.TextLog) error {
					return policy.Install(suffixes, servers, l)
				},
			},
			&actions.Func{
				Name: "remove DNS routing policy",
				Undo: func(l core.TextLog) error { return policy.Remove(l) },
			},
		)
	}

	// DNS leak protection: permit DNS only from the embedding app and
	// the tunnel adapter. Needs the app path to scope the rule.
	if env.Caps.WFP && env.Firewall != nil && dnsConfigured && appPath != "" {
		fw := env.Firewall
		luid := ident.LUID
		p.pair(
			&actions.Func{
				Name: "enable DNS leak protection",
				Do: func(l core.TextLog) error {
					return fw.AllowDNSOnly(appPath, luid, l)
				},
			},
			&actions.Func{
				Name: "disable DNS leak protection",
				Undo: func(l core.TextLog) error { return fw.Remove(l) },
			},
		)
	}

	// WINS servers, primary/secondary like DNS, IPv4 only.
	for i, ws := range cfg.WINSServers {
		if i == 0 {
			p.pair(
				actions.NewCmd(run, "netsh", "interface", "ip", "set", "winsservers", idx, "static",
					ws.String()),
				actions.NewUndoCmd(run, "netsh", "interface", "ip", "delete", "winsservers", idx, "all"),
			)
		} else {
			p.pair(actions.NewCmd(run, "netsh", "interface", "ip", "add", "winsservers", idx,
				ws.String(), strconv.Itoa(i+1)), nil)
		}
	}

	// Flush the resolver cache on the way in and on the way out.
	p.pair(
		actions.NewCmd(run, "ipconfig", "/flushdns"),
		actions.NewUndoCmd(run, "ipconfig", "/flushdns"),
	)

	return p, nil
}

// dnsRoutingSuffixes computes the policy-table domain suffix set. With no
// active redirection for a protocol that received DNS servers, the pushed
// search domains apply (normalized to a leading dot, deduplicated). Once
// redirection captures DNS traffic the catch-all suffix takes over so all
// resolution flows through the tunnel servers.
func dnsRoutingSuffixes(cfg *pull.Config, dnsCount [2]int) []string {
	redir4 := cfg.RerouteGW.IPv4 && dnsCount[0] > 0
	redir6 := cfg.RerouteGW.IPv6 && dnsCount[1] > 0
	var out []string
	if !redir4 && !redir6 {
		seen := make(map[string]bool)
		for _, dom := range cfg.SearchDomains {
			if dom == "" {
				continue
			}
			if !strings.HasPrefix(dom, ".") {
				dom = "." + dom
			}
			if !seen[dom] {
				seen[dom] = true
				out = append(out, dom)
			}
		}
	}
	if len(out) == 0 {
		out = []string{"."}
	}
	return out
}
