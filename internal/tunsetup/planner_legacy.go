package tunsetup

import (
	"context"
	"fmt"
	"time"

	"win-tunsetup/internal/actions"
	"win-tunsetup/internal/adapter"
	"win-tunsetup/internal/core"
	"win-tunsetup/internal/pull"
)

const (
	// dhcpPollLimit bounds the adapter readiness wait: one probe per
	// second, then the handshake is declared failed.
	dhcpPollLimit    = 30
	dhcpPollInterval = time.Second
	// routeSettleDelay absorbs OS propagation latency between the DHCP
	// handshake completing and route changes being accepted.
	routeSettleDelay = 5 * time.Second
)

// buildLegacy plans the pre-Vista path. Addressing goes through the
// driver's DHCP masquerade rather than static interface commands, routes
// through route.exe, and IPv6 is unsupported. DNS and WINS reach the
// adapter inside the masqueraded DHCP reply, so no resolver commands are
// planned here.
func buildLegacy(ctx context.Context, env *Env, dev Device, ident adapter.Identity, cfg *pull.Config, log core.TextLog) (*Plan, error) {
	p := &Plan{}
	run := env.Runner
	gw := env.gateway()
	local4 := cfg.VPNIPv4

	// The masquerade only answers if the adapter is in DHCP mode.
	p.pair(&actions.Func{
		Name: "ensure adapter is set for DHCP",
		Do: func(l core.TextLog) error {
			enabled, err := env.Net.DHCPEnabled(ident.Index)
			if err != nil {
				return err
			}
			if enabled {
				return nil
			}
			l.Printf("adapter DHCP is disabled, attempting to enable")
			out, err := run.Run([]string{"netsh", "interface", "ip", "set", "address", ident.Name, "dhcp"})
			if out != "" {
				l.Printf("%s", out)
			}
			return err
		},
	}, nil)

	if local4 != nil {
		p.pair(&actions.Func{
			Name: "configure adapter topology",
			Do:   func(core.TextLog) error { return dev.ConfigureTopology(local4) },
		}, nil)
	}

	p.pair(&actions.Func{
		Name: "configure DHCP masquerade",
		Do:   func(core.TextLog) error { return dev.DHCPMasquerade(cfg) },
	}, nil)

	p.pair(&actions.Func{
		Name: "set adapter media status connected",
		Do:   func(core.TextLog) error { return dev.SetMediaStatus(true) },
	}, nil)

	p.pair(&actions.Func{
		Name: fmt.Sprintf("flush ARP on interface %d", ident.Index),
		Do: func(l core.TextLog) error {
			return env.Net.FlushARP(ident.Index, l)
		},
	}, nil)

	p.pair(&actions.Func{
		Name: "DHCP release/renew",
		Do: func(l core.TextLog) error {
			if err := env.Net.ReleaseDHCP(ident.Index); err != nil {
				l.Printf("DHCP release: %v", err)
			}
			if err := env.Net.RenewDHCP(ident.Index); err != nil {
				l.Printf("DHCP renew: %v", err)
			}
			return nil
		},
	}, nil)

	if local4 != nil {
		vpnAddr := local4.Address
		p.pair(&actions.Func{
			Name: "wait for adapter DHCP settings",
			Do: func(l core.TextLog) error {
				for i := 1; i <= dhcpPollLimit; i++ {
					if err := ctx.Err(); err != nil {
						return err
					}
					l.Printf("[%d] waiting for adapter to receive DHCP settings...", i)
					up, err := env.Net.AdapterUpWithAddr(ident.Index, vpnAddr)
					if err == nil && up {
						return nil
					}
					env.sleep(dhcpPollInterval)
				}
				return core.Errf(core.KindDHCPTimeout, "adapter DHCP handshake failed")
			},
		}, nil)

		p.pair(&actions.Func{
			Name: "settle before route changes",
			Do: func(l core.TextLog) error {
				l.Printf("Sleeping %v prior to adding routes...", routeSettleDelay)
				env.sleep(routeSettleDelay)
				return nil
			},
		}, nil)
	}

	// Pushed routes through route.exe. IPv6 routes are dropped silently;
	// the whole path predates IPv6 support.
	for _, r := range cfg.AddRoutes {
		if r.IPv6 {
			continue
		}
		if local4 == nil {
			return nil, core.Errf(core.KindRouteNoVPNAddr, "IPv4 routes pushed without IPv4 ifconfig")
		}
		mask := core.Netmask4(r.PrefixLen)
		p.pair(
			actions.NewCmd(run, "route", "ADD", r.Address.String(), "MASK", mask, local4.Gateway.String()),
			actions.NewUndoCmd(run, "route", "DELETE", r.Address.String(), "MASK", mask, local4.Gateway.String()),
		)
	}

	if len(cfg.ExcludeRoutes) > 0 {
		if gw.Defined() {
			for _, r := range cfg.ExcludeRoutes {
				if r.IPv6 {
					continue
				}
				mask := core.Netmask4(r.PrefixLen)
				p.pair(
					actions.NewCmd(run, "route", "ADD", r.Address.String(), "MASK", mask, gw.Addr.String()),
					actions.NewUndoCmd(run, "route", "DELETE", r.Address.String(), "MASK", mask, gw.Addr.String()),
				)
			}
		} else {
			log.Printf("NOTE: exclude routes error: cannot detect default gateway")
		}
	}

	if cfg.RerouteGW.IPv4 {
		if !gw.Defined() {
			return nil, core.Errf(core.KindNoGateway, "redirect-gateway: cannot detect default gateway")
		}
		if local4 == nil {
			return nil, core.Errf(core.KindRouteNoVPNAddr, "redirect-gateway ipv4 without IPv4 ifconfig")
		}
		if !cfg.RemoteAddress.IPv6 {
			remote := cfg.RemoteAddress.Address.String()
			p.pair(
				actions.NewCmd(run, "route", "ADD", remote, "MASK", "255.255.255.255", gw.Addr.String()),
				actions.NewUndoCmd(run, "route", "DELETE", remote, "MASK", "255.255.255.255", gw.Addr.String()),
			)
		}
		for _, half := range []string{"0.0.0.0", "128.0.0.0"} {
			p.pair(
				actions.NewCmd(run, "route", "ADD", half, "MASK", "128.0.0.0", local4.Gateway.String()),
				actions.NewUndoCmd(run, "route", "DELETE", half, "MASK", "128.0.0.0", local4.Gateway.String()),
			)
		}
	}

	p.pair(
		actions.NewCmd(run, "ipconfig", "/flushdns"),
		actions.NewUndoCmd(run, "ipconfig", "/flushdns"),
	)

	return p, nil
}
