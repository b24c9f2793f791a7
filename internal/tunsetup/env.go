// Package tunsetup turns a pulled tunnel configuration into an ordered,
// reversible sequence of host configuration actions and executes it: the
// configuration planner and the setup orchestrator. All OS access goes
// through the collaborator contracts in Env, so the planner itself is
// plain Go.
package tunsetup

import (
	"net/netip"
	"time"

	"win-tunsetup/internal/actions"
	"win-tunsetup/internal/adapter"
	"win-tunsetup/internal/core"
	"win-tunsetup/internal/pull"
)

// Device is the driver control surface of an opened virtual adapter.
type Device interface {
	// SetMediaStatus reports the link as connected or disconnected.
	SetMediaStatus(connected bool) error
	// ConfigureTopology programs point-to-point or subnet addressing
	// mode, chosen by ra.Net30.
	ConfigureTopology(ra *pull.RouteAddress) error
	// DHCPMasquerade configures the legacy driver to answer DHCP for the
	// pulled addresses and options. Modern drivers reject it.
	DHCPMasquerade(cfg *pull.Config) error
}

// TunDevice is an exclusively-owned open adapter. The orchestrator holds
// it during establishment and hands it to the caller on success.
type TunDevice interface {
	Device
	Identity() adapter.Identity
	Close() error
}

// Opener enumerates available virtual adapters and opens one.
type Opener interface {
	Open(log core.TextLog) (TunDevice, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(log core.TextLog) (TunDevice, error)

func (f OpenerFunc) Open(log core.TextLog) (TunDevice, error) { return f(log) }

// DefaultGateway describes the host's current default route, if any.
type DefaultGateway struct {
	IfIndex uint32
	Addr    netip.Addr
}

// Defined reports whether a default gateway was discovered.
func (g DefaultGateway) Defined() bool { return g.Addr.IsValid() }

// NetProbe exposes the host networking state the planner's actions need:
// route-table cleanup and the legacy path's adapter probes.
type NetProbe interface {
	// DeleteRoutesOnInterface removes all routes bound to the given
	// interface index (stale leftovers from a crashed session).
	DeleteRoutesOnInterface(ifIndex uint32, log core.TextLog) error
	// DHCPEnabled reports whether the adapter is configured for DHCP.
	DHCPEnabled(ifIndex uint32) (bool, error)
	// AdapterUpWithAddr reports whether the adapter is up and owns addr.
	AdapterUpWithAddr(ifIndex uint32, addr netip.Addr) (bool, error)
	// FlushARP clears the ARP cache for the interface.
	FlushARP(ifIndex uint32, log core.TextLog) error
	ReleaseDHCP(ifIndex uint32) error
	RenewDHCP(ifIndex uint32) error
}

// PolicyTable installs and removes one policy-table DNS routing entry
// (domain suffixes mapped to a fixed server list).
type PolicyTable interface {
	Install(suffixes, servers []string, log core.TextLog) error
	Remove(log core.TextLog) error
}

// Firewall installs and removes the DNS leak-protection rule: DNS
// permitted only from one application and one adapter.
type Firewall interface {
	AllowDNSOnly(appPath string, adapterLUID uint64, log core.TextLog) error
	Remove(log core.TextLog) error
}

// Env bundles the capability flags and external collaborators one
// orchestrator instance works with.
type Env struct {
	Caps   Caps
	Runner actions.Runner
	// Gateway discovers the current default route. Called once per plan.
	Gateway func() DefaultGateway
	Net     NetProbe
	// Policy may be nil, which disables policy-table DNS routing
	// regardless of capability tier. Same for Firewall.
	Policy   PolicyTable
	Firewall Firewall
	// Sleep defaults to time.Sleep; tests substitute a recorder.
	Sleep func(time.Duration)
}

func (e *Env) sleep(d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (e *Env) gateway() DefaultGateway {
	if e.Gateway == nil {
		return DefaultGateway{}
	}
	return e.Gateway()
}
