package tunsetup

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"win-tunsetup/internal/actions"
	"win-tunsetup/internal/adapter"
	"win-tunsetup/internal/core"
	"win-tunsetup/internal/pull"
)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

// fakeRunner records command lines and can fail selected ones.
type fakeRunner struct {
	calls  [][]string
	failOn string
}

func (f *fakeRunner) Run(argv []string) (string, error) {
	f.calls = append(f.calls, argv)
	if f.failOn != "" && strings.Contains(strings.Join(argv, " "), f.failOn) {
		return "", errors.New("exit status 1")
	}
	return "", nil
}

// fakeDevice records driver calls.
type fakeDevice struct {
	ident       adapter.Identity
	media       []bool
	topology    *pull.RouteAddress
	masqueraded bool
	closed      bool
}

func (d *fakeDevice) SetMediaStatus(connected bool) error {
	d.media = append(d.media, connected)
	return nil
}

func (d *fakeDevice) ConfigureTopology(ra *pull.RouteAddress) error {
	d.topology = ra
	return nil
}

func (d *fakeDevice) DHCPMasquerade(cfg *pull.Config) error {
	d.masqueraded = true
	return nil
}

func (d *fakeDevice) Identity() adapter.Identity { return d.ident }
func (d *fakeDevice) Close() error               { d.closed = true; return nil }

// fakeNet is a scriptable NetProbe.
type fakeNet struct {
	staleDeleted []uint32
	dhcpEnabled  bool
	upAfter      int // AdapterUpWithAddr polls before reporting up; <0 means never
	polls        int
	arpFlushed   bool
	released     bool
	renewed      bool
}

func (n *fakeNet) DeleteRoutesOnInterface(ifIndex uint32, log core.TextLog) error {
	n.staleDeleted = append(n.staleDeleted, ifIndex)
	return nil
}

func (n *fakeNet) DHCPEnabled(ifIndex uint32) (bool, error) { return n.dhcpEnabled, nil }

func (n *fakeNet) AdapterUpWithAddr(ifIndex uint32, a netip.Addr) (bool, error) {
	n.polls++
	if n.upAfter < 0 {
		return false, nil
	}
	return n.polls > n.upAfter, nil
}

func (n *fakeNet) FlushARP(ifIndex uint32, log core.TextLog) error {
	n.arpFlushed = true
	return nil
}

func (n *fakeNet) ReleaseDHCP(ifIndex uint32) error { n.released = true; return nil }
func (n *fakeNet) RenewDHCP(ifIndex uint32) error   { n.renewed = true; return nil }

type fakePolicy struct {
	suffixes []string
	servers  []string
	removed  bool
}

func (p *fakePolicy) Install(suffixes, servers []string, log core.TextLog) error {
	p.suffixes = suffixes
	p.servers = servers
	return nil
}

func (p *fakePolicy) Remove(log core.TextLog) error { p.removed = true; return nil }

type fakeFirewall struct {
	appPath string
	luid    uint64
	removed bool
}

func (f *fakeFirewall) AllowDNSOnly(appPath string, adapterLUID uint64, log core.TextLog) error {
	f.appPath = appPath
	f.luid = adapterLUID
	return nil
}

func (f *fakeFirewall) Remove(log core.TextLog) error { f.removed = true; return nil }

func testIdent() adapter.Identity {
	return adapter.Identity{Name: "VPN Tunnel", Index: 7, LUID: 0xbeef, DevicePath: `\\.\Global\{guid}.tap`}
}

func modernEnv(run *fakeRunner, net *fakeNet) *Env {
	return &Env{
		Caps:   Caps{},
		Runner: run,
		Gateway: func() DefaultGateway {
			return DefaultGateway{IfIndex: 5, Addr: addr("192.168.1.1")}
		},
		Net: net,
	}
}

func baseConfig() *pull.Config {
	return &pull.Config{
		VPNIPv4: &pull.RouteAddress{
			Address:   addr("10.8.0.2"),
			PrefixLen: 24,
			Gateway:   addr("10.8.0.1"),
		},
		AddRoutes:     []pull.Route{{Address: addr("192.168.50.0"), PrefixLen: 24}},
		RerouteGW:     pull.RerouteGW{IPv4: true},
		DNSServers:    []pull.DNSServer{{Address: addr("10.8.0.1")}},
		RemoteAddress: pull.RemoteAddress{Address: addr("203.0.113.1")},
	}
}

// planLines renders a list's actions the way diagnostics would print them.
func planLines(l *actions.List) []string {
	out := make([]string, 0, l.Len())
	for _, a := range l.Actions() {
		out = append(out, a.String())
	}
	return out
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

// TestModernPlanFull checks the complete planned sequence for a typical
// redirect-everything configuration on a current Windows.
func TestModernPlanFull(t *testing.T) {
	run := &fakeRunner{}
	net := &fakeNet{}
	env := modernEnv(run, net)
	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog

	plan, err := BuildPlan(context.Background(), env, dev, dev.ident, baseConfig(), "", &log)
	if err != nil {
		t.Fatal(err)
	}

	wantAdd := []string{
		"set adapter media status connected",
		"delete stale routes on interface 7",
		"configure adapter topology",
		"netsh interface ip set address 7 static 10.8.0.2 255.255.255.0 gateway=10.8.0.1 store=active",
		"netsh interface ip add route 192.168.50.0/24 7 10.8.0.1 store=active",
		"netsh interface ip add route 203.0.113.1/32 5 192.168.1.1 store=active",
		"netsh interface ip add route 0.0.0.0/1 7 10.8.0.1 store=active",
		"netsh interface ip add route 128.0.0.0/1 7 10.8.0.1 store=active",
		"netsh interface ip set dnsservers 7 static 10.8.0.1 register=primary validate=no",
		"ipconfig /flushdns",
	}
	if diff := cmp.Diff(wantAdd, planLines(&plan.Add)); diff != "" {
		t.Errorf("add list mismatch (-want +got):\n%s", diff)
	}

	wantRemove := []string{
		"netsh interface ip delete address 7 10.8.0.2 gateway=all store=active",
		"netsh interface ip delete route 192.168.50.0/24 7 10.8.0.1 store=active",
		"netsh interface ip delete route 203.0.113.1/32 5 192.168.1.1 store=active",
		"netsh interface ip delete route 0.0.0.0/1 7 10.8.0.1 store=active",
		"netsh interface ip delete route 128.0.0.0/1 7 10.8.0.1 store=active",
		"netsh interface ip delete dnsservers 7 all validate=no",
		"ipconfig /flushdns",
	}
	if diff := cmp.Diff(wantRemove, planLines(&plan.Remove)); diff != "" {
		t.Errorf("remove list mismatch (-want +got):\n%s", diff)
	}

	// Planning must not touch the host.
	if len(run.calls) != 0 {
		t.Errorf("planning ran %d commands", len(run.calls))
	}
	if len(dev.media) != 0 || dev.topology != nil {
		t.Error("planning touched the device")
	}
}

// TestModernRoutePairing verifies N pushed routes plan exactly N add
// commands and N matching delete commands, in the same relative order.
func TestModernRoutePairing(t *testing.T) {
	cfg := baseConfig()
	cfg.RerouteGW = pull.RerouteGW{}
	cfg.DNSServers = nil
	cfg.AddRoutes = []pull.Route{
		{Address: addr("192.168.50.0"), PrefixLen: 24},
		{Address: addr("192.168.60.0"), PrefixLen: 24},
		{Address: addr("10.20.0.0"), PrefixLen: 16},
	}

	run := &fakeRunner{}
	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	plan, err := BuildPlan(context.Background(), modernEnv(run, &fakeNet{}), dev, dev.ident, cfg, "", &log)
	if err != nil {
		t.Fatal(err)
	}

	var adds, dels []string
	for _, line := range planLines(&plan.Add) {
		if strings.Contains(line, "add route") {
			adds = append(adds, strings.TrimPrefix(line, "netsh interface ip add route "))
		}
	}
	for _, line := range planLines(&plan.Remove) {
		if strings.Contains(line, "delete route") {
			dels = append(dels, strings.TrimPrefix(line, "netsh interface ip delete route "))
		}
	}
	if diff := cmp.Diff(adds, dels); diff != "" {
		t.Errorf("adds and deletes not paired (-adds +deletes):\n%s", diff)
	}
	if len(adds) != len(cfg.AddRoutes) {
		t.Errorf("planned %d route adds for %d routes", len(adds), len(cfg.AddRoutes))
	}
}

// TestModernRouteWithoutVPNAddr verifies pushed IPv4 routes without an
// IPv4 interface address abort planning.
func TestModernRouteWithoutVPNAddr(t *testing.T) {
	cfg := &pull.Config{
		AddRoutes: []pull.Route{{Address: addr("192.168.50.0"), PrefixLen: 24}},
	}
	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	_, err := BuildPlan(context.Background(), modernEnv(&fakeRunner{}, &fakeNet{}), dev, dev.ident, cfg, "", &log)
	if !errors.Is(err, &core.SetupError{Kind: core.KindRouteNoVPNAddr}) {
		t.Fatalf("err = %v, want KindRouteNoVPNAddr", err)
	}
}

// TestModernRedirectWithoutGateway verifies gateway redirection is fatal
// when no host default gateway exists; exclude routes merely degrade.
func TestModernRedirectWithoutGateway(t *testing.T) {
	run := &fakeRunner{}
	env := modernEnv(run, &fakeNet{})
	env.Gateway = func() DefaultGateway { return DefaultGateway{} }
	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog

	_, err := BuildPlan(context.Background(), env, dev, dev.ident, baseConfig(), "", &log)
	if !errors.Is(err, &core.SetupError{Kind: core.KindNoGateway}) {
		t.Fatalf("err = %v, want KindNoGateway", err)
	}

	cfg := baseConfig()
	cfg.RerouteGW = pull.RerouteGW{}
	cfg.ExcludeRoutes = []pull.Route{{Address: addr("172.16.0.0"), PrefixLen: 12}}
	plan, err := BuildPlan(context.Background(), env, dev, dev.ident, cfg, "", &log)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range planLines(&plan.Add) {
		if strings.Contains(line, "172.16.0.0") {
			t.Errorf("exclude route planned without a gateway: %s", line)
		}
	}
	if !strings.Contains(log.String(), "cannot detect default gateway") {
		t.Error("degraded exclude not narrated")
	}
}

// TestModernExcludeRoutes verifies IPv4 excludes bypass the tunnel via
// the host default gateway while IPv6 excludes are skipped with a
// diagnostic.
func TestModernExcludeRoutes(t *testing.T) {
	run := &fakeRunner{}
	env := modernEnv(run, &fakeNet{})
	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog

	cfg := baseConfig()
	cfg.ExcludeRoutes = []pull.Route{
		{Address: addr("172.16.0.0"), PrefixLen: 12},
		{Address: addr("fd00:50::"), PrefixLen: 64, IPv6: true},
	}
	plan, err := BuildPlan(context.Background(), env, dev, dev.ident, cfg, "", &log)
	if err != nil {
		t.Fatal(err)
	}

	adds := planLines(&plan.Add)
	want := "netsh interface ip add route 172.16.0.0/12 5 192.168.1.1 store=active"
	found := false
	for _, line := range adds {
		if line == want {
			found = true
		}
		if strings.Contains(line, "fd00:50::") {
			t.Errorf("IPv6 exclude planned: %s", line)
		}
	}
	if !found {
		t.Errorf("exclude route missing, add lines:\n%s", strings.Join(adds, "\n"))
	}
	wantDel := "netsh interface ip delete route 172.16.0.0/12 5 192.168.1.1 store=active"
	if !contains(planLines(&plan.Remove), wantDel) {
		t.Errorf("exclude route has no undo, want %q", wantDel)
	}
	if !strings.Contains(log.String(), "exclude IPv6 routes not currently supported") {
		t.Error("skipped IPv6 exclude not narrated")
	}
}

// TestModernIPv6Remote verifies no IPv4 bypass route is planned when the
// tunnel endpoint is IPv6.
func TestModernIPv6Remote(t *testing.T) {
	cfg := baseConfig()
	cfg.RemoteAddress = pull.RemoteAddress{Address: addr("2001:db8::1"), IPv6: true}
	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	plan, err := BuildPlan(context.Background(), modernEnv(&fakeRunner{}, &fakeNet{}), dev, dev.ident, cfg, "", &log)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range planLines(&plan.Add) {
		if strings.Contains(line, "/32") {
			t.Errorf("bypass route planned for IPv6 remote: %s", line)
		}
	}
}

// TestModernBlockIPv6 verifies the three reserved blocks are routed to
// the loopback pseudo-interface and pushed IPv6 config is suppressed.
func TestModernBlockIPv6(t *testing.T) {
	cfg := baseConfig()
	cfg.RerouteGW = pull.RerouteGW{}
	cfg.BlockIPv6 = true
	cfg.VPNIPv6 = &pull.RouteAddress{Address: addr("fd00:8::2"), PrefixLen: 64, Gateway: addr("fd00:8::1")}
	cfg.AddRoutes = append(cfg.AddRoutes, pull.Route{Address: addr("fd00:50::"), PrefixLen: 64, IPv6: true})
	cfg.DNSServers = append(cfg.DNSServers, pull.DNSServer{Address: addr("fd00:8::1"), IPv6: true})

	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	plan, err := BuildPlan(context.Background(), modernEnv(&fakeRunner{}, &fakeNet{}), dev, dev.ident, cfg, "", &log)
	if err != nil {
		t.Fatal(err)
	}

	lines := planLines(&plan.Add)
	for _, net := range []string{"2000::/4", "3000::/4", "fc00::/7"} {
		want := "netsh interface ipv6 add route " + net + " interface=1 store=active"
		found := false
		for _, line := range lines {
			if line == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing block route for %s", net)
		}
	}
	for _, line := range lines {
		if strings.Contains(line, "fd00:8::2") || strings.Contains(line, "fd00:50::") {
			t.Errorf("IPv6 config planned despite block-ipv6: %s", line)
		}
		if strings.Contains(line, "ipv6") && strings.Contains(line, "dnsservers") {
			t.Errorf("IPv6 DNS planned despite block-ipv6: %s", line)
		}
	}
}

// TestModernIPv6Address verifies the interface address and the magic
// next-hop route for a pushed IPv6 config.
func TestModernIPv6Address(t *testing.T) {
	cfg := baseConfig()
	cfg.RerouteGW = pull.RerouteGW{IPv6: true}
	cfg.VPNIPv6 = &pull.RouteAddress{Address: addr("fd00:8::2"), PrefixLen: 64, Gateway: addr("fd00:8::1")}

	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	plan, err := BuildPlan(context.Background(), modernEnv(&fakeRunner{}, &fakeNet{}), dev, dev.ident, cfg, "", &log)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Join(planLines(&plan.Add), "\n")
	for _, want := range []string{
		"netsh interface ipv6 set address 7 fd00:8::2 store=active",
		"netsh interface ipv6 add route fd00:8::1/64 7 fe80::8 store=active",
		"netsh interface ipv6 add route 0::/1 7 fe80::8 store=active",
		"netsh interface ipv6 add route 8000::/1 7 fe80::8 store=active",
	} {
		if !strings.Contains(lines, want) {
			t.Errorf("missing %q in:\n%s", want, lines)
		}
	}
}

// TestVistaDNSSyntax verifies the singular no-validate command form and
// the numbered secondary entries.
func TestVistaDNSSyntax(t *testing.T) {
	cfg := baseConfig()
	cfg.RerouteGW = pull.RerouteGW{}
	cfg.DNSServers = []pull.DNSServer{
		{Address: addr("10.8.0.1")},
		{Address: addr("10.8.0.2")},
	}

	for _, c := range []struct {
		vista bool
		set   string
		add   string
		del   string
	}{
		{true,
			"netsh interface ip set dnsserver 7 static 10.8.0.1 register=primary",
			"netsh interface ip add dnsserver 7 10.8.0.2 2",
			"netsh interface ip delete dnsserver 7 all"},
		{false,
			"netsh interface ip set dnsservers 7 static 10.8.0.1 register=primary validate=no",
			"netsh interface ip add dnsservers 7 10.8.0.2 2 validate=no",
			"netsh interface ip delete dnsservers 7 all validate=no"},
	} {
		run := &fakeRunner{}
		env := modernEnv(run, &fakeNet{})
		env.Caps.VistaDNS = c.vista
		dev := &fakeDevice{ident: testIdent()}
		var log core.BufferLog
		plan, err := BuildPlan(context.Background(), env, dev, dev.ident, cfg, "", &log)
		if err != nil {
			t.Fatal(err)
		}
		add := strings.Join(planLines(&plan.Add), "\n")
		rem := strings.Join(planLines(&plan.Remove), "\n")
		for _, want := range []string{c.set, c.add} {
			if !strings.Contains(add, want) {
				t.Errorf("vista=%v: missing %q in add list:\n%s", c.vista, want, add)
			}
		}
		if !strings.Contains(rem, c.del) {
			t.Errorf("vista=%v: missing %q in remove list:\n%s", c.vista, c.del, rem)
		}
		// Only the primary gets an undo; the delete-all covers secondaries.
		if strings.Count(rem, "dnsserver") != 1 {
			t.Errorf("vista=%v: want exactly one DNS undo:\n%s", c.vista, rem)
		}
	}
}

// TestWINSServers verifies primary set plus numbered secondaries with a
// single delete-all undo.
func TestWINSServers(t *testing.T) {
	cfg := baseConfig()
	cfg.RerouteGW = pull.RerouteGW{}
	cfg.WINSServers = []netip.Addr{addr("10.8.0.10"), addr("10.8.0.11")}

	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	plan, err := BuildPlan(context.Background(), modernEnv(&fakeRunner{}, &fakeNet{}), dev, dev.ident, cfg, "", &log)
	if err != nil {
		t.Fatal(err)
	}
	add := strings.Join(planLines(&plan.Add), "\n")
	rem := strings.Join(planLines(&plan.Remove), "\n")
	if !strings.Contains(add, "netsh interface ip set winsservers 7 static 10.8.0.10") {
		t.Errorf("missing WINS primary:\n%s", add)
	}
	if !strings.Contains(add, "netsh interface ip add winsservers 7 10.8.0.11 2") {
		t.Errorf("missing WINS secondary:\n%s", add)
	}
	if strings.Count(rem, "winsservers") != 1 || !strings.Contains(rem, "delete winsservers 7 all") {
		t.Errorf("want single delete-all WINS undo:\n%s", rem)
	}
}

// TestPolicyAndFirewallActions verifies applying the plan installs the
// DNS routing policy and leak protection, and reversing removes them.
func TestPolicyAndFirewallActions(t *testing.T) {
	run := &fakeRunner{}
	policy := &fakePolicy{}
	fw := &fakeFirewall{}
	env := modernEnv(run, &fakeNet{})
	env.Caps.NRPT = true
	env.Caps.WFP = true
	env.Policy = policy
	env.Firewall = fw

	cfg := baseConfig()
	cfg.SearchDomains = []string{"corp.example"}

	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	plan, err := BuildPlan(context.Background(), env, dev, dev.ident, cfg, `C:\Program Files\vpn\vpn.exe`, &log)
	if err != nil {
		t.Fatal(err)
	}
	if err := plan.Add.Apply(&log); err != nil {
		t.Fatal(err)
	}

	// Redirection is active, so the catch-all suffix wins over the
	// pushed search domain.
	if diff := cmp.Diff([]string{"."}, policy.suffixes); diff != "" {
		t.Errorf("policy suffixes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"10.8.0.1"}, policy.servers); diff != "" {
		t.Errorf("policy servers (-want +got):\n%s", diff)
	}
	if fw.appPath != `C:\Program Files\vpn\vpn.exe` || fw.luid != 0xbeef {
		t.Errorf("firewall scoped to %q luid=%#x", fw.appPath, fw.luid)
	}

	plan.Remove.Arm(true)
	plan.Remove.Reverse(&log)
	if !policy.removed || !fw.removed {
		t.Errorf("teardown: policy removed=%v firewall removed=%v", policy.removed, fw.removed)
	}
}

// TestNoPolicyWithoutDNS verifies neither the policy entry nor leak
// protection is planned when the push carried no DNS servers.
func TestNoPolicyWithoutDNS(t *testing.T) {
	policy := &fakePolicy{}
	fw := &fakeFirewall{}
	env := modernEnv(&fakeRunner{}, &fakeNet{})
	env.Caps.NRPT = true
	env.Caps.WFP = true
	env.Policy = policy
	env.Firewall = fw

	cfg := baseConfig()
	cfg.DNSServers = nil

	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	plan, err := BuildPlan(context.Background(), env, dev, dev.ident, cfg, `C:\vpn.exe`, &log)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range planLines(&plan.Add) {
		if strings.Contains(line, "policy") || strings.Contains(line, "leak") {
			t.Errorf("planned without DNS servers: %s", line)
		}
	}
}

func TestDNSRoutingSuffixes(t *testing.T) {
	cases := []struct {
		name     string
		cfg      pull.Config
		dnsCount [2]int
		want     []string
	}{
		{
			name: "search domains normalized and deduplicated",
			cfg: pull.Config{
				SearchDomains: []string{"corp.example", ".internal", "corp.example", ""},
			},
			dnsCount: [2]int{1, 0},
			want:     []string{".corp.example", ".internal"},
		},
		{
			name:     "no domains falls back to catch-all",
			cfg:      pull.Config{},
			dnsCount: [2]int{1, 0},
			want:     []string{"."},
		},
		{
			name: "redirection forces catch-all",
			cfg: pull.Config{
				RerouteGW:     pull.RerouteGW{IPv4: true},
				SearchDomains: []string{"corp.example"},
			},
			dnsCount: [2]int{1, 0},
			want:     []string{"."},
		},
		{
			name: "redirection without matching DNS keeps domains",
			cfg: pull.Config{
				RerouteGW:     pull.RerouteGW{IPv6: true},
				SearchDomains: []string{"corp.example"},
			},
			dnsCount: [2]int{1, 0},
			want:     []string{".corp.example"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := dnsRoutingSuffixes(&c.cfg, c.dnsCount)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("suffixes (-want +got):\n%s", diff)
			}
		})
	}
}

// TestModernApplyRunsDeviceActions verifies the Func actions drive the
// driver when the add list is applied.
func TestModernApplyRunsDeviceActions(t *testing.T) {
	run := &fakeRunner{}
	net := &fakeNet{}
	dev := &fakeDevice{ident: testIdent()}
	var log core.BufferLog
	plan, err := BuildPlan(context.Background(), modernEnv(run, net), dev, dev.ident, baseConfig(), "", &log)
	if err != nil {
		t.Fatal(err)
	}
	if err := plan.Add.Apply(&log); err != nil {
		t.Fatal(err)
	}
	if len(dev.media) != 1 || !dev.media[0] {
		t.Errorf("media status calls = %v", dev.media)
	}
	if dev.topology == nil || dev.topology.Address != addr("10.8.0.2") {
		t.Errorf("topology = %+v", dev.topology)
	}
	if diff := cmp.Diff([]uint32{7}, net.staleDeleted); diff != "" {
		t.Errorf("stale route cleanup (-want +got):\n%s", diff)
	}
}
