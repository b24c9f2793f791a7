package tunsetup

// Caps holds the platform capability flags that select between the two
// planning strategies and their command variants. Computed once per
// process from the OS version (DetectCaps) or injected directly in tests.
type Caps struct {
	// LegacyDriver selects the pre-Vista path: DHCP-masquerade ioctl
	// addressing, polled adapter readiness, route.exe, no IPv6.
	LegacyDriver bool
	// VistaDNS selects the Vista netsh syntax: singular "dnsserver" and
	// no validate flag. Win7 and later use "dnsservers validate=no".
	VistaDNS bool
	// NRPT enables policy-table DNS routing (Win8+).
	NRPT bool
	// WFP enables firewall-based DNS leak protection (Win8+).
	WFP bool
}
