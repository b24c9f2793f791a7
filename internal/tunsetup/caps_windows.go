//go:build windows

package tunsetup

import "golang.org/x/sys/windows"

// DetectCaps probes the running OS version and derives the capability
// tier. Vista is 6.0, Win7 6.1, Win8 6.2.
func DetectCaps() Caps {
	v := windows.RtlGetVersion()
	win8 := v.MajorVersion > 6 || (v.MajorVersion == 6 && v.MinorVersion >= 2)
	return Caps{
		LegacyDriver: v.MajorVersion < 6,
		VistaDNS:     v.MajorVersion == 6 && v.MinorVersion == 0,
		NRPT:         win8,
		WFP:          win8,
	}
}
