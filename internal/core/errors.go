package core

import "fmt"

// ErrorKind identifies the category of a fatal setup failure. Kinds are
// stable so callers can branch on them across releases.
type ErrorKind int

const (
	// KindIfaceCreate means no virtual adapter could be opened.
	KindIfaceCreate ErrorKind = iota
	// KindNoGateway means a step required the host default gateway and
	// none could be discovered.
	KindNoGateway
	// KindRouteNoVPNAddr means IPv4 routes were pushed without an IPv4
	// interface address.
	KindRouteNoVPNAddr
	// KindDHCPTimeout means the legacy adapter never reported the
	// expected address within the polling bound.
	KindDHCPTimeout
	// KindBadConfig covers other invalid pulled-configuration states.
	KindBadConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindIfaceCreate:
		return "tun_iface_create"
	case KindNoGateway:
		return "no_default_gateway"
	case KindRouteNoVPNAddr:
		return "route_without_vpn_addr"
	case KindDHCPTimeout:
		return "dhcp_timeout"
	case KindBadConfig:
		return "bad_config"
	default:
		return "unknown"
	}
}

// SetupError is a fatal setup failure with a stable kind and a
// human-readable detail string.
type SetupError struct {
	Kind   ErrorKind
	Detail string
	Err    error // optional underlying cause
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Is matches any SetupError with the same kind, so callers can write
// errors.Is(err, &core.SetupError{Kind: core.KindNoGateway}).
func (e *SetupError) Is(target error) bool {
	t, ok := target.(*SetupError)
	return ok && t.Kind == e.Kind
}

// Errf builds a SetupError with a formatted detail string.
func Errf(kind ErrorKind, format string, args ...any) *SetupError {
	return &SetupError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapErr builds a SetupError around an underlying cause.
func WrapErr(kind ErrorKind, err error, format string, args ...any) *SetupError {
	return &SetupError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}
