package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// EndpointPolicy says which provider and voice endpoints forkline may talk to.
type EndpointPolicy struct {
	// AllowHTTP permits plain HTTP. HTTPS is always allowed.
	AllowHTTP bool
	// AllowLocal permits loopback, private and link-local targets as well as
	// localhost names.
	AllowLocal bool
}

var (
	// LocalServicePolicy fits a model runtime or speech service on the same
	// machine or LAN, such as ollama.
	LocalServicePolicy = EndpointPolicy{AllowHTTP: true, AllowLocal: true}
	// CredentialedPolicy fits endpoints that receive an API key.
	CredentialedPolicy = EndpointPolicy{}
)

var ErrEndpointRejected = errors.New("endpoint rejected")

// ValidateEndpoint checks rawURL against policy. IP literals are checked
// without DNS lookups; host names are only checked for localhost suffixes.
func ValidateEndpoint(rawURL string, policy EndpointPolicy) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(ErrEndpointRejected, "invalid URL %q: %v", rawURL, err)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !policy.AllowHTTP {
			return errors.Wrapf(ErrEndpointRejected, "%s: http is not allowed", rawURL)
		}
	default:
		return errors.Wrapf(ErrEndpointRejected, "%s: unsupported scheme %q", rawURL, parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.Wrapf(ErrEndpointRejected, "%s: host is required", rawURL)
	}

	if !policy.AllowLocal && isLocalName(host) {
		return errors.Wrapf(ErrEndpointRejected, "%s: local host %q is not allowed", rawURL, host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" && !policy.AllowLocal {
		return errors.Wrapf(ErrEndpointRejected, "%s: zoned address is not allowed", rawURL)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Wrapf(ErrEndpointRejected, "%s: address %s cannot be dialed", rawURL, addr)
	}
	if !policy.AllowLocal && isLocalAddr(addr) {
		return errors.Wrapf(ErrEndpointRejected, "%s: local address %s is not allowed", rawURL, addr)
	}
	return nil
}

// IsLocal reports whether rawURL points at this machine or a private network.
func IsLocal(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if isLocalName(host) {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && isLocalAddr(addr.Unmap())
}

func isLocalName(host string) bool {
	return host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")
}

func isLocalAddr(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
