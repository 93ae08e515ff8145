// Package security guards outbound requests whose destination comes from
// configuration, such as the analytics webhook URL.
//
// Every dial resolves the host and refuses the connection when any
// resolved address is loopback, private, link-local (including the cloud
// metadata endpoint) or otherwise not publicly routable. Redirect targets
// are checked the same way.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// defaultDNSTimeout bounds each lookup made by a Guard.
const defaultDNSTimeout = 500 * time.Millisecond

var (
	// ErrBlocked is returned when a destination resolves to a blocked range.
	ErrBlocked = errors.New("egress: destination in blocked range")

	// ErrDNSTimeout is returned when resolution exceeds the Guard's timeout.
	ErrDNSTimeout = errors.New("egress: DNS resolution timeout")

	// ErrDNSFailed is returned when the host cannot be resolved.
	ErrDNSFailed = errors.New("egress: DNS resolution failed")

	// ErrTooManyRedirects is returned by CheckRedirect past its limit.
	ErrTooManyRedirects = errors.New("egress: too many redirects")
)

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// IsBlocked reports whether addr falls in a blocked range. IPv4-mapped
// IPv6 addresses are checked as IPv4.
func IsBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver looks up a host. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard validates destinations before connecting.
type Guard struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// DNSTimeout defaults to 500ms.
	DNSTimeout time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewGuard creates a Guard using the system resolver.
func NewGuard() *Guard {
	return &Guard{Resolver: net.DefaultResolver, DNSTimeout: defaultDNSTimeout}
}

// resolve returns the addresses for host after checking every one of them,
// so a name that mixes public and private records is refused outright.
func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlocked(addr) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, addr)
		}
		return []netip.Addr{addr}, nil
	}

	resolver := g.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	timeout := g.DNSTimeout
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	dnsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := resolver.LookupNetIP(dnsCtx, "ip", host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q has no addresses", ErrDNSFailed, host)
	}
	for _, a := range addrs {
		if IsBlocked(a) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlocked, a, host)
		}
	}
	return addrs, nil
}

// DialContext resolves and validates addr, then dials the first address.
// The resolved address is dialed directly so a second lookup cannot
// rebind the name.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: invalid address %q: %w", addr, err)
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	dial := g.dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: 5 * time.Second}).DialContext
	}
	return dial(ctx, network, net.JoinHostPort(addrs[0].String(), port))
}

// CheckRedirect returns an http.Client CheckRedirect hook that validates
// each redirect target and stops after maxRedirects hops.
func (g *Guard) CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect has no host", ErrBlocked)
		}
		_, err := g.resolve(req.Context(), host)
		return err
	}
}

// NewHTTPClient returns a client that only reaches public addresses.
// Proxies are disabled since they would connect on the client's behalf.
func NewHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	return NewGuard().HTTPClient(timeout, maxRedirects)
}

// HTTPClient returns a client whose dials and redirects go through g.
func (g *Guard) HTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = g.DialContext
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: g.CheckRedirect(maxRedirects),
	}
}
