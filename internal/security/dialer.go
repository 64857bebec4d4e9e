package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const dnsTimeout = 500 * time.Millisecond

var (
	ErrDialBlocked = errors.New("security: dial to blocked address range")
	ErrDNSTimeout  = errors.New("security: DNS resolution timeout")
	ErrDNSFailed   = errors.New("security: DNS resolution failed")
)

// blockedCIDRs are ranges an operator-supplied host (SMTP relays) must never
// resolve into: loopback, link-local (cloud metadata), private and CGNAT space.
var blockedCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedNets = func() []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blockedCIDRs))
	for _, cidr := range blockedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("security: bad CIDR %q: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}()

// IsBlockedIP reports whether ip falls in a blocked range.
func IsBlockedIP(ip net.IP) bool {
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SafeDialer resolves the host itself, checks every address against the
// blocklist, and dials the first one. Checking all addresses before dialing
// closes the rebinding window between resolution and connect.
type SafeDialer struct {
	Resolver Resolver
	Dialer   *net.Dialer
}

// NewSafeDialer uses the system resolver.
func NewSafeDialer(timeout time.Duration) *SafeDialer {
	return &SafeDialer{
		Resolver: net.DefaultResolver,
		Dialer:   &net.Dialer{Timeout: timeout},
	}
}

// DialContext matches the signature of net.Dialer.DialContext.
func (d *SafeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("security: invalid address %q: %w", addr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrDialBlocked, ip)
		}
		return d.dialer().DialContext(ctx, network, addr)
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := d.Resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrDNSFailed, host)
	}
	for _, ipAddr := range ips {
		if IsBlockedIP(ipAddr.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrDialBlocked, ipAddr.IP, host)
		}
	}

	return d.dialer().DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

func (d *SafeDialer) dialer() *net.Dialer {
	if d.Dialer != nil {
		return d.Dialer
	}
	return &net.Dialer{}
}
