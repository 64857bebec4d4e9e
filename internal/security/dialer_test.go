package security

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubResolver struct {
	addrs []net.IPAddr
	err   error
}

func (s stubResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return s.addrs, s.err
}

func TestIsBlockedIP(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":       true,
		"10.1.2.3":        true,
		"169.254.169.254": true,
		"192.168.1.1":     true,
		"::1":             true,
		"8.8.8.8":         false,
		"52.94.236.248":   false,
	}
	for ip, want := range tests {
		assert.Equal(t, want, IsBlockedIP(net.ParseIP(ip)), ip)
	}
}

func TestSafeDialer_DialContext_BlockedLiteral(t *testing.T) {
	d := NewSafeDialer(0)

	_, err := d.DialContext(context.Background(), "tcp", "169.254.169.254:25")
	assert.ErrorIs(t, err, ErrDialBlocked)
}

func TestSafeDialer_DialContext_ResolvesToPrivate(t *testing.T) {
	d := &SafeDialer{Resolver: stubResolver{addrs: []net.IPAddr{
		{IP: net.ParseIP("8.8.8.8")},
		{IP: net.ParseIP("10.0.0.5")},
	}}}

	_, err := d.DialContext(context.Background(), "tcp", "smtp.example.com:587")
	assert.ErrorIs(t, err, ErrDialBlocked)
}

func TestSafeDialer_DialContext_DNSFailure(t *testing.T) {
	d := &SafeDialer{Resolver: stubResolver{err: errors.New("no such host")}}

	_, err := d.DialContext(context.Background(), "tcp", "smtp.invalid:587")
	assert.ErrorIs(t, err, ErrDNSFailed)
}

func TestSafeDialer_DialContext_NoAddresses(t *testing.T) {
	d := &SafeDialer{Resolver: stubResolver{}}

	_, err := d.DialContext(context.Background(), "tcp", "smtp.example.com:587")
	assert.ErrorIs(t, err, ErrDNSFailed)
}

func TestSafeDialer_DialContext_BadAddress(t *testing.T) {
	d := NewSafeDialer(0)

	_, err := d.DialContext(context.Background(), "tcp", "no-port")
	assert.Error(t, err)
}
