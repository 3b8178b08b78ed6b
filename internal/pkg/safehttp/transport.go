// Package safehttp builds the HTTP transport used for upstream calls.
package safehttp

import (
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// DefaultDialTimeout is used when NewTransport is given zero.
const DefaultDialTimeout = 10 * time.Second

// NewTransport returns a transport for upstream calls. With blockPrivate set
// it refuses to connect to loopback, private, link-local or unspecified
// addresses to reduce SSRF risk. The check runs on the resolved address
// right before connecting, so DNS names pointing inward are refused too.
func NewTransport(dialTimeout time.Duration, blockPrivate bool) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	if blockPrivate {
		dialer.Control = denyPrivate
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = dialer.DialContext
	return t
}

func denyPrivate(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("failed to parse remote address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("failed to parse remote IP for %q", address)
	}
	if IsPrivate(ip) {
		return fmt.Errorf("access to private IP %s is denied", ip)
	}
	return nil
}

// IsPrivate reports whether ip is an address upstream calls must not reach
// when private networks are blocked.
func IsPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
