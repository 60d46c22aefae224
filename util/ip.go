package util

import (
	"net"
	"net/netip"
)

// IsRoutableIPv4 reports whether addr is a publicly routable IPv4 address.
// Loopback, private, link-local, unspecified and multicast ranges are all
// rejected, as is anything that is not IPv4.
func IsRoutableIPv4(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}

	if !ip.Is4() {
		return false
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}

	// 192.0.2.0/24, 198.51.100.0/24 and 203.0.113.0/24 are documentation
	// ranges but routable enough for tests, so they are deliberately allowed.
	return true
}

// SplitHostPort splits "host:port" and returns the host and numeric port.
func SplitHostPort(endpoint string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, err
	}

	ap, err := netip.ParseAddrPort(net.JoinHostPort(host, portStr))
	if err != nil {
		return "", 0, err
	}

	return host, ap.Port(), nil
}
