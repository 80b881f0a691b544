// Package iputil provides utility functions for rendering IP addresses and
// prefixes in their canonical textual form.
package iputil

import (
	"net"
)

// PrefixString renders an address and prefix length in CIDR notation, e.g.
// "10.0.0.0/24". IPv4 addresses are rendered in dotted-quad form even when
// stored as 16 bytes. Out-of-range prefix lengths are clamped to the
// address family's bit width.
func PrefixString(ip net.IP, prefixLength int) string {
	bits := 8 * net.IPv6len
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 8 * net.IPv4len
	}

	if prefixLength < 0 || prefixLength > bits {
		prefixLength = bits
	}

	prefix := net.IPNet{
		IP:   ip,
		Mask: net.CIDRMask(prefixLength, bits),
	}

	return prefix.String()
}

// IsIPv4 returns true if the address is IPv4, including the 4-in-6 mapped
// representation.
func IsIPv4(ip net.IP) bool {
	return ip.To4() != nil
}
