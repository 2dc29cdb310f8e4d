package httpclient

import "net"

var forbiddenIPv4 = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}, // includes cloud metadata
	{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
	{IP: net.IPv4(255, 255, 255, 255), Mask: net.CIDRMask(32, 32)},
	{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)},
	{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(192, 0, 2, 0), Mask: net.CIDRMask(24, 32)},
	{IP: net.IPv4(198, 51, 100, 0), Mask: net.CIDRMask(24, 32)},
	{IP: net.IPv4(203, 0, 113, 0), Mask: net.CIDRMask(24, 32)},
}

var forbiddenIPv6 = []net.IPNet{
	{IP: net.ParseIP("::1"), Mask: net.CIDRMask(128, 128)},
	{IP: net.ParseIP("::"), Mask: net.CIDRMask(128, 128)},
	{IP: net.ParseIP("fc00::"), Mask: net.CIDRMask(7, 128)},
	{IP: net.ParseIP("fe80::"), Mask: net.CIDRMask(10, 128)},
	{IP: net.ParseIP("fec0::"), Mask: net.CIDRMask(10, 128)},
	{IP: net.ParseIP("ff00::"), Mask: net.CIDRMask(8, 128)},
	{IP: net.ParseIP("2001:db8::"), Mask: net.CIDRMask(32, 128)},
}

// IsForbiddenIP reports whether ip lies in a private, loopback, link-local,
// multicast or documentation range. A nil ip is forbidden.
func IsForbiddenIP(ip net.IP) bool {
	if ip == nil {
		return true
	}

	if v4 := ip.To4(); v4 != nil {
		for _, network := range forbiddenIPv4 {
			if network.Contains(v4) {
				return true
			}
		}
		return false
	}

	for _, network := range forbiddenIPv6 {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
