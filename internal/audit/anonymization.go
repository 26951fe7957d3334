package audit

import "net/netip"

// AnonymizeIP truncates an address for external sharing: IPv4 keeps the
// first 24 bits, IPv6 the first 48. Returns "" for invalid input.
func AnonymizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	bits := 48
	if addr.Is4() || addr.Is4In6() {
		addr = addr.Unmap()
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.Addr().String()
}
