package proxmox

import (
	"net/netip"
	"strings"
)

// selectAddresses picks the first routable IPv4 and IPv6 address reported by
// the guest agent. Loopback and link-local addresses are skipped.
func selectAddresses(ifaces []GuestInterface) (ipv4, ipv6 string) {
	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		for _, a := range iface.IPAddresses {
			addr, err := netip.ParseAddr(strings.TrimSpace(a.Address))
			if err != nil {
				continue
			}
			addr = addr.Unmap()
			if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() {
				continue
			}
			if addr.Is4() && ipv4 == "" {
				ipv4 = addr.String()
			} else if addr.Is6() && ipv6 == "" {
				ipv6 = addr.String()
			}
		}
	}
	return ipv4, ipv6
}
