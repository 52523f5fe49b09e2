package iptables

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// InterfaceAddr returns the first usable address of the given family bound
// to the named interface. The interface name is configuration; there is no
// attempt to discover the default-route interface.
func InterfaceAddr(name string, family Family) (netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %s: %w", name, err)
	}

	var nlFamily int
	switch family {
	case IPv4:
		nlFamily = netlink.FAMILY_V4
	case IPv6:
		nlFamily = netlink.FAMILY_V6
	default:
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrUnsupportedFamily, family)
	}

	addrs, err := netlink.AddrList(link, nlFamily)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %s addresses: %w", name, err)
	}

	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLinkLocalUnicast() {
			continue
		}
		return ip, nil
	}
	return netip.Addr{}, fmt.Errorf("interface %s: no %s address", name, family)
}
