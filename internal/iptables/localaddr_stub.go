//go:build !linux

package iptables

import (
	"errors"
	"net/netip"
)

func InterfaceAddr(_ string, _ Family) (netip.Addr, error) {
	return netip.Addr{}, errors.New("interface address lookup is only supported on linux")
}
