//go:build !linux

package tproxy

import (
	"errors"
	"net"
)

// IsSupported is true on hosts where transparent interception is available.
const IsSupported = false

var errUnsupported = errors.New("transparent proxy is only supported on linux")

func probeAncillary() recvMode {
	return recvPlain
}

func ListenTransparentTCP(_ string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, errUnsupported
}

func ListenTransparentUDP(_, _ string, _ bool) (*net.UDPConn, error) {
	return nil, errUnsupported
}

func (r *Resolver) RecvUDP(_ *net.UDPConn, _ int) (src, dst *net.UDPAddr, payload []byte, err error) {
	return nil, nil, nil, errUnsupported
}

func sendSpoofed(_, _ *net.UDPAddr, _ []byte) error {
	return errUnsupported
}
