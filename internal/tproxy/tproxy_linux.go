package tproxy

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsSupported is true on hosts where transparent interception is available.
const IsSupported = true

// probeAncillary tests once, at startup, whether original-destination
// ancillary records can be requested on this host. The outcome fixes the
// UDP receive strategy for the lifetime of the process.
func probeAncillary() recvMode {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return recvPlain
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1); err != nil {
		return recvPlain
	}
	return recvAncillary
}

// ListenTransparentTCP listens on addr and enables IP_TRANSPARENT so the
// socket can accept redirected connections. Callers still need the TPROXY
// rule set installed to receive any traffic.
func ListenTransparentTCP(addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

// ListenTransparentUDP opens a transparent UDP listener. When ancillary is
// true, original-destination records are requested so the Resolver can
// recover each datagram's destination.
func ListenTransparentUDP(network, addr string, ancillary bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = setTransparentUDP(int(fd), network, ancillary)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}

	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s %s: %w", network, addr, err)
	}
	return pc.(*net.UDPConn), nil
}

func setTransparentUDP(fd int, network string, ancillary bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
		return err
	}
	if !ancillary {
		return nil
	}
	if network == "udp6" {
		return unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_RECVORIGDSTADDR, 1)
	}
	return unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1)
}

// RecvUDP receives one datagram and recovers its original destination when
// the host supports ancillary data. dst is nil when no destination could be
// recovered; callers must drop such datagrams rather than treat them as
// errors.
func (r *Resolver) RecvUDP(conn *net.UDPConn, bufsize int) (src, dst *net.UDPAddr, payload []byte, err error) {
	buf := make([]byte, bufsize)

	if r.mode != recvAncillary {
		n, plainSrc, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, nil, nil, err
		}
		return plainSrc, nil, buf[:n], nil
	}

	oob := make([]byte, unix.CmsgSpace(unix.SizeofSockaddrInet6))
	n, oobn, _, src, err := conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return nil, nil, nil, err
	}

	dst, err = origDstFromOOB(oob[:oobn])
	if err != nil {
		return src, nil, nil, err
	}
	return src, dst, buf[:n], nil
}

// sendSpoofed sends payload to dst from a throwaway transparent socket bound
// to the non-local address src.
func sendSpoofed(src, dst *net.UDPAddr, payload []byte) error {
	v6 := src.IP.To4() == nil

	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if v6 {
		err = unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
	} else {
		err = unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1)
	}
	if err != nil {
		return err
	}

	if err := unix.Bind(fd, sockaddr(src, v6)); err != nil {
		return fmt.Errorf("bind %v: %w", src, err)
	}
	return unix.Sendto(fd, payload, 0, sockaddr(dst, v6))
}

func sockaddr(a *net.UDPAddr, v6 bool) unix.Sockaddr {
	if v6 {
		sa := &unix.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], a.IP.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: a.Port}
	copy(sa.Addr[:], a.IP.To4())
	return sa
}
