package tproxy

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// origDstFromOOB scans ancillary data for the record carrying the original
// destination of a redirected datagram. A nil address with a nil error means
// no such record was present; callers drop the datagram rather than fail.
func origDstFromOOB(oob []byte) (*net.UDPAddr, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control messages: %w", err)
	}

	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_ORIGDSTADDR:
			return decodeOrigDst(m.Data, unix.AF_INET)
		case m.Header.Level == unix.SOL_IPV6 && m.Header.Type == unix.IPV6_ORIGDSTADDR:
			return decodeOrigDst(m.Data, unix.AF_INET6)
		}
	}
	return nil, nil
}

// decodeOrigDst decodes a sockaddr-shaped record: address family in host
// order at offset 0, port in network order at offset 2, then the address at
// offset 4 (IPv4) or 8 (IPv6, after the reserved flowinfo bytes).
func decodeOrigDst(data []byte, want uint16) (*net.UDPAddr, error) {
	if len(data) < 4 {
		return nil, nil
	}

	family := binary.NativeEndian.Uint16(data[0:2])
	if family != want {
		return nil, &UnsupportedFamilyError{Family: family}
	}
	port := int(binary.BigEndian.Uint16(data[2:4]))

	var ip net.IP
	switch family {
	case unix.AF_INET:
		if len(data) < 8 {
			return nil, nil
		}
		ip = net.IP(append([]byte(nil), data[4:8]...))
	case unix.AF_INET6:
		if len(data) < 24 {
			return nil, nil
		}
		ip = net.IP(append([]byte(nil), data[8:24]...))
	}

	return &net.UDPAddr{IP: ip, Port: port}, nil
}
