package tproxy

import (
	"fmt"
	"log"
	"net"
)

// Capability reports which interception features the running host supports.
// It is fixed at startup; when UDP is false, no UDP destination can ever be
// recovered and upstream components must not attempt UDP or DNS
// interception.
type Capability struct {
	IPv6 bool
	UDP  bool
	DNS  bool
}

// recvMode is the receive strategy chosen by the one-time startup probe.
type recvMode int

const (
	recvPlain recvMode = iota
	recvAncillary
)

// UnsupportedFamilyError reports an ancillary record whose embedded address
// family does not match the socket's IP layer. It is a protocol mismatch,
// never silently coerced.
type UnsupportedFamilyError struct {
	Family uint16
}

func (e *UnsupportedFamilyError) Error() string {
	return fmt.Sprintf("unsupported socket address family %d", e.Family)
}

// Resolver recovers original destinations for intercepted traffic. The
// receive strategy is selected once at construction and never re-probed.
type Resolver struct {
	mode    recvMode
	verbose bool
}

func NewResolver(verbose bool) *Resolver {
	return &Resolver{mode: probeAncillary(), verbose: verbose}
}

func (r *Resolver) Capability() Capability {
	udp := r.mode == recvAncillary
	return Capability{IPv6: IsSupported, UDP: udp, DNS: udp}
}

// OriginalDstTCP returns the original destination of a redirected TCP
// connection. Under TPROXY the kernel rewrites the accepted socket's local
// endpoint to the real destination, so no decoding is needed.
func OriginalDstTCP(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	addr, ok := tc.LocalAddr().(*net.TCPAddr)
	return addr, ok
}

// SendReply sends payload back to dst, spoofing the reply's source address
// as src (the original destination of the intercepted datagram). A nil src
// means the destination was never recovered; the reply is skipped. Send
// failures are logged and the datagram dropped; a local port conflict will
// not resolve itself within the lifetime of one packet, so there is no
// retry.
func (r *Resolver) SendReply(src, dst *net.UDPAddr, payload []byte) {
	if src == nil {
		log.Printf("tproxy: ignored UDP reply to %v: no source address to spoof", dst)
		return
	}
	if err := sendSpoofed(src, dst, payload); err != nil {
		log.Printf("WARNING: tproxy: send UDP %v -> %v failed: %v", src, dst, err)
	}
}
