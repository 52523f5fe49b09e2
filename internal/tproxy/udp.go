package tproxy

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

const defaultUDPTimeout = 2 * time.Minute

// UDPServer relays intercepted datagrams to their original destinations and
// spoofs replies so they appear to come from those destinations.
//
// Per-packet failures are contained: a datagram whose destination cannot be
// recovered is dropped with a diagnostic, never an error. An ancillary
// record carrying an unexpected address family is a protocol mismatch and
// stops the serve loop.
type UDPServer struct {
	ctx      context.Context
	resolver *Resolver
	verbose  bool
	timeout  time.Duration

	mu       sync.Mutex
	sessions map[sessionKey]*udpSession
}

type sessionKey struct {
	src string
	dst string
}

type udpSession struct {
	upstream *net.UDPConn
}

func NewUDPServer(ctx context.Context, r *Resolver, verbose bool) *UDPServer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &UDPServer{
		ctx:      ctx,
		resolver: r,
		verbose:  verbose,
		timeout:  defaultUDPTimeout,
		sessions: make(map[sessionKey]*udpSession),
	}
}

func (s *UDPServer) Serve(conn *net.UDPConn, bufsize int) error {
	for {
		src, dst, payload, err := s.resolver.RecvUDP(conn, bufsize)
		if err != nil {
			var fe *UnsupportedFamilyError
			if errors.As(err, &fe) {
				return err
			}
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return err
			}
			log.Printf("tproxy: udp read error: %v", err)
			continue
		}
		if dst == nil {
			if s.verbose {
				log.Printf("tproxy: ignored UDP from %v: couldn't determine destination address", src)
			}
			continue
		}
		s.forward(src, dst, payload)
	}
}

func (s *UDPServer) forward(src, dst *net.UDPAddr, payload []byte) {
	sess := s.session(src, dst)
	if sess == nil {
		return
	}
	if _, err := sess.upstream.Write(payload); err != nil && s.verbose {
		log.Printf("tproxy: udp forward %v -> %v: %v", src, dst, err)
	}
}

// session returns the relay session for the (src, dst) pair, creating it and
// its reply reader on first use.
func (s *UDPServer) session(src, dst *net.UDPAddr) *udpSession {
	key := sessionKey{src: src.String(), dst: dst.String()}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess
	}

	up, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		log.Printf("tproxy: udp dial %v: %v", dst, err)
		return nil
	}

	sess := &udpSession{upstream: up}
	s.sessions[key] = sess
	go s.readReplies(key, sess, src, dst)
	return sess
}

// readReplies copies datagrams coming back from the destination to the
// intercepted client, with the reply source spoofed as the destination. The
// session expires after the idle timeout.
func (s *UDPServer) readReplies(key sessionKey, sess *udpSession, src, dst *net.UDPAddr) {
	defer func() {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
		_ = sess.upstream.Close()
	}()

	stop := context.AfterFunc(s.ctx, func() {
		_ = sess.upstream.Close()
	})
	defer stop()

	buf := make([]byte, 65536)
	for {
		_ = sess.upstream.SetReadDeadline(time.Now().Add(s.timeout))
		n, err := sess.upstream.Read(buf)
		if err != nil {
			return
		}
		s.resolver.SendReply(dst, src, buf[:n])
	}
}
