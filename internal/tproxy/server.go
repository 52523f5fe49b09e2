package tproxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/varxint/sshuttle/internal/dialer"
)

// Server accepts intercepted TCP connections, recovers each connection's
// original destination, and hands it to the tunnel-side dialer.
type Server struct {
	ctx     context.Context
	Dialer  dialer.Dialer
	Verbose bool
}

func NewServer(ctx context.Context, d dialer.Dialer, verbose bool) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, Dialer: d, Verbose: verbose}
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.handle(c); err != nil {
				if s.Verbose {
					log.Printf("tproxy: connection error: %v", err)
				}
			}
		}()
	}
}

func (s *Server) handle(conn net.Conn) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	dst, ok := OriginalDstTCP(conn)
	if !ok {
		return errors.New("original destination unavailable")
	}

	up, err := s.Dialer.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return err
	}
	defer up.Close()

	if err := CopyBidirectional(ctx, conn, up); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
