package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/txthinking/socks5"
)

type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	user      string
	pass      string
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, user, pass string) Dialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, user: user, pass: pass}
}

// DialContext connects through the SOCKS5 upstream. The client library does
// not take a context; cancellation is bounded by its dial timeout.
func (f *SOCKS5ProxyDialer) DialContext(_ context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	tcpTimeout := 0
	if f.cfg.DialTimeout > 0 {
		tcpTimeout = int(f.cfg.DialTimeout.Seconds())
		if tcpTimeout <= 0 {
			tcpTimeout = 1
		}
	}

	client, err := socks5.NewClient(f.proxyAddr, f.user, f.pass, tcpTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy init: %w", err)
	}

	c, err := client.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	return c, nil
}
