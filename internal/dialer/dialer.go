package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - socks5://[user:pass@]host:port
//
// The SOCKS5 upstream is the hand-off point to the tunnel transport, which
// runs as a separate process and exposes a local SOCKS5 endpoint. A default
// port is applied if the URL host is missing one.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks5":
		host := u.Hostname()
		if host == "" {
			return nil, errors.New("invalid url: missing host")
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(host, "1080")
		}

		var user, pass string
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
		return NewSOCKS5ProxyDialer(cfg, u.Host, user, pass), nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}
