package iptables

import (
	"errors"
	"fmt"
)

// Family selects the IP protocol family a rule set applies to.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// ErrUnsupportedFamily reports an address family outside {IPv4, IPv6}. It is
// a contract violation: callers must not retry.
var ErrUnsupportedFamily = errors.New("address family unsupported by tproxy method")

// ErrMissingCoordinator reports that the setup coordinator is not configured.
// Setup refuses to mutate the rule table without one.
var ErrMissingCoordinator = errors.New("setup coordinator not configured (REDIS_HOST and REDIS_PORT must both be set)")

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// command returns the rule-table administration binary for the family.
func (f Family) command() (string, error) {
	switch f {
	case IPv4:
		return "iptables", nil
	case IPv6:
		return "ip6tables", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFamily, f)
	}
}

// loopback returns the family's loopback prefix, used to exempt
// loopback-to-loopback traffic from interception.
func (f Family) loopback() string {
	if f == IPv6 {
		return "::1/128"
	}
	return "127.0.0.1/32"
}
