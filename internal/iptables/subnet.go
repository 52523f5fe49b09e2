package iptables

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
)

// Subnet is one inclusion or exclusion in the intercepted address space. An
// optional port range narrows the match to destination ports in
// [FirstPort, LastPort].
type Subnet struct {
	Prefix    netip.Prefix
	Exclude   bool
	FirstPort int
	LastPort  int
}

// ParseSubnet parses "[!]cidr[:firstport-lastport]". A leading "!" marks the
// subnet as excluded. A bare address is treated as a single-host prefix; IPv6
// addresses carrying a port range must be bracketed.
func ParseSubnet(s string) (Subnet, error) {
	orig := s

	var sub Subnet
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		sub.Exclude = true
		s = rest
	}

	// The whole string parsing as an address or prefix disambiguates bare
	// IPv6 addresses from the colon-separated port-range form.
	if p, err := parsePrefix(s); err == nil {
		sub.Prefix = p
		return sub, nil
	}

	i := strings.LastIndex(s, ":")
	if i < 0 {
		return Subnet{}, fmt.Errorf("subnet %q: not an address or prefix", orig)
	}

	first, last, ok := strings.Cut(s[i+1:], "-")
	if !ok {
		last = first
	}
	var err error
	if sub.FirstPort, err = strconv.Atoi(first); err != nil {
		return Subnet{}, fmt.Errorf("subnet %q: bad port range: %w", orig, err)
	}
	if sub.LastPort, err = strconv.Atoi(last); err != nil {
		return Subnet{}, fmt.Errorf("subnet %q: bad port range: %w", orig, err)
	}
	if sub.FirstPort < 1 || sub.LastPort > 65535 || sub.FirstPort > sub.LastPort {
		return Subnet{}, fmt.Errorf("subnet %q: port range out of order", orig)
	}

	sub.Prefix, err = parsePrefix(s[:i])
	if err != nil {
		return Subnet{}, fmt.Errorf("subnet %q: %w", orig, err)
	}
	return sub, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.Trim(s, "[]")
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Family returns the subnet's address family.
func (s Subnet) Family() Family {
	if s.Prefix.Addr().Is4() {
		return IPv4
	}
	return IPv6
}

func (s Subnet) String() string {
	var b strings.Builder
	if s.Exclude {
		b.WriteByte('!')
	}
	b.WriteString(s.Prefix.String())
	if s.FirstPort != 0 {
		fmt.Fprintf(&b, ":%d-%d", s.FirstPort, s.LastPort)
	}
	return b.String()
}

// sortedByWeight orders subnets so the firewall evaluates them correctly:
// rule evaluation is first-match-wins, so exclusions come before inclusions
// and more specific prefixes before broader ones.
func sortedByWeight(subnets []Subnet) []Subnet {
	out := slices.Clone(subnets)
	slices.SortStableFunc(out, func(a, b Subnet) int {
		if a.Exclude != b.Exclude {
			if a.Exclude {
				return -1
			}
			return 1
		}
		return b.Prefix.Bits() - a.Prefix.Bits()
	})
	return out
}
