package iptables

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const table = "mangle"

// dnsInterceptPort is the destination port the nameserver redirect rules
// match on; the local DNS listener the traffic lands on is per-setup.
const dnsInterceptPort = "15353"

// DefaultBootstrap is the always-routed address exempted from the
// local-source bypass, so bootstrap traffic still reaches the tunnel.
var DefaultBootstrap = netip.AddrFrom4([4]byte{1, 0, 0, 0})

// ChainSet holds the per-port chain names. Exactly one ChainSet exists per
// active listening port; deriving names from the port keeps concurrently
// active ports from colliding.
type ChainSet struct {
	Mark   string
	TProxy string
	Divert string
}

// Chains derives the chain names for a listening port.
func Chains(port int) ChainSet {
	return ChainSet{
		Mark:   fmt.Sprintf("sshuttle-m-%d", port),
		TProxy: fmt.Sprintf("sshuttle-t-%d", port),
		Divert: fmt.Sprintf("sshuttle-d-%d", port),
	}
}

// NameServer is a DNS server whose traffic must be force-redirected to the
// local DNS listener.
type NameServer struct {
	Family Family
	Addr   netip.Addr
}

// Config describes one interception rule set.
type Config struct {
	Port        int // transparent listener port; keys the chain names
	DNSPort     int // local DNS listener the nameserver rules redirect to
	Family      Family
	Subnets     []Subnet
	NameServers []NameServer
	UDP         bool

	// LocalAddr is the externally reachable address on the primary
	// interface, used to keep this tool's own traffic out of its rules.
	LocalAddr netip.Addr

	// Bootstrap overrides DefaultBootstrap when valid.
	Bootstrap netip.Addr
}

// Locker serializes the PREROUTING entry-point insertion across all
// instances of the tool on the host.
type Locker interface {
	WithLock(ctx context.Context, fn func() error) error
}

// Firewall applies interception rule sets through a Runner.
type Firewall struct {
	runner Runner
	locker Locker
}

func New(runner Runner, locker Locker) *Firewall {
	return &Firewall{runner: runner, locker: locker}
}

// Setup builds the rule set for cfg. It first runs Restore so stale state
// from a crashed instance never accumulates, then creates the chains,
// inserts the entry points, and appends the nameserver and subnet rules.
//
// The returned divisor is the statistic-nth "every" value of the entry-point
// rule, or 0 when an unconditional jump was installed.
//
// Mutations are issued one at a time with no rollback; on error the partial
// rule set is left for the next Setup's restore pass to clean up.
func (fw *Firewall) Setup(ctx context.Context, cfg Config) (every int, err error) {
	cmd, err := cfg.Family.command()
	if err != nil {
		return 0, err
	}
	if fw.locker == nil {
		return 0, ErrMissingCoordinator
	}
	if !cfg.LocalAddr.IsValid() {
		return 0, errors.New("local address required for firewall setup")
	}

	if err := fw.Restore(ctx, cfg.Port, cfg.Family, cfg.UDP); err != nil {
		return 0, fmt.Errorf("pre-setup restore: %w", err)
	}

	ipt := func(args ...string) error {
		return fw.runner.Run(ctx, cmd, append([]string{"-t", table}, args...)...)
	}

	ch := Chains(cfg.Port)
	for _, chain := range []string{ch.Mark, ch.Divert, ch.TProxy} {
		if err := ipt("-N", chain); err != nil {
			return 0, err
		}
		if err := ipt("-F", chain); err != nil {
			return 0, err
		}
	}

	// Inbound entry point. Counting existing PREROUTING rules and inserting
	// ours must be atomic across instances: two instances inserting
	// unconditional jumps would shadow each other, so later instances get a
	// statistic-nth rule sharing traffic 1/N.
	err = fw.locker.WithLock(ctx, func() error {
		n, err := fw.ruleCount(ctx, cmd, "PREROUTING")
		if err != nil {
			return err
		}
		if n == 0 {
			return ipt("-I", "PREROUTING", "1", "-j", ch.TProxy)
		}
		every = n + 1
		return ipt("-I", "PREROUTING", "1",
			"-m", "statistic", "--mode", "nth",
			"--every", strconv.Itoa(every), "--packet", "0",
			"-j", ch.TProxy)
	})
	if err != nil {
		return 0, fmt.Errorf("entry-point rule: %w", err)
	}

	// Outbound entry point is scoped to this port's own chain and cannot
	// collide with other instances, so no lock is needed from here on.
	if err := ipt("-I", "OUTPUT", "1", "-j", ch.Mark); err != nil {
		return every, err
	}

	steps := [][]string{
		{"-A", ch.Divert, "-j", "MARK", "--set-mark", "1"},
		{"-A", ch.Divert, "-j", "ACCEPT"},
		{"-A", ch.TProxy, "-j", "RETURN",
			"--src", cfg.Family.loopback(), "--dest", cfg.Family.loopback()},
		{"-A", ch.TProxy, "-m", "socket", "-j", ch.Divert, "-m", "tcp", "-p", "tcp"},
	}

	local := hostPrefix(cfg.LocalAddr)
	bootstrap := cfg.Bootstrap
	if !bootstrap.IsValid() {
		bootstrap = DefaultBootstrap
	}

	// Keep locally originated control traffic out of the tunnel, except for
	// the bootstrap destination, and never intercept traffic addressed to
	// this host itself.
	steps = append(steps,
		[]string{"-A", ch.Mark, "-j", "RETURN",
			"--src", local, "!", "--dest", bootstrap.String()},
		[]string{"-A", ch.Mark, "-j", "RETURN", "--dest", local},
	)

	if cfg.UDP {
		steps = append(steps,
			[]string{"-A", ch.TProxy, "-m", "socket", "-j", ch.Divert, "-m", "udp", "-p", "udp"})
	}

	for _, ns := range cfg.NameServers {
		if ns.Family != cfg.Family {
			continue
		}
		dest := hostPrefix(ns.Addr)
		steps = append(steps,
			[]string{"-A", ch.Mark, "-j", "MARK", "--set-mark", "1",
				"--dest", dest, "--src", local,
				"-m", "udp", "-p", "udp", "--dport", dnsInterceptPort},
			[]string{"-A", ch.TProxy, "-j", "TPROXY", "--tproxy-mark", "0x1/0x1",
				"--dest", dest, "--src", local,
				"-m", "udp", "-p", "udp", "--dport", dnsInterceptPort,
				"--on-port", strconv.Itoa(cfg.DNSPort)},
		)
	}

	for _, sub := range sortedByWeight(cfg.Subnets) {
		steps = append(steps, subnetRules(ch, sub, "tcp", cfg.Port)...)
		if cfg.UDP {
			steps = append(steps, subnetRules(ch, sub, "udp", cfg.Port)...)
		}
	}

	for _, args := range steps {
		if err := ipt(args...); err != nil {
			return every, err
		}
	}
	return every, nil
}

// subnetRules emits the mark-chain and tproxy-chain rule pair for one subnet
// and one protocol. Excluded subnets get RETURN rules; included subnets get
// a mark rule plus a TPROXY redirect to port.
func subnetRules(ch ChainSet, sub Subnet, proto string, port int) [][]string {
	dest := sub.Prefix.String()

	match := []string{"-m", proto, "-p", proto}
	if sub.FirstPort != 0 {
		match = append(match, "--dport", fmt.Sprintf("%d:%d", sub.FirstPort, sub.LastPort))
	}

	if sub.Exclude {
		return [][]string{
			append([]string{"-A", ch.Mark, "-j", "RETURN", "--dest", dest}, match...),
			append([]string{"-A", ch.TProxy, "-j", "RETURN", "--dest", dest}, match...),
		}
	}

	mark := append([]string{"-A", ch.Mark, "-j", "MARK", "--set-mark", "1", "--dest", dest}, match...)
	redirect := append([]string{"-A", ch.TProxy, "-j", "TPROXY", "--tproxy-mark", "0x1/0x1", "--dest", dest}, match...)
	redirect = append(redirect, "--on-port", strconv.Itoa(port))
	return [][]string{mark, redirect}
}

// Restore removes the rule set for port, in the inverse order of Setup:
// entry-point rules first (a chain still referenced cannot be deleted), then
// flush-and-delete each chain. Every step is conditional on current state,
// so restoring a system that was never set up is a no-op.
func (fw *Firewall) Restore(ctx context.Context, port int, family Family, udp bool) error {
	cmd, err := family.command()
	if err != nil {
		return err
	}
	_ = udp // rule-set teardown is identical either way; kept for contract symmetry

	ch := Chains(port)

	if err := fw.deleteReferences(ctx, cmd, "OUTPUT", ch.Mark); err != nil {
		return err
	}
	if err := fw.deleteReferences(ctx, cmd, "PREROUTING", ch.TProxy); err != nil {
		return err
	}

	for _, chain := range []string{ch.Mark, ch.TProxy, ch.Divert} {
		if !fw.chainExists(ctx, cmd, chain) {
			continue
		}
		if err := fw.runner.Run(ctx, cmd, "-t", table, "-F", chain); err != nil {
			return err
		}
		if err := fw.runner.Run(ctx, cmd, "-t", table, "-X", chain); err != nil {
			return err
		}
	}
	return nil
}

// deleteReferences removes every rule in builtin that jumps to target,
// replaying the exact arguments reported by the live rule table. This
// reproduces statistic-match entry rules byte for byte without tracking the
// chosen divisor across process restarts.
func (fw *Firewall) deleteReferences(ctx context.Context, cmd, builtin, target string) error {
	out, err := fw.runner.Output(ctx, cmd, "-t", table, "-S", builtin)
	if err != nil {
		return fmt.Errorf("list %s: %w", builtin, err)
	}

	for line := range strings.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" || fields[1] != builtin {
			continue
		}
		if !jumpsTo(fields[2:], target) {
			continue
		}
		args := append([]string{"-t", table, "-D", builtin}, fields[2:]...)
		if err := fw.runner.Run(ctx, cmd, args...); err != nil {
			return err
		}
	}
	return nil
}

func jumpsTo(args []string, target string) bool {
	for i, a := range args {
		if a == "-j" && i+1 < len(args) && args[i+1] == target {
			return true
		}
	}
	return false
}

// ruleCount returns the number of rules currently in chain.
func (fw *Firewall) ruleCount(ctx context.Context, cmd, chain string) (int, error) {
	out, err := fw.runner.Output(ctx, cmd, "-t", table, "-S", chain)
	if err != nil {
		return 0, fmt.Errorf("count %s rules: %w", chain, err)
	}

	n := 0
	for line := range strings.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "-A" && fields[1] == chain {
			n++
		}
	}
	return n, nil
}

func (fw *Firewall) chainExists(ctx context.Context, cmd, chain string) bool {
	_, err := fw.runner.Output(ctx, cmd, "-t", table, "-S", chain)
	return err == nil
}

func hostPrefix(a netip.Addr) string {
	return netip.PrefixFrom(a, a.BitLen()).String()
}
