package iptables

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

// fakeTable is an in-memory stand-in for the kernel's mangle table. It
// implements the same verbs the real administration tool accepts, including
// their failure modes (creating an existing chain, deleting a missing rule),
// so idempotence bugs in the builder surface as test failures.
type fakeTable struct {
	mu     sync.Mutex
	chains map[string][]string
	user   map[string]bool
	calls  int
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		chains: map[string][]string{"PREROUTING": nil, "OUTPUT": nil},
		user:   map[string]bool{},
	}
}

func (f *fakeTable) Run(_ context.Context, cmd string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if cmd != "iptables" && cmd != "ip6tables" {
		return fmt.Errorf("unexpected command %q", cmd)
	}
	if len(args) < 3 || args[0] != "-t" || args[1] != "mangle" {
		return fmt.Errorf("expected -t mangle, got %v", args)
	}
	verb, rest := args[2], args[3:]

	switch verb {
	case "-N":
		chain := rest[0]
		if _, ok := f.chains[chain]; ok {
			return fmt.Errorf("chain %s already exists", chain)
		}
		f.chains[chain] = nil
		f.user[chain] = true
		return nil
	case "-F":
		chain := rest[0]
		if _, ok := f.chains[chain]; !ok {
			return fmt.Errorf("chain %s does not exist", chain)
		}
		f.chains[chain] = nil
		return nil
	case "-X":
		chain := rest[0]
		rules, ok := f.chains[chain]
		if !ok || !f.user[chain] {
			return fmt.Errorf("cannot delete chain %s", chain)
		}
		if len(rules) > 0 {
			return fmt.Errorf("chain %s is not empty", chain)
		}
		delete(f.chains, chain)
		delete(f.user, chain)
		return nil
	case "-I":
		chain, pos, rule := rest[0], rest[1], strings.Join(rest[2:], " ")
		if _, ok := f.chains[chain]; !ok {
			return fmt.Errorf("chain %s does not exist", chain)
		}
		if pos != "1" {
			return fmt.Errorf("unsupported insert position %s", pos)
		}
		f.chains[chain] = append([]string{rule}, f.chains[chain]...)
		return nil
	case "-A":
		chain, rule := rest[0], strings.Join(rest[1:], " ")
		if _, ok := f.chains[chain]; !ok {
			return fmt.Errorf("chain %s does not exist", chain)
		}
		f.chains[chain] = append(f.chains[chain], rule)
		return nil
	case "-D":
		chain, rule := rest[0], strings.Join(rest[1:], " ")
		rules, ok := f.chains[chain]
		if !ok {
			return fmt.Errorf("chain %s does not exist", chain)
		}
		i := slices.Index(rules, rule)
		if i < 0 {
			return fmt.Errorf("no rule %q in %s", rule, chain)
		}
		f.chains[chain] = slices.Delete(rules, i, i+1)
		return nil
	default:
		return fmt.Errorf("unsupported verb %s", verb)
	}
}

func (f *fakeTable) Output(_ context.Context, cmd string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(args) != 4 || args[0] != "-t" || args[1] != "mangle" || args[2] != "-S" {
		return "", fmt.Errorf("unexpected query %s %v", cmd, args)
	}
	chain := args[3]
	rules, ok := f.chains[chain]
	if !ok {
		return "", fmt.Errorf("chain %s does not exist", chain)
	}

	var b strings.Builder
	if f.user[chain] {
		fmt.Fprintf(&b, "-N %s\n", chain)
	} else {
		fmt.Fprintf(&b, "-P %s ACCEPT\n", chain)
	}
	for _, r := range rules {
		fmt.Fprintf(&b, "-A %s %s\n", chain, r)
	}
	return b.String(), nil
}

func (f *fakeTable) rules(chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.chains[chain])
}

func (f *fakeTable) snapshot() map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]string{}
	for chain, rules := range f.chains {
		out[chain] = slices.Clone(rules)
	}
	return out
}

// fakeLocker serializes critical sections and fails the test if two run
// concurrently.
type fakeLocker struct {
	t  *testing.T
	mu sync.Mutex
	in bool
}

func (l *fakeLocker) WithLock(_ context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.in {
		l.t.Error("two critical sections overlapped")
	}
	l.in = true
	defer func() { l.in = false }()
	return fn()
}

func testConfig(port int) Config {
	return Config{
		Port:    port,
		DNSPort: 15353,
		Family:  IPv4,
		Subnets: []Subnet{
			{Prefix: netip.MustParsePrefix("10.0.0.0/8")},
			{Prefix: netip.MustParsePrefix("10.1.2.0/24"), Exclude: true},
		},
		NameServers: []NameServer{
			{Family: IPv4, Addr: netip.MustParseAddr("203.0.113.53")},
		},
		UDP:       true,
		LocalAddr: netip.MustParseAddr("10.0.0.5"),
	}
}

func TestSetupMissingCoordinator(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, nil)

	if _, err := fw.Setup(context.Background(), testConfig(12300)); !errors.Is(err, ErrMissingCoordinator) {
		t.Fatalf("err=%v, want ErrMissingCoordinator", err)
	}
	if ft.calls != 0 {
		t.Fatalf("%d mutations issued before configuration check", ft.calls)
	}
}

func TestSetupUnsupportedFamily(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})

	cfg := testConfig(12300)
	cfg.Family = Family(99)
	if _, err := fw.Setup(context.Background(), cfg); !errors.Is(err, ErrUnsupportedFamily) {
		t.Fatalf("err=%v, want ErrUnsupportedFamily", err)
	}
	if ft.calls != 0 {
		t.Fatalf("%d mutations issued for unsupported family", ft.calls)
	}

	if err := fw.Restore(context.Background(), 12300, Family(99), true); !errors.Is(err, ErrUnsupportedFamily) {
		t.Fatalf("restore err=%v, want ErrUnsupportedFamily", err)
	}
}

func TestSetupBuildsChains(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})

	every, err := fw.Setup(context.Background(), testConfig(12300))
	if err != nil {
		t.Fatal(err)
	}
	if every != 0 {
		t.Fatalf("every=%d, want unconditional entry point on empty PREROUTING", every)
	}

	ch := Chains(12300)
	if got := ft.rules("PREROUTING"); len(got) != 1 || got[0] != "-j "+ch.TProxy {
		t.Fatalf("PREROUTING=%v", got)
	}
	if got := ft.rules("OUTPUT"); len(got) != 1 || got[0] != "-j "+ch.Mark {
		t.Fatalf("OUTPUT=%v", got)
	}
	if got := ft.rules(ch.Divert); !slices.Equal(got, []string{
		"-j MARK --set-mark 1",
		"-j ACCEPT",
	}) {
		t.Fatalf("divert=%v", got)
	}

	tp := ft.rules(ch.TProxy)
	if len(tp) == 0 || tp[0] != "-j RETURN --src 127.0.0.1/32 --dest 127.0.0.1/32" {
		t.Fatalf("loopback exemption missing or misplaced: %v", tp)
	}
	if !slices.Contains(tp, "-m socket -j "+ch.Divert+" -m tcp -p tcp") {
		t.Fatalf("tcp socket divert missing: %v", tp)
	}
	if !slices.Contains(tp, "-m socket -j "+ch.Divert+" -m udp -p udp") {
		t.Fatalf("udp socket divert missing: %v", tp)
	}

	mark := ft.rules(ch.Mark)
	if !slices.Contains(mark, "-j RETURN --src 10.0.0.5/32 ! --dest 1.0.0.0") {
		t.Fatalf("local-source bypass missing: %v", mark)
	}
	if !slices.Contains(mark, "-j RETURN --dest 10.0.0.5/32") {
		t.Fatalf("local-destination bypass missing: %v", mark)
	}
}

func TestNameServerRules(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})

	if _, err := fw.Setup(context.Background(), testConfig(12300)); err != nil {
		t.Fatal(err)
	}

	ch := Chains(12300)
	wantMark := "-j MARK --set-mark 1 --dest 203.0.113.53/32 --src 10.0.0.5/32 -m udp -p udp --dport 15353"
	if !slices.Contains(ft.rules(ch.Mark), wantMark) {
		t.Fatalf("mark chain missing nameserver rule:\n%v", ft.rules(ch.Mark))
	}

	wantTProxy := "-j TPROXY --tproxy-mark 0x1/0x1 --dest 203.0.113.53/32 --src 10.0.0.5/32 -m udp -p udp --dport 15353 --on-port 15353"
	if !slices.Contains(ft.rules(ch.TProxy), wantTProxy) {
		t.Fatalf("tproxy chain missing nameserver redirect:\n%v", ft.rules(ch.TProxy))
	}
}

func TestNameServerFamilyFiltered(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})

	cfg := testConfig(12300)
	cfg.NameServers = append(cfg.NameServers,
		NameServer{Family: IPv6, Addr: netip.MustParseAddr("2001:db8::53")})

	if _, err := fw.Setup(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	for _, rule := range ft.rules(Chains(12300).TProxy) {
		if strings.Contains(rule, "2001:db8::53") {
			t.Fatalf("IPv6 nameserver leaked into IPv4 rule set: %s", rule)
		}
	}
}

func TestSubnetRuleOrdering(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})

	if _, err := fw.Setup(context.Background(), testConfig(12300)); err != nil {
		t.Fatal(err)
	}

	// The excluded /24 overlaps the included /8; first-match-wins evaluation
	// requires its RETURN rules to precede the broader TPROXY rules.
	tp := ft.rules(Chains(12300).TProxy)
	exclude := slices.IndexFunc(tp, func(r string) bool {
		return strings.HasPrefix(r, "-j RETURN --dest 10.1.2.0/24")
	})
	include := slices.IndexFunc(tp, func(r string) bool {
		return strings.HasPrefix(r, "-j TPROXY --tproxy-mark 0x1/0x1 --dest 10.0.0.0/8")
	})
	if exclude < 0 || include < 0 {
		t.Fatalf("missing subnet rules: %v", tp)
	}
	if exclude > include {
		t.Fatalf("excluded /24 at %d after included /8 at %d", exclude, include)
	}
}

func TestSubnetPortRange(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})

	cfg := testConfig(12300)
	cfg.Subnets = []Subnet{
		{Prefix: netip.MustParsePrefix("192.0.2.0/24"), FirstPort: 80, LastPort: 443},
	}

	if _, err := fw.Setup(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	tp := ft.rules(Chains(12300).TProxy)
	wantTCP := "-j TPROXY --tproxy-mark 0x1/0x1 --dest 192.0.2.0/24 -m tcp -p tcp --dport 80:443 --on-port 12300"
	wantUDP := "-j TPROXY --tproxy-mark 0x1/0x1 --dest 192.0.2.0/24 -m udp -p udp --dport 80:443 --on-port 12300"
	if !slices.Contains(tp, wantTCP) {
		t.Fatalf("tcp port-range rule missing:\n%v", tp)
	}
	if !slices.Contains(tp, wantUDP) {
		t.Fatalf("udp port-range rule missing:\n%v", tp)
	}
}

func TestUDPDisabledOmitsUDPRules(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})

	cfg := testConfig(12300)
	cfg.UDP = false
	if _, err := fw.Setup(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	for _, chain := range []string{Chains(12300).Mark, Chains(12300).TProxy} {
		for _, rule := range ft.rules(chain) {
			if strings.Contains(rule, "-p udp") && !strings.Contains(rule, "--dport 15353") {
				t.Fatalf("udp subnet rule emitted with UDP disabled: %s", rule)
			}
		}
	}
}

func TestRestoreIdempotent(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})

	for range 2 {
		if err := fw.Restore(context.Background(), 12300, IPv4, true); err != nil {
			t.Fatal(err)
		}
	}

	want := newFakeTable().snapshot()
	if got := ft.snapshot(); !mapsEqual(got, want) {
		t.Fatalf("restore on clean table mutated state: %v", got)
	}
}

func TestSetupRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})
	cfg := testConfig(12300)

	if _, err := fw.Setup(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	want := ft.snapshot()

	if err := fw.Restore(context.Background(), cfg.Port, cfg.Family, cfg.UDP); err != nil {
		t.Fatal(err)
	}
	if got := ft.snapshot(); !mapsEqual(got, newFakeTable().snapshot()) {
		t.Fatalf("restore left residue: %v", got)
	}

	if _, err := fw.Setup(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := ft.snapshot(); !mapsEqual(got, want) {
		t.Fatalf("second setup differs from first:\ngot  %v\nwant %v", got, want)
	}
}

func TestSetupOnStaleState(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	fw := New(ft, &fakeLocker{t: t})
	cfg := testConfig(12300)

	if _, err := fw.Setup(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	want := ft.snapshot()

	// A crashed instance leaves its rule set behind; setup on top of it must
	// converge to the same state as setup on a clean system.
	if _, err := fw.Setup(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := ft.snapshot(); !mapsEqual(got, want) {
		t.Fatalf("setup on stale state differs:\ngot  %v\nwant %v", got, want)
	}
}

func TestEntryPointLoadBalanced(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	ft.chains["PREROUTING"] = []string{"-j DOCKER"}
	fw := New(ft, &fakeLocker{t: t})

	every, err := fw.Setup(context.Background(), testConfig(12300))
	if err != nil {
		t.Fatal(err)
	}
	if every != 2 {
		t.Fatalf("every=%d, want 2 with one preexisting PREROUTING rule", every)
	}

	got := ft.rules("PREROUTING")
	want := "-m statistic --mode nth --every 2 --packet 0 -j " + Chains(12300).TProxy
	if len(got) != 2 || got[0] != want {
		t.Fatalf("PREROUTING=%v, want head rule %q", got, want)
	}

	// Teardown must reproduce the exact statistic-match arguments.
	if err := fw.Restore(context.Background(), 12300, IPv4, true); err != nil {
		t.Fatal(err)
	}
	if got := ft.rules("PREROUTING"); !slices.Equal(got, []string{"-j DOCKER"}) {
		t.Fatalf("PREROUTING after restore=%v", got)
	}
}

func TestConcurrentSetup(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	lk := &fakeLocker{t: t}

	var g errgroup.Group
	everies := make([]int, 2)
	for i, port := range []int{12300, 12301} {
		g.Go(func() error {
			fw := New(ft, lk)
			every, err := fw.Setup(context.Background(), testConfig(port))
			everies[i] = every
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	slices.Sort(everies)
	if !slices.Equal(everies, []int{0, 2}) {
		t.Fatalf("everies=%v, want one unconditional and one every=2", everies)
	}

	pre := ft.rules("PREROUTING")
	if len(pre) != 2 {
		t.Fatalf("PREROUTING=%v", pre)
	}
	var plain, balanced int
	for _, r := range pre {
		if strings.Contains(r, "-m statistic --mode nth --every 2 --packet 0") {
			balanced++
		} else if strings.HasPrefix(r, "-j sshuttle-t-") {
			plain++
		}
	}
	if plain != 1 || balanced != 1 {
		t.Fatalf("PREROUTING=%v, want one plain and one balanced entry", pre)
	}
}

func mapsEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !slices.Equal(va, vb) {
			return false
		}
	}
	return true
}
