package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/varxint/sshuttle/internal/config"
	"github.com/varxint/sshuttle/internal/dialer"
	"github.com/varxint/sshuttle/internal/iptables"
	"github.com/varxint/sshuttle/internal/redlock"
	"github.com/varxint/sshuttle/internal/tproxy"
)

const udpBufSize = 4096

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen     = pflag.String("listen", "0.0.0.0:12300", "Transparent proxy listen address")
		dnsPort    = pflag.Int("dns-port", 0, "Local DNS listener port nameserver traffic is redirected to. 0 disables DNS interception.")
		subnetStrs = pflag.StringArray("subnet", nil, "Subnet to intercept, [!]cidr[:firstport-lastport]; leading ! excludes. Repeatable.")
		nsStrs     = pflag.StringArray("ns", nil, "DNS server address to force-redirect to the local DNS listener. Repeatable.")
		configPath = pflag.String("config", "", "Path to YAML config file supplying subnets/nameservers/interface. Flags take precedence.")
		iface      = pflag.String("interface", "eth0", "Interface carrying the host's externally reachable address")
		bootstrap  = pflag.String("bootstrap", "", "Always-routed bootstrap address exempted from the local-source bypass")

		upstream = pflag.String("upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | socks5://[user:pass@]host:port")

		udp          = pflag.Bool("udp", true, "Intercept UDP traffic (requires host ancillary-data support)")
		dialTimeout  = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose      = pflag.Bool("verbose", false, "Enable per-connection and per-packet error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if !tproxy.IsSupported {
		return errors.New("transparent interception is only supported on linux")
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *configPath != "" {
		f, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		*subnetStrs = append(f.Subnets, *subnetStrs...)
		*nsStrs = append(f.NameServers, *nsStrs...)
		if f.Interface != "" && !pflag.CommandLine.Changed("interface") {
			*iface = f.Interface
		}
		if f.Bootstrap != "" && *bootstrap == "" {
			*bootstrap = f.Bootstrap
		}
	}

	subnets := make([]iptables.Subnet, 0, len(*subnetStrs))
	for _, s := range *subnetStrs {
		sub, err := iptables.ParseSubnet(s)
		if err != nil {
			return fmt.Errorf("invalid --subnet: %w", err)
		}
		subnets = append(subnets, sub)
	}
	if len(subnets) == 0 {
		return errors.New("no subnets to intercept (set at least one --subnet)")
	}

	nameServers, err := parseNameServers(*nsStrs)
	if err != nil {
		return err
	}

	var bootstrapAddr netip.Addr
	if *bootstrap != "" {
		if bootstrapAddr, err = netip.ParseAddr(*bootstrap); err != nil {
			return fmt.Errorf("invalid --bootstrap: %w", err)
		}
	}

	d, err := dialer.New(dialer.Config{DialTimeout: *dialTimeout, KeepAlive: ka}, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	resolver := tproxy.NewResolver(*verbose)
	caps := resolver.Capability()
	udpEnabled := *udp && caps.UDP
	if *udp && !caps.UDP {
		log.Print("host lacks original-destination ancillary support; disabling UDP and DNS interception")
	}

	host, portStr, err := net.SplitHostPort(*listen)
	if err != nil {
		return fmt.Errorf("invalid --listen: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid --listen port: %w", err)
	}

	// The coordinator must be configured before any firewall mutation.
	lockCfg, err := redlock.FromEnv()
	if err != nil {
		return err
	}
	locker := redlock.New(lockCfg)
	defer locker.Close()

	fw := iptables.New(iptables.ExecRunner{Verbose: *verbose}, locker)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, family := range subnetFamilies(subnets) {
		local, err := iptables.InterfaceAddr(*iface, family)
		if err != nil {
			return err
		}

		cfg := iptables.Config{
			Port:        port,
			DNSPort:     *dnsPort,
			Family:      family,
			Subnets:     familySubnets(subnets, family),
			NameServers: nameServers,
			UDP:         udpEnabled,
			LocalAddr:   local,
			Bootstrap:   bootstrapAddr,
		}
		if *dnsPort == 0 || !caps.DNS {
			cfg.NameServers = nil
		}

		every, err := fw.Setup(ctx, cfg)
		if err != nil {
			return fmt.Errorf("firewall setup (%s): %w", family, err)
		}
		if every > 0 {
			log.Printf("sharing entry-point traffic 1/%d with other instances", every)
		}
		defer func(family iptables.Family) {
			if err := fw.Restore(context.Background(), port, family, udpEnabled); err != nil {
				log.Printf("firewall restore (%s): %v", family, err)
			}
		}(family)
	}

	ln, err := tproxy.ListenTransparentTCP(*listen, ka)
	if err != nil {
		return fmt.Errorf("tproxy listen: %w", err)
	}
	srv := tproxy.NewServer(ctx, d, *verbose)
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
			return fmt.Errorf("tproxy serve: %w", err)
		}
		return nil
	})
	log.Printf("tproxy listening on %s", *listen)

	if udpEnabled {
		network := "udp4"
		if strings.Contains(host, ":") {
			network = "udp6"
		}
		uln, err := tproxy.ListenTransparentUDP(network, *listen, true)
		if err != nil {
			return fmt.Errorf("tproxy udp listen: %w", err)
		}
		usrv := tproxy.NewUDPServer(ctx, resolver, *verbose)
		context.AfterFunc(ctx, func() {
			_ = uln.Close()
		})

		g.Go(func() error {
			if err := usrv.Serve(uln, udpBufSize); err != nil && ctx.Err() == nil {
				return fmt.Errorf("tproxy udp serve: %w", err)
			}
			return nil
		})
		log.Printf("tproxy udp listening on %s", *listen)
	}

	err = g.Wait()

	log.Print("shutting down")
	return err
}

func parseNameServers(specs []string) ([]iptables.NameServer, error) {
	out := make([]iptables.NameServer, 0, len(specs))
	for _, s := range specs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --ns: %w", err)
		}
		family := iptables.IPv4
		if addr.Is6() {
			family = iptables.IPv6
		}
		out = append(out, iptables.NameServer{Family: family, Addr: addr})
	}
	return out, nil
}

func subnetFamilies(subnets []iptables.Subnet) []iptables.Family {
	var out []iptables.Family
	seen := map[iptables.Family]bool{}
	for _, s := range subnets {
		f := s.Family()
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func familySubnets(subnets []iptables.Subnet, family iptables.Family) []iptables.Subnet {
	var out []iptables.Subnet
	for _, s := range subnets {
		if s.Family() == family {
			out = append(out, s)
		}
	}
	return out
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
