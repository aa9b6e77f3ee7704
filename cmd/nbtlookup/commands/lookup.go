package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/absfs/cifs/netbios"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

// errLookupFailed reports that at least one argument did not resolve.
var errLookupFailed = errors.New("lookup failed")

// parseNameType parses a hex name type such as "20", "1d" or "0x1B".
func parseNameType(s string) (byte, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid name type %q", s)
	}
	return byte(v), nil
}

func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return ip.To4(), nil
}

// buildConfig loads the resolver configuration and applies the flags.
func buildConfig(o *options, stderr io.Writer) (*netbios.Config, error) {
	cfg, err := netbios.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	if len(o.wins) > 0 {
		cfg.WINSServers = cfg.WINSServers[:0]
		for _, s := range o.wins {
			ip, err := parseIPv4(s)
			if err != nil {
				return nil, fmt.Errorf("--wins: %w", err)
			}
			cfg.WINSServers = append(cfg.WINSServers, ip)
		}
	}

	switch {
	case o.order != "":
		order, err := netbios.ParseResolveOrder(o.order)
		if err != nil {
			return nil, fmt.Errorf("--order: %w", err)
		}
		if len(order) == 0 {
			return nil, errors.New("--order: no resolvers given")
		}
		cfg.ResolveOrder = order
	case len(cfg.WINSServers) > 0 && !slices.Contains(cfg.ResolveOrder, netbios.ResolverWINS):
		// WINS servers given on the command line join a default order.
		i := slices.Index(cfg.ResolveOrder, netbios.ResolverBcast)
		if i < 0 {
			i = len(cfg.ResolveOrder)
		}
		cfg.ResolveOrder = slices.Insert(cfg.ResolveOrder, i, netbios.ResolverWINS)
	}

	if o.timeout > 0 {
		cfg.RetryTimeout = o.timeout
	}
	if o.scope != "" {
		cfg.Scope = o.scope
	}
	if o.verbose {
		cfg.Logger = log.New(stderr, "nbtlookup: ", log.Lmicroseconds)
	}
	return cfg, nil
}

// target returns the address queries are sent to, or nil to follow the
// resolve order.
func target(o *options, cfg *netbios.Config) (net.IP, error) {
	switch {
	case o.bcast:
		return cfg.BroadcastAddress, nil
	case o.unicast != "":
		return parseIPv4(o.unicast)
	}
	return nil, nil
}

func runLookup(cmd *cobra.Command, o *options, args []string) error {
	cfg, err := buildConfig(o, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	hexCode, err := parseNameType(o.nameType)
	if err != nil {
		return err
	}
	svr, err := target(o, cfg)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	if o.metrics {
		reg = prometheus.NewRegistry()
		cfg.Metrics = netbios.NewPrometheusMetrics(reg)
	}

	client, err := netbios.NewClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	failed := 0
	for _, arg := range args {
		var err error
		switch {
		case o.status:
			err = printStatus(ctx, out, client, arg)
		case o.all:
			err = printAll(ctx, out, client, arg)
		case o.workgroup:
			var addr *netbios.Address
			if addr, err = client.LookupServerOrWorkgroup(ctx, arg, svr); err == nil {
				fmt.Fprintf(out, "%s %s\n", addr.HostAddress(), addr.Name())
			}
		default:
			var addr *netbios.Address
			if addr, err = client.GetByName(ctx, arg, hexCode, cfg.Scope, svr); err == nil {
				fmt.Fprintf(out, "%s %s\n", addr.HostAddress(), addr.Name())
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cmd.PrintErrf("%s: %v\n", arg, err)
			failed++
		}
	}

	if reg != nil {
		if err := writeMetrics(out, reg); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w for %d of %d names", errLookupFailed, failed, len(args))
	}
	return nil
}

// printStatus prints the name table of host in nbtstat form.
func printStatus(ctx context.Context, w io.Writer, client *netbios.Client, host string) error {
	addrs, err := client.GetAllByAddress(ctx, host)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Looking up status of %s\n", addrs[0].HostAddress())
	for _, a := range addrs {
		line, err := statusLine(ctx, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\t%s\n", line)
	}
	mac, err := addrs[0].MacAddress(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n\tMAC Address = %s\n\n", strings.ToUpper(strings.ReplaceAll(mac.String(), ":", "-")))
	return nil
}

func statusLine(ctx context.Context, a *netbios.Address) (string, error) {
	group, err := a.IsGroupAddress(ctx)
	if err != nil {
		return "", err
	}
	nodeType, err := a.NodeType(ctx)
	if err != nil {
		return "", err
	}
	active, err := a.IsActive(ctx)
	if err != nil {
		return "", err
	}
	permanent, err := a.IsPermanent(ctx)
	if err != nil {
		return "", err
	}
	conflict, err := a.IsInConflict(ctx)
	if err != nil {
		return "", err
	}

	name := a.Name()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-15s <%02x> ", name.Name, name.HexCode)
	if group {
		sb.WriteString("<GROUP> ")
	} else {
		sb.WriteString("-       ")
	}
	sb.WriteString(nodeType.String())
	if active {
		sb.WriteString(" <ACTIVE>")
	}
	if permanent {
		sb.WriteString(" <PERMANENT>")
	}
	if conflict {
		sb.WriteString(" <CONFLICT>")
	}
	return sb.String(), nil
}

// printAll resolves host the way a file client does and prints every address.
func printAll(ctx context.Context, w io.Writer, client *netbios.Client, host string) error {
	addrs, err := client.GetAllByName(ctx, host, false)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		fmt.Fprintf(w, "%s %s\n", a.HostAddress(), a.HostName())
	}
	return nil
}

func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
