package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"socialbox/pkg/auth"
	"socialbox/pkg/config"
	"socialbox/pkg/discovery"
	"socialbox/pkg/methods"
	"socialbox/pkg/peer"
	"socialbox/pkg/rpc"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	bgLightColor = lipgloss.Color("#44475A")
	fgColor      = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(mutedColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Padding(0, 1)
)

func resolveCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "resolve <domain|address>",
		Short: "Resolve a domain's discovery record or a peer's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			target := strings.ToLower(args[0])
			domain := target
			var address *peer.Address
			if strings.Contains(target, "@") {
				a, err := peer.Parse(target)
				if err != nil {
					return err
				}
				address, domain = &a, a.Domain
			}

			rec, err := lookupRecord(ctx, cfg, domain, logger)
			if err != nil {
				return err
			}
			printRecord(domain, rec)

			if address == nil {
				return nil
			}
			profile, err := fetchProfile(ctx, cfg, rec, *address)
			if err != nil {
				return err
			}
			printProfile(profile)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "overall timeout")
	return cmd
}

func lookupRecord(ctx context.Context, cfg *config.Config, domain string, logger *zap.Logger) (*discovery.Record, error) {
	dns, err := discovery.NewDNSLookup(cfg.DNS.Nameserver, cfg.DNS.Timeout.Duration(), logger)
	if err != nil {
		return nil, err
	}
	lookup := discovery.NewMockLookup(dns)
	for d, raw := range cfg.DNS.Mocks {
		lookup.Add(d, raw)
	}

	txts, err := lookup.LookupTXT(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", domain, err)
	}
	raw := discovery.JoinTXT(txts)
	if raw == "" {
		return nil, fmt.Errorf("%s publishes no %s record", domain, discovery.ProtocolTag)
	}
	return discovery.ParseRecord(raw)
}

// fetchProfile asks the peer's own server for its profile over an anonymous
// session.
func fetchProfile(ctx context.Context, cfg *config.Config, rec *discovery.Record, address peer.Address) (*types.ProfileSummary, error) {
	builder, err := auth.NewTLSConfigBuilder(cfg.Security)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := builder.BuildClientConfig()
	if err != nil {
		return nil, err
	}
	conn, err := rpc.Dial(rec.RPCEndpoint, rpc.DialOptions{TLS: tlsConfig, Insecure: cfg.Security.Insecure})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pub, priv, err := trust.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	key, err := trust.DecodePrivateKey(priv)
	if err != nil {
		return nil, err
	}

	client := rpc.NewClient(conn, nil)
	var id string
	err = client.Call(ctx, methods.MethodCreateSession, map[string]any{
		"identify":       peer.UsernameAnonymous + "@" + address.Domain,
		"public_key":     pub,
		"client_name":    "socialbox-cli",
		"client_version": version,
	}, &id)
	if err != nil {
		return nil, fmt.Errorf("failed to open session on %s: %w", rec.RPCEndpoint, err)
	}

	session := client.WithSession(id, key)
	defer session.Call(context.Background(), methods.MethodCloseSession, nil, nil)

	var profile types.ProfileSummary
	if err := session.Call(ctx, methods.MethodResolvePeer, map[string]any{"peer": address.String()}, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return headerStyle
			}
			return rowStyle
		})
}

func printRecord(domain string, rec *discovery.Record) {
	state := lipgloss.NewStyle().Foreground(accentColor).Render("VALID")
	expires := "never"
	if rec.Expires != 0 {
		expires = time.Unix(rec.Expires, 0).UTC().Format(time.RFC3339)
	}
	if rec.Expired(time.Now()) {
		state = lipgloss.NewStyle().Foreground(dangerColor).Render("EXPIRED")
	}

	t := newTable().
		Row("DOMAIN", domain).
		Row("ENDPOINT", rec.RPCEndpoint).
		Row("SIGNING KEY", rec.PublicSigningKey).
		Row("EXPIRES", expires).
		Row("STATE", state)

	fmt.Println(titleStyle.Render("Discovery record"))
	fmt.Println(t.Render())
}

func printProfile(p *types.ProfileSummary) {
	t := newTable().
		Row("ADDRESS", p.Address).
		Row("DISPLAY NAME", p.DisplayName)

	fields := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	for _, name := range fields {
		t.Row(strings.ToUpper(strings.ReplaceAll(name, "_", " ")), p.Fields[name])
	}
	if p.Updated != 0 {
		t.Row("UPDATED", time.Unix(p.Updated, 0).UTC().Format(time.RFC3339))
	}

	fmt.Println(titleStyle.Render("Peer"))
	fmt.Println(t.Render())
}
