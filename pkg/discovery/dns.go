package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"socialbox/pkg/types"
)

const (
	defaultResolvConf = "/etc/resolv.conf"
	defaultTimeout    = 5 * time.Second
)

// DNSLookup queries TXT records from a single nameserver.
type DNSLookup struct {
	nameserver string
	client     *dns.Client
	logger     *zap.Logger
}

// NewDNSLookup creates a TXT lookup against nameserver ("ip:port"). An
// empty nameserver uses the first server in /etc/resolv.conf.
func NewDNSLookup(nameserver string, timeout time.Duration, logger *zap.Logger) (*DNSLookup, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	if nameserver == "" {
		conf, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", defaultResolvConf, err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no nameservers in %s", defaultResolvConf)
		}
		nameserver = net.JoinHostPort(conf.Servers[0], conf.Port)
	} else if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}

	return &DNSLookup{
		nameserver: nameserver,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
		logger:     logger,
	}, nil
}

// Nameserver returns the address queries are sent to.
func (l *DNSLookup) Nameserver() string {
	return l.nameserver
}

func (l *DNSLookup) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, rtt, err := l.client.ExchangeContext(ctx, msg, l.nameserver)
	if err != nil {
		return nil, types.Errorf(types.KindResolutionFailed, "TXT lookup for %s failed: %w", domain, err)
	}

	// Fall back to TCP when the answer did not fit in a datagram
	if resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: l.client.Timeout}
		resp, rtt, err = tcp.ExchangeContext(ctx, msg, l.nameserver)
		if err != nil {
			return nil, types.Errorf(types.KindResolutionFailed, "TXT lookup for %s failed over tcp: %w", domain, err)
		}
	}

	l.logger.Debug("TXT lookup completed",
		zap.String("domain", domain),
		zap.String("rcode", dns.RcodeToString[resp.Rcode]),
		zap.Duration("rtt", rtt))

	if resp.Rcode != dns.RcodeSuccess {
		return nil, types.Errorf(types.KindResolutionFailed, "TXT lookup for %s returned %s", domain, dns.RcodeToString[resp.Rcode])
	}

	var txts []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}
	if len(txts) == 0 {
		return nil, types.Errorf(types.KindResolutionFailed, "no TXT records for %s", domain)
	}
	return txts, nil
}
