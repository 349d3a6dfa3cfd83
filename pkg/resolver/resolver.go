// Package resolver maps a domain to its Socialbox server through discovery
// records, with a TTL-bounded cache in front of the lookups.
package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"socialbox/pkg/config"
	"socialbox/pkg/discovery"
	"socialbox/pkg/metrics"
	"socialbox/pkg/peer"
	"socialbox/pkg/types"
)

// defaultLookupTimeout bounds a shared lookup when no DNS timeout is set.
const defaultLookupTimeout = 10 * time.Second

// ServerResolver resolves domains to discovery records.
type ServerResolver struct {
	cache   *Cache
	lookup  discovery.Lookup
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	domain  string
	local   discovery.Record
	ttl     time.Duration
	timeout time.Duration

	group singleflight.Group
}

// LocalRecord is the discovery record this server should publish.
func LocalRecord(cfg *config.Config) *discovery.Record {
	return &discovery.Record{
		RPCEndpoint:      cfg.Instance.RPCEndpoint,
		PublicSigningKey: cfg.Cryptography.HostPublicKey,
		Expires:          cfg.Cryptography.HostKeyExpires,
	}
}

// New creates a resolver. clk may be nil for the wall clock and mt may be
// nil to skip metrics.
func New(cache *Cache, lookup discovery.Lookup, cfg *config.Config, clk clock.Clock, mt *metrics.Metrics, logger *zap.Logger) *ServerResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ServerResolver{
		cache:   cache,
		lookup:  lookup,
		clock:   clk,
		metrics: mt,
		logger:  logger,
		domain:  strings.ToLower(cfg.Instance.Domain),
		local:   *LocalRecord(cfg),
		ttl:     cfg.Policies.PeerSyncInterval.Duration(),
		timeout: cfg.DNS.Timeout.Duration(),
	}
}

// TTL is how long a resolution is trusted.
func (r *ServerResolver) TTL() time.Duration {
	return r.ttl
}

// Resolve returns the server for domain. The local domain is answered from
// configuration. Otherwise a fresh cache entry is returned as is, and a
// missing or stale one triggers a lookup whose result replaces it. A stale
// entry is never returned.
func (r *ServerResolver) Resolve(ctx context.Context, domain string) (*ResolvedServer, error) {
	domain, err := normalizeDomain(domain)
	if err != nil {
		return nil, err
	}

	if domain == r.domain {
		return &ResolvedServer{Domain: domain, Record: r.local, ResolvedAt: r.clock.Now()}, nil
	}

	r.inc(func(m *metrics.Metrics) { m.ResolutionLookups.Inc() })

	entry, ok, err := r.cache.Get(ctx, domain)
	if err != nil {
		r.logger.Warn("Resolution cache unavailable", zap.String("domain", domain), zap.Error(err))
	}
	if ok && !IsStale(entry, r.clock.Now(), r.ttl) {
		r.inc(func(m *metrics.Metrics) { m.ResolutionHits.Inc() })
		return entry, nil
	}

	r.inc(func(m *metrics.Metrics) { m.ResolutionMisses.Inc() })
	return r.refresh(ctx, domain)
}

// Refresh performs a lookup regardless of what is cached.
func (r *ServerResolver) Refresh(ctx context.Context, domain string) (*ResolvedServer, error) {
	domain, err := normalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	if domain == r.domain {
		return r.Resolve(ctx, domain)
	}
	return r.refresh(ctx, domain)
}

// Forget drops the cached entry for domain.
func (r *ServerResolver) Forget(ctx context.Context, domain string) error {
	domain, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	return r.cache.Delete(ctx, domain)
}

// refresh collapses concurrent lookups of the same domain into one. The
// shared lookup is detached from any single caller so one caller giving up
// does not fail the others.
func (r *ServerResolver) refresh(ctx context.Context, domain string) (*ResolvedServer, error) {
	ch := r.group.DoChan(domain, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout())
		defer cancel()
		return r.fetch(shared, domain)
	})
	select {
	case <-ctx.Done():
		return nil, types.Errorf(types.KindResolutionFailed, "resolution of %s abandoned: %w", domain, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		entry := *res.Val.(*ResolvedServer)
		return &entry, nil
	}
}

func (r *ServerResolver) lookupTimeout() time.Duration {
	if r.timeout > 0 {
		return r.timeout
	}
	return defaultLookupTimeout
}

func (r *ServerResolver) fetch(ctx context.Context, domain string) (*ResolvedServer, error) {
	start := r.clock.Now()
	txts, err := r.lookup.LookupTXT(ctx, domain)
	r.inc(func(m *metrics.Metrics) { m.ResolutionLatency.Observe(r.clock.Since(start).Seconds()) })
	if err != nil {
		return nil, r.fail(domain, types.Errorf(types.KindResolutionFailed, "failed to look up %s: %w", domain, err))
	}

	raw := discovery.JoinTXT(txts)
	if raw == "" {
		return nil, r.fail(domain, types.Errorf(types.KindResolutionFailed, "%s publishes no socialbox record", domain))
	}

	record, err := discovery.ParseRecord(raw)
	if err != nil {
		return nil, r.fail(domain, types.Errorf(types.KindResolutionFailed, "bad discovery record for %s: %w", domain, err))
	}

	now := r.clock.Now()
	if record.Expired(now) {
		return nil, r.fail(domain, types.Errorf(types.KindResolutionFailed, "discovery record for %s expired at %d", domain, record.Expires))
	}

	entry := &ResolvedServer{Domain: domain, Record: *record, ResolvedAt: now}
	if err := r.cache.Put(ctx, entry); err != nil {
		r.logger.Warn("Failed to cache resolved server", zap.String("domain", domain), zap.Error(err))
	}

	r.logger.Debug("Resolved server",
		zap.String("domain", domain),
		zap.String("endpoint", record.RPCEndpoint))
	return entry, nil
}

func (r *ServerResolver) fail(domain string, err error) error {
	r.inc(func(m *metrics.Metrics) { m.ResolutionFailures.Inc() })
	r.logger.Warn("Server resolution failed", zap.String("domain", domain), zap.Error(err))
	return err
}

func (r *ServerResolver) inc(fn func(*metrics.Metrics)) {
	if r.metrics != nil {
		fn(r.metrics)
	}
}

func normalizeDomain(domain string) (string, error) {
	a, err := peer.Parse(peer.UsernameHost + "@" + strings.TrimSpace(domain))
	if err != nil {
		return "", types.Errorf(types.KindInvalidFormat, "invalid domain %q", domain)
	}
	return a.Domain, nil
}
