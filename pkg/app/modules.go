package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"socialbox/pkg/auth"
	"socialbox/pkg/channel"
	"socialbox/pkg/config"
	"socialbox/pkg/discovery"
	"socialbox/pkg/methods"
	"socialbox/pkg/metrics"
	"socialbox/pkg/resolver"
	"socialbox/pkg/rpc"
	"socialbox/pkg/session"
	"socialbox/pkg/store"
	"socialbox/pkg/store/leveldbstore"
	"socialbox/pkg/store/redisstore"
	"socialbox/pkg/trust"
)

// StorageModule provides the Redis backed stores and the LevelDB peer store.
var StorageModule = fx.Module("storage",
	fx.Provide(
		newRedisClient,
		newStores,
		newPeerStore,
	),
)

// ResolutionModule provides discovery and the server resolver.
var ResolutionModule = fx.Module("resolution",
	fx.Provide(
		newMetrics,
		newLookup,
		newServerResolver,
	),
)

// FederationModule provides the outbound connection pool and client.
var FederationModule = fx.Module("federation",
	fx.Provide(
		newTLSBuilder,
		newPool,
		newFederationClient,
	),
)

// CoreModule provides trust, sessions, channels and the method table.
var CoreModule = fx.Module("core",
	fx.Provide(
		newTrustResolver,
		newSessionManager,
		newChannelManager,
		newRegistry,
	),
)

// ServerModule serves the RPC surface and, when configured, metrics.
var ServerModule = fx.Module("server",
	fx.Provide(newRPCServer),
	fx.Invoke(
		startRPCServer,
		startMetricsServer,
	),
)

func newRedisClient(lc fx.Lifecycle, opts Options, logger *zap.Logger) (redis.UniversalClient, error) {
	if opts.Redis != nil {
		return opts.Redis, nil
	}
	client, err := redisstore.Connect(context.Background(), opts.Config.Cache)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to redis", zap.String("address", opts.Config.Cache.Address))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

type storesResult struct {
	fx.Out

	KV       store.KV
	Sessions session.Store
	Channels channel.Store
}

func newStores(client redis.UniversalClient, cfg *config.Config, logger *zap.Logger) storesResult {
	// Sessions linger past expiry long enough to answer EXPIRED rather
	// than NOT_FOUND.
	retention := 2 * cfg.Policies.SessionInactivityExpires.Duration()
	return storesResult{
		KV:       redisstore.New(client, logger.Named("redis")),
		Sessions: redisstore.NewSessionStore(client, retention),
		Channels: redisstore.NewChannelStore(client, 0),
	}
}

func newPeerStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (store.PeerStore, error) {
	s, err := leveldbstore.Open(cfg.Database.Path, logger.Named("leveldb"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

func newMetrics(opts Options) *metrics.Metrics {
	return metrics.New(opts.Registry)
}

// newLookup serves configured mocks first and falls back to DNS.
func newLookup(opts Options, logger *zap.Logger) (discovery.Lookup, error) {
	cfg := opts.Config
	fallback := opts.Lookup
	if fallback == nil {
		dns, err := discovery.NewDNSLookup(cfg.DNS.Nameserver, cfg.DNS.Timeout.Duration(), logger.Named("dns"))
		if err != nil {
			return nil, err
		}
		fallback = dns
	}

	lookup := discovery.NewMockLookup(fallback)
	for domain, raw := range cfg.DNS.Mocks {
		lookup.Add(domain, raw)
	}
	if len(cfg.DNS.Mocks) > 0 {
		logger.Info("Using mocked discovery records", zap.Int("domains", len(cfg.DNS.Mocks)))
	}
	return lookup, nil
}

func newServerResolver(kv store.KV, lookup discovery.Lookup, cfg *config.Config, clk clock.Clock, mt *metrics.Metrics, logger *zap.Logger) *resolver.ServerResolver {
	ttl := cfg.Policies.PeerSyncInterval.Duration()
	cache := resolver.NewCache(kv, cfg.Cache.MemoSize, cfg.Cache.MemoTTL.Duration(), 2*ttl, logger.Named("cache"))
	return resolver.New(cache, lookup, cfg, clk, mt, logger.Named("resolver"))
}

func newTLSBuilder(cfg *config.Config) (*auth.TLSConfigBuilder, error) {
	return auth.NewTLSConfigBuilder(cfg.Security)
}

func newPool(lc fx.Lifecycle, opts Options, tlsBuilder *auth.TLSConfigBuilder, clk clock.Clock, logger *zap.Logger) (*rpc.Pool, error) {
	tlsConfig, err := tlsBuilder.BuildClientConfig()
	if err != nil {
		return nil, err
	}
	pool := rpc.NewPool(rpc.DialOptions{
		TLS:      tlsConfig,
		Insecure: opts.Config.Security.Insecure,
		Extra:    opts.DialOptions,
	}, clk, logger.Named("pool"))

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go pool.Run(ctx, opts.PruneInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return pool.Close()
		},
	})
	return pool, nil
}

type federationResult struct {
	fx.Out

	Client    *rpc.FederationClient
	Remote    trust.Remote
	Forwarder channel.Forwarder
}

func newFederationClient(pool *rpc.Pool, servers *resolver.ServerResolver, opts Options, clk clock.Clock, mt *metrics.Metrics, logger *zap.Logger) (federationResult, error) {
	fc, err := rpc.NewFederationClient(pool, servers, opts.Config, opts.Version, clk, mt, logger.Named("federation"))
	if err != nil {
		return federationResult{}, fmt.Errorf("failed to create federation client: %w", err)
	}
	return federationResult{Client: fc, Remote: fc, Forwarder: fc}, nil
}

type coreParams struct {
	fx.In

	Config    *config.Config
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	KV        store.KV
	Peers     store.PeerStore
	Servers   *resolver.ServerResolver
	Remote    trust.Remote
	Forwarder channel.Forwarder
	Sessions  session.Store
	Channels  channel.Store
}

func newTrustResolver(p coreParams) *trust.Resolver {
	return trust.NewResolver(p.Peers, p.Servers, p.Remote, p.KV, p.Config, p.Clock, p.Metrics, p.Logger.Named("trust"))
}

func newSessionManager(p coreParams) *session.Manager {
	return session.NewManager(p.Sessions, p.Peers, p.Servers, p.Config, p.Clock, p.Metrics, p.Logger.Named("session"))
}

func newChannelManager(p coreParams, trusts *trust.Resolver) *channel.Manager {
	return channel.NewManager(p.Channels, p.Peers, trusts, p.Forwarder, p.Config.Instance.Domain, p.Clock, p.Logger.Named("channel"))
}

func newRegistry(p coreParams, sessions *session.Manager, trusts *trust.Resolver, channels *channel.Manager) *methods.Registry {
	return methods.NewRegistry(methods.Deps{
		Config:   p.Config,
		Sessions: sessions,
		Peers:    p.Peers,
		KV:       p.KV,
		Trust:    trusts,
		Channels: channels,
		Clock:    p.Clock,
		Logger:   p.Logger.Named("methods"),
	})
}

func newRPCServer(registry *methods.Registry, sessions *session.Manager, tlsBuilder *auth.TLSConfigBuilder, cfg *config.Config, clk clock.Clock, mt *metrics.Metrics, logger *zap.Logger) (*rpc.Server, error) {
	creds, err := tlsBuilder.ServerCredentials()
	if err != nil {
		return nil, err
	}
	interceptor := auth.NewSessionInterceptor(sessions, registry.Policy(), cfg, registry.OpenMethods(), clk, logger.Named("auth"))
	return rpc.NewServer(registry.Handlers(), rpc.ServerOptions{
		Creds:           creds,
		Interceptors:    []grpc.UnaryServerInterceptor{interceptor.Unary()},
		DisplayInternal: cfg.Security.DisplayInternalExceptions,
		Metrics:         mt,
		Logger:          logger.Named("rpc"),
	}), nil
}

func startRPCServer(lc fx.Lifecycle, srv *rpc.Server, opts Options, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis := opts.Listener
			if lis == nil {
				var err error
				lis, err = net.Listen("tcp", opts.Config.Instance.ListenAddress)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", opts.Config.Instance.ListenAddress, err)
				}
			}
			go func() {
				if err := srv.Serve(lis); err != nil {
					logger.Error("RPC server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				srv.Stop()
			}
			return nil
		},
	})
}

func startMetricsServer(lc fx.Lifecycle, opts Options, client redis.UniversalClient, logger *zap.Logger) {
	addr := opts.Config.Metrics.Address
	if addr == "" {
		return
	}
	checks := map[string]metrics.ReadinessCheck{
		"redis": func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
	var gatherer prometheus.Gatherer = opts.Registry
	endpoint := metrics.NewHealthEndpoint(gatherer, checks, logger.Named("health"))

	var server *http.Server
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			server = metrics.StartServer(addr, endpoint, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})
}
