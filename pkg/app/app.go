// Package app assembles a socialbox server from its components with fx and
// ties their start and stop to the application lifecycle.
package app

import (
	"context"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"socialbox/pkg/config"
	"socialbox/pkg/discovery"
)

// Options are the inputs of a server. Only Config is required; the rest
// replace real infrastructure in tests.
type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	Version string

	// Redis is used instead of dialing cfg.Cache.
	Redis redis.UniversalClient
	// Lookup replaces DNS as the fallback behind the configured mocks.
	Lookup discovery.Lookup
	// Listener is served instead of binding cfg.Instance.ListenAddress.
	Listener net.Listener
	// DialOptions are added to every outbound federation connection.
	DialOptions []grpc.DialOption
	// Registry collects metrics; a fresh registry is used when nil.
	Registry *prometheus.Registry
	Clock    clock.Clock
	// PruneInterval is how often idle federation connections are closed.
	PruneInterval time.Duration
	// Verbose logs fx lifecycle events.
	Verbose bool
}

// Server is a built, not yet started, application.
type Server struct {
	app *fx.App
}

// New builds the application graph. Nothing is started until Start.
func New(opts Options, invokes ...fx.Option) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Minute
	}

	modules := []fx.Option{
		fx.Supply(opts, opts.Config, opts.Logger),
		fx.Provide(func() clock.Clock { return opts.Clock }),
		StorageModule,
		ResolutionModule,
		FederationModule,
		CoreModule,
		ServerModule,
		fx.Options(invokes...),
	}
	if opts.Verbose {
		modules = append(modules, fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}))
	} else {
		modules = append(modules, fx.NopLogger)
	}

	return &Server{app: fx.New(modules...)}
}

// Err reports a failure to build the graph.
func (s *Server) Err() error {
	return s.app.Err()
}

func (s *Server) Start(ctx context.Context) error {
	return s.app.Start(ctx)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.app.Stop(ctx)
}

// Run starts the server and blocks until ctx is done, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.app.Err(); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, s.app.StartTimeout())
	defer cancel()
	if err := s.app.Start(startCtx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.app.StopTimeout())
	defer cancel()
	return s.app.Stop(stopCtx)
}
