package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"socialbox/pkg/types"
)

// circuitState is the breaker state of one pooled endpoint.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Pool keeps one client connection per remote endpoint.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*pooledConn
	dial  DialOptions
	clock clock.Clock

	logger *zap.Logger

	idleTimeout      time.Duration
	failureThreshold int
	cooldown         time.Duration
}

type pooledConn struct {
	conn        *grpc.ClientConn
	lastUsed    time.Time
	failures    int
	lastFailure time.Time
	state       circuitState
}

// NewPool creates an empty pool. clk may be nil for the wall clock.
func NewPool(opts DialOptions, clk clock.Clock, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pool{
		conns:            make(map[string]*pooledConn),
		dial:             opts,
		clock:            clk,
		logger:           logger,
		idleTimeout:      5 * time.Minute,
		failureThreshold: 3,
		cooldown:         30 * time.Second,
	}
}

// Get returns the pooled connection for endpoint, dialing if needed. An
// endpoint whose breaker is open fails fast until the cooldown passes.
func (p *Pool) Get(endpoint string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if pc, ok := p.conns[endpoint]; ok {
		if pc.state == circuitOpen {
			if now.Sub(pc.lastFailure) < p.cooldown {
				return nil, types.Errorf(types.KindResolutionFailed, "endpoint %s is unavailable", endpoint)
			}
			pc.state = circuitHalfOpen
			p.logger.Info("Circuit breaker moved to half-open", zap.String("endpoint", endpoint))
		}
		if s := pc.conn.GetState(); s != connectivity.Shutdown {
			pc.lastUsed = now
			return pc.conn, nil
		}
		delete(p.conns, endpoint)
	}

	conn, err := Dial(endpoint, p.dial)
	if err != nil {
		return nil, err
	}
	p.conns[endpoint] = &pooledConn{conn: conn, lastUsed: now}
	p.logger.Debug("Opened connection", zap.String("endpoint", endpoint))
	return conn, nil
}

// MarkFailed records a transport failure. Enough consecutive failures open
// the breaker.
func (p *Pool) MarkFailed(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[endpoint]
	if !ok {
		return
	}
	pc.failures++
	pc.lastFailure = p.clock.Now()
	if pc.state == circuitHalfOpen || pc.failures >= p.failureThreshold {
		if pc.state != circuitOpen {
			p.logger.Warn("Circuit breaker opened",
				zap.String("endpoint", endpoint),
				zap.Int("failures", pc.failures))
		}
		pc.state = circuitOpen
	}
}

// MarkSucceeded closes the breaker for endpoint.
func (p *Pool) MarkSucceeded(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.conns[endpoint]; ok {
		pc.failures = 0
		pc.state = circuitClosed
	}
}

// Prune closes connections idle for longer than the idle timeout.
func (p *Pool) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	pruned := 0
	for endpoint, pc := range p.conns {
		if now.Sub(pc.lastUsed) <= p.idleTimeout || pc.state == circuitOpen {
			continue
		}
		if err := pc.conn.Close(); err != nil {
			p.logger.Debug("Failed to close idle connection", zap.String("endpoint", endpoint), zap.Error(err))
		}
		delete(p.conns, endpoint)
		pruned++
	}
	return pruned
}

// Run prunes idle connections every interval until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := p.Prune(); n > 0 {
				p.logger.Debug("Pruned idle connections", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for endpoint, pc := range p.conns {
		err = multierr.Append(err, pc.conn.Close())
		delete(p.conns, endpoint)
	}
	return err
}
