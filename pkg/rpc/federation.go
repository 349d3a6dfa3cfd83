package rpc

import (
	"context"
	"crypto/ed25519"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"socialbox/pkg/channel"
	"socialbox/pkg/config"
	"socialbox/pkg/metrics"
	"socialbox/pkg/peer"
	"socialbox/pkg/resolver"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

// Methods called on remote servers.
const (
	MethodCreateSession        = "createSession"
	MethodAuthenticate         = "authenticate"
	MethodResolvePeer          = "resolvePeer"
	MethodResolvePeerSignature = "resolvePeerSignature"
	MethodCreateChannel        = "encryptionCreateChannel"
	MethodAcceptChannel        = "encryptionAcceptChannel"
)

// ClientName is sent when this server opens a session elsewhere.
const ClientName = "socialbox-federation"

const defaultHandshakeTimeout = 20 * time.Second

// ServerResolver is the part of resolver.ServerResolver the federation
// client needs.
type ServerResolver interface {
	Resolve(ctx context.Context, domain string) (*resolver.ResolvedServer, error)
}

// RetryPolicy controls exponential backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64
}

// DefaultRetryPolicy is used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Backoff returns the delay before retry number attempt (zero based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	delay += delay * p.Jitter * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// FederationClient calls other servers on behalf of this one. Each remote
// endpoint gets one session, authenticated with the host key and reused
// until the remote expires it.
type FederationClient struct {
	pool    *Pool
	servers ServerResolver
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	host      peer.Address
	publicKey string
	key       ed25519.PrivateKey
	version   string
	timeout   time.Duration
	retry     RetryPolicy

	mu       sync.Mutex
	sessions map[string]string
	group    singleflight.Group
}

// NewFederationClient creates a client that identifies as host@<domain>
// with the configured host key pair.
func NewFederationClient(pool *Pool, servers ServerResolver, cfg *config.Config, version string, clk clock.Clock, mt *metrics.Metrics, logger *zap.Logger) (*FederationClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	key, err := trust.DecodePrivateKey(cfg.Cryptography.HostPrivateKey)
	if err != nil {
		return nil, err
	}
	return &FederationClient{
		pool:      pool,
		servers:   servers,
		clock:     clk,
		metrics:   mt,
		logger:    logger,
		host:      peer.Host(cfg.Instance.Domain),
		publicKey: cfg.Cryptography.HostPublicKey,
		key:       key,
		version:   version,
		timeout:   cfg.DNS.Timeout.Duration(),
		retry:     DefaultRetryPolicy(),
		sessions:  make(map[string]string),
	}, nil
}

// SetRetryPolicy replaces the retry policy.
func (f *FederationClient) SetRetryPolicy(p RetryPolicy) {
	f.retry = p
}

// ResolveSignature asks the server at endpoint for one of address's keys.
func (f *FederationClient) ResolveSignature(ctx context.Context, endpoint string, address peer.Address, keyUUID string) (*types.SigningKey, error) {
	var key types.SigningKey
	err := f.Call(ctx, endpoint, MethodResolvePeerSignature, "", map[string]any{
		"peer": address.String(),
		"uuid": keyUUID,
	}, &key)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ResolvePeer asks the server at endpoint for address's profile.
func (f *FederationClient) ResolvePeer(ctx context.Context, endpoint string, address peer.Address) (*types.ProfileSummary, error) {
	var profile types.ProfileSummary
	err := f.Call(ctx, endpoint, MethodResolvePeer, "", map[string]any{
		"peer": address.String(),
	}, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ForwardCreate tells the receiver's server about a new channel.
func (f *FederationClient) ForwardCreate(ctx context.Context, ch *channel.Channel) error {
	endpoint, err := f.endpointFor(ctx, ch.ReceivingPeer)
	if err != nil {
		return err
	}
	return f.Call(ctx, endpoint, MethodCreateChannel, ch.CallingPeer, map[string]any{
		"uuid":                           ch.UUID,
		"receiving_peer":                 ch.ReceivingPeer,
		"public_key":                     ch.CallingPublicKey,
		"calling_signature_uuid":         ch.CallingSignatureUUID,
		"calling_signature_public_key":   ch.CallingSignaturePublicKey,
		"receiving_signature_uuid":       ch.ReceivingSignatureUUID,
		"receiving_signature_public_key": ch.ReceivingSignaturePublicKey,
	}, nil)
}

// ForwardAccept tells the caller's server that the receiver accepted.
func (f *FederationClient) ForwardAccept(ctx context.Context, ch *channel.Channel) error {
	endpoint, err := f.endpointFor(ctx, ch.CallingPeer)
	if err != nil {
		return err
	}
	return f.Call(ctx, endpoint, MethodAcceptChannel, ch.ReceivingPeer, map[string]any{
		"uuid":       ch.UUID,
		"public_key": ch.ReceivingPublicKey,
	}, nil)
}

func (f *FederationClient) endpointFor(ctx context.Context, address string) (string, error) {
	addr, err := peer.Parse(address)
	if err != nil {
		return "", err
	}
	server, err := f.servers.Resolve(ctx, addr.Domain)
	if err != nil {
		return "", err
	}
	return server.Record.RPCEndpoint, nil
}

// Call invokes method on the server at endpoint, retrying transient
// failures. identifyAs, when set, names the local peer the call is made for.
func (f *FederationClient) Call(ctx context.Context, endpoint, method, identifyAs string, params map[string]any, out any) error {
	start := f.clock.Now()
	if f.metrics != nil {
		f.metrics.FederationCalls.WithLabelValues(method).Inc()
		defer func() {
			f.metrics.FederationLatency.Observe(f.clock.Since(start).Seconds())
		}()
	}

	var err error
	for attempt := 0; attempt < f.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if f.metrics != nil {
				f.metrics.FederationRetries.Inc()
			}
			select {
			case <-f.clock.After(f.retry.Backoff(attempt - 1)):
			case <-ctx.Done():
				return types.Errorf(types.KindResolutionFailed, "%s on %s: %w", method, endpoint, ctx.Err())
			}
		}

		err = f.attempt(ctx, endpoint, method, identifyAs, params, out)
		if err == nil {
			f.pool.MarkSucceeded(endpoint)
			return nil
		}
		if types.IsKind(err, types.KindExpired) {
			// Remote dropped our session; open a new one on the next try.
			f.forgetSession(endpoint)
			continue
		}
		if !Retryable(err) && !types.IsKind(err, types.KindResolutionFailed) {
			return err
		}
		f.pool.MarkFailed(endpoint)
		f.logger.Debug("Federated call failed, retrying",
			zap.String("endpoint", endpoint),
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if f.metrics != nil {
		f.metrics.FederationFailures.WithLabelValues(method).Inc()
	}
	f.logger.Warn("Federated call failed",
		zap.String("endpoint", endpoint),
		zap.String("method", method),
		zap.Error(err))
	return err
}

func (f *FederationClient) attempt(ctx context.Context, endpoint, method, identifyAs string, params map[string]any, out any) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	conn, err := f.pool.Get(endpoint)
	if err != nil {
		return err
	}
	sessionID, err := f.session(ctx, endpoint)
	if err != nil {
		return err
	}

	c := NewClient(conn, f.clock).WithSession(sessionID, f.key)
	if identifyAs != "" {
		c = c.IdentifyAs(identifyAs)
	}
	return c.Call(ctx, method, params, out)
}

// session returns the authenticated session for endpoint, opening one if
// needed. Concurrent callers share one handshake, which runs detached from
// the caller that started it.
func (f *FederationClient) session(ctx context.Context, endpoint string) (string, error) {
	f.mu.Lock()
	id, ok := f.sessions[endpoint]
	f.mu.Unlock()
	if ok {
		return id, nil
	}

	ch := f.group.DoChan(endpoint, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.handshakeTimeout())
		defer cancel()
		id, err := f.handshake(shared, endpoint)
		if err != nil {
			return "", err
		}
		f.mu.Lock()
		f.sessions[endpoint] = id
		f.mu.Unlock()
		return id, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// handshakeTimeout bounds the shared handshake: two calls, each allowed the
// per-call timeout.
func (f *FederationClient) handshakeTimeout() time.Duration {
	if f.timeout > 0 {
		return 2 * f.timeout
	}
	return defaultHandshakeTimeout
}

func (f *FederationClient) handshake(ctx context.Context, endpoint string) (string, error) {
	conn, err := f.pool.Get(endpoint)
	if err != nil {
		return "", err
	}
	c := NewClient(conn, f.clock)

	var id string
	err = c.Call(ctx, MethodCreateSession, map[string]any{
		"identify":       f.host.String(),
		"public_key":     f.publicKey,
		"client_name":    ClientName,
		"client_version": f.version,
	}, &id)
	if err != nil {
		return "", err
	}

	now := f.clock.Now().Unix()
	sig := trust.SignTimed(f.key, trust.Digest([]byte(id)), now)
	err = c.WithSession(id, f.key).Call(ctx, MethodAuthenticate, map[string]any{
		"signature": trust.EncodeSignature(sig),
		"timestamp": now,
	}, nil)
	if err != nil {
		return "", err
	}

	f.logger.Info("Authenticated with remote server",
		zap.String("endpoint", endpoint),
		zap.String("session", id))
	return id, nil
}

func (f *FederationClient) forgetSession(endpoint string) {
	f.mu.Lock()
	delete(f.sessions, endpoint)
	f.mu.Unlock()
}
