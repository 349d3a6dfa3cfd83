package trust

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"socialbox/pkg/config"
	"socialbox/pkg/metrics"
	"socialbox/pkg/peer"
	"socialbox/pkg/resolver"
	"socialbox/pkg/store"
	"socialbox/pkg/types"
)

const (
	signingKeyCachePrefix = "signing_key:"
	profileCachePrefix    = "peer_profile:"
)

// ServerResolver is the part of resolver.ServerResolver trust needs.
type ServerResolver interface {
	Resolve(ctx context.Context, domain string) (*resolver.ResolvedServer, error)
}

// Remote performs the federated calls against another server's endpoint.
type Remote interface {
	ResolveSignature(ctx context.Context, endpoint string, address peer.Address, keyUUID string) (*types.SigningKey, error)
	ResolvePeer(ctx context.Context, endpoint string, address peer.Address) (*types.ProfileSummary, error)
}

type cachedKey struct {
	Key        *types.SigningKey `json:"key"`
	ResolvedAt time.Time         `json:"resolved_at"`
}

type cachedProfile struct {
	Profile    *types.ProfileSummary `json:"profile"`
	ResolvedAt time.Time             `json:"resolved_at"`
}

// Resolver finds signing keys and profiles for local and remote peers.
type Resolver struct {
	peers   store.PeerStore
	servers ServerResolver
	remote  Remote
	kv      store.KV
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	domain string
	ttl    time.Duration
	window Window
}

// NewResolver creates a trust resolver. clk may be nil for the wall clock
// and mt may be nil to skip metrics.
func NewResolver(peers store.PeerStore, servers ServerResolver, remote Remote, kv store.KV, cfg *config.Config, clk clock.Clock, mt *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Resolver{
		peers:   peers,
		servers: servers,
		remote:  remote,
		kv:      kv,
		clock:   clk,
		metrics: mt,
		logger:  logger,
		domain:  cfg.Instance.Domain,
		ttl:     cfg.Policies.PeerSyncInterval.Duration(),
		window: Window{
			Frames:       cfg.Cryptography.TimestampFrames,
			FrameSeconds: cfg.Cryptography.FrameSeconds,
		},
	}
}

// Window is the drift allowed for timed signatures.
func (r *Resolver) Window() Window {
	return r.window
}

// ResolveSigningKey returns the key keyUUID of address. Expired keys are
// returned as is; use RequireTrusted before relying on one.
func (r *Resolver) ResolveSigningKey(ctx context.Context, address peer.Address, keyUUID string) (*types.SigningKey, error) {
	if address.IsLocal(r.domain) {
		key, err := r.localSigningKey(ctx, address, keyUUID)
		r.countKey("local", err)
		return key, err
	}
	key, err := r.remoteSigningKey(ctx, address, keyUUID)
	r.countKey("external", err)
	return key, err
}

func (r *Resolver) localSigningKey(ctx context.Context, address peer.Address, keyUUID string) (*types.SigningKey, error) {
	p, err := r.localPeer(ctx, address)
	if err != nil {
		return nil, err
	}
	key, err := r.peers.GetSigningKey(ctx, p.UUID, keyUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.Errorf(types.KindNotFound, "signing key %s not found for %s", keyUUID, address)
	}
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to load signing key: %w", err)
	}
	return key, nil
}

func (r *Resolver) localPeer(ctx context.Context, address peer.Address) (*types.Peer, error) {
	if address.IsReserved() {
		return nil, types.Errorf(types.KindNotFound, "peer %s not found", address)
	}
	p, err := r.peers.GetPeerByUsername(ctx, address.Username)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !p.Enabled) {
		return nil, types.Errorf(types.KindNotFound, "peer %s not found", address)
	}
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to load peer: %w", err)
	}
	return p, nil
}

func (r *Resolver) remoteSigningKey(ctx context.Context, address peer.Address, keyUUID string) (*types.SigningKey, error) {
	cacheKey := signingKeyCachePrefix + address.String() + ":" + keyUUID

	var cached cachedKey
	if r.readCache(ctx, cacheKey, &cached) && cached.Key != nil && !r.stale(cached.ResolvedAt) {
		return cached.Key, nil
	}

	server, err := r.servers.Resolve(ctx, address.Domain)
	if err != nil {
		return nil, err
	}

	key, err := r.remote.ResolveSignature(ctx, server.Record.RPCEndpoint, address, keyUUID)
	if err != nil {
		return nil, remoteError(address, err)
	}
	if key == nil || key.UUID != keyUUID {
		return nil, types.Errorf(types.KindResolutionFailed, "%s returned a malformed signing key", address.Domain)
	}
	if _, err := DecodePublicKey(key.PublicKey); err != nil {
		return nil, types.Errorf(types.KindResolutionFailed, "%s returned a malformed signing key: %w", address.Domain, err)
	}

	r.writeCache(ctx, cacheKey, cachedKey{Key: key, ResolvedAt: r.clock.Now()})
	return key, nil
}

// ResolvePeer returns the public profile of address.
func (r *Resolver) ResolvePeer(ctx context.Context, address peer.Address) (*types.ProfileSummary, error) {
	if address.IsLocal(r.domain) {
		p, err := r.localPeer(ctx, address)
		if err != nil {
			return nil, err
		}
		profile := p.Profile(r.domain)
		return &profile, nil
	}

	cacheKey := profileCachePrefix + address.String()
	var cached cachedProfile
	if r.readCache(ctx, cacheKey, &cached) && cached.Profile != nil && !r.stale(cached.ResolvedAt) {
		return cached.Profile, nil
	}

	server, err := r.servers.Resolve(ctx, address.Domain)
	if err != nil {
		return nil, err
	}
	profile, err := r.remote.ResolvePeer(ctx, server.Record.RPCEndpoint, address)
	if err != nil {
		return nil, remoteError(address, err)
	}
	if profile == nil || profile.Address != address.String() {
		return nil, types.Errorf(types.KindResolutionFailed, "%s returned a profile for the wrong peer", address.Domain)
	}

	r.writeCache(ctx, cacheKey, cachedProfile{Profile: profile, ResolvedAt: r.clock.Now()})
	return profile, nil
}

// RequireTrusted returns an error unless key is ACTIVE at now.
func RequireTrusted(key *types.SigningKey, now time.Time) error {
	switch key.State(now) {
	case types.KeyNotFound:
		return types.Errorf(types.KindNotFound, "signing key not found")
	case types.KeyExpired:
		return types.Errorf(types.KindExpired, "signing key %s expired at %d", key.UUID, key.Expires)
	}
	return nil
}

// ExpectPublicKey rejects a resolved key whose public key differs from an
// independently supplied one.
func ExpectPublicKey(key *types.SigningKey, supplied string) error {
	if key == nil || key.PublicKey != supplied {
		return types.Errorf(types.KindCryptographic, "resolved public key does not match the supplied key")
	}
	return nil
}

// VerifyPeerSignature resolves the key and checks sig over digest. When
// claimed is set the signature is a timed one.
func (r *Resolver) VerifyPeerSignature(ctx context.Context, address peer.Address, keyUUID string, sig, digest []byte, claimed *int64) types.VerificationStatus {
	status := r.verifyPeerSignature(ctx, address, keyUUID, sig, digest, claimed)
	if r.metrics != nil {
		r.metrics.SignatureVerifications.WithLabelValues(string(status)).Inc()
	}
	return status
}

func (r *Resolver) verifyPeerSignature(ctx context.Context, address peer.Address, keyUUID string, sig, digest []byte, claimed *int64) types.VerificationStatus {
	key, err := r.ResolveSigningKey(ctx, address, keyUUID)
	switch types.KindOf(err) {
	case "":
	case types.KindNotFound:
		return types.VerificationNotFound
	case types.KindResolutionFailed:
		return types.VerificationResolutionError
	default:
		r.logger.Warn("Signature verification failed", zap.String("peer", address.String()), zap.Error(err))
		return types.VerificationError
	}

	now := r.clock.Now()
	if key.IsExpired(now) {
		return types.VerificationExpired
	}

	pub, err := DecodePublicKey(key.PublicKey)
	if err != nil {
		return types.VerificationError
	}

	var ok bool
	if claimed != nil {
		ok = VerifyTimed(pub, sig, digest, *claimed, r.window, now)
	} else {
		ok = Verify(pub, sig, digest)
	}
	if !ok {
		return types.VerificationInvalid
	}
	return types.VerificationVerified
}

func (r *Resolver) stale(resolvedAt time.Time) bool {
	return r.clock.Now().Sub(resolvedAt) > r.ttl
}

func (r *Resolver) readCache(ctx context.Context, key string, v any) bool {
	data, err := r.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("Trust cache unavailable", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		r.logger.Warn("Discarding corrupt trust cache entry", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (r *Resolver) writeCache(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err == nil {
		err = r.kv.Set(ctx, key, data, 2*r.ttl)
	}
	if err != nil {
		r.logger.Warn("Failed to write trust cache", zap.String("key", key), zap.Error(err))
	}
}

func (r *Resolver) countKey(locality string, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(types.KindOf(err))
	}
	r.metrics.KeyResolutions.WithLabelValues(locality, outcome).Inc()
}

// remoteError keeps NOT_FOUND from the remote and reports everything else
// as a resolution failure.
func remoteError(address peer.Address, err error) error {
	if types.IsKind(err, types.KindNotFound) {
		return types.Errorf(types.KindNotFound, "%s not found on its server: %w", address, err)
	}
	return types.Errorf(types.KindResolutionFailed, "failed to reach %s: %w", address.Domain, err)
}
