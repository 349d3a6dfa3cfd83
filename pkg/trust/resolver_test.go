package trust_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"socialbox/pkg/config"
	"socialbox/pkg/discovery"
	"socialbox/pkg/metrics"
	"socialbox/pkg/peer"
	"socialbox/pkg/resolver"
	"socialbox/pkg/store/leveldbstore"
	"socialbox/pkg/store/redisstore"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

type fakeServers struct {
	err error
}

func (f *fakeServers) Resolve(ctx context.Context, domain string) (*resolver.ResolvedServer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &resolver.ResolvedServer{
		Domain: domain,
		Record: discovery.Record{RPCEndpoint: "https://rpc." + domain, PublicSigningKey: "sig:x"},
	}, nil
}

type fakeRemote struct {
	mu       sync.Mutex
	keys     map[string]*types.SigningKey
	profiles map[string]*types.ProfileSummary
	err      error
	calls    int
}

func (f *fakeRemote) ResolveSignature(ctx context.Context, endpoint string, address peer.Address, keyUUID string) (*types.SigningKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	key, ok := f.keys[address.String()+"/"+keyUUID]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "no such key")
	}
	return key, nil
}

func (f *fakeRemote) ResolvePeer(ctx context.Context, endpoint string, address peer.Address) (*types.ProfileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[address.String()]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "no such peer")
	}
	return p, nil
}

type trustFixture struct {
	resolver *trust.Resolver
	peers    *leveldbstore.Store
	servers  *fakeServers
	remote   *fakeRemote
	clock    *clock.Mock
	metrics  *metrics.Metrics
}

func newTrustFixture(t *testing.T) *trustFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	peers, err := leveldbstore.Open(filepath.Join(t.TempDir(), "peers"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peers.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.Instance.Domain = "local.test"
	cfg.Policies.PeerSyncInterval = config.Duration(time.Hour)
	cfg.Cryptography.TimestampFrames = 1
	cfg.Cryptography.FrameSeconds = 60

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	mt := metrics.New(prometheus.NewRegistry())

	servers := &fakeServers{}
	remote := &fakeRemote{
		keys:     map[string]*types.SigningKey{},
		profiles: map[string]*types.ProfileSummary{},
	}
	return &trustFixture{
		resolver: trust.NewResolver(peers, servers, remote, redisstore.New(client, logger), cfg, clk, mt, logger),
		peers:    peers,
		servers:  servers,
		remote:   remote,
		clock:    clk,
		metrics:  mt,
	}
}

func (f *trustFixture) addLocalKey(t *testing.T, username string, enabled bool, expires int64) (*types.SigningKey, []byte) {
	t.Helper()
	ctx := context.Background()
	p := &types.Peer{UUID: "uuid-" + username, Username: username, Enabled: enabled}
	require.NoError(t, f.peers.CreatePeer(ctx, p))

	pubStr, privStr, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)
	key := &types.SigningKey{UUID: "key-" + username, PeerUUID: p.UUID, PublicKey: pubStr, Expires: expires}
	require.NoError(t, f.peers.AddSigningKey(ctx, key))

	priv, err := trust.DecodePrivateKey(privStr)
	require.NoError(t, err)
	return key, priv
}

func TestResolveSigningKey_Local(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	key, _ := f.addLocalKey(t, "alice", true, 0)
	f.addLocalKey(t, "pending", false, 0)

	got, err := f.resolver.ResolveSigningKey(ctx, peer.MustParse("alice@local.test"), key.UUID)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey, got.PublicKey)

	tests := []struct {
		name    string
		address string
		keyUUID string
	}{
		{"unknown key", "alice@local.test", "nope"},
		{"unknown peer", "bob@local.test", "key-bob"},
		{"disabled peer", "pending@local.test", "key-pending"},
		{"reserved", "host@local.test", "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.resolver.ResolveSigningKey(ctx, peer.MustParse(tt.address), tt.keyUUID)
			assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)
		})
	}
	assert.Equal(t, 0, f.remote.calls)
}

func TestResolveSigningKey_ExternalIsCached(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	pub, _, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)
	bob := peer.MustParse("bob@remote.org")
	f.remote.keys["bob@remote.org/k1"] = &types.SigningKey{UUID: "k1", PublicKey: pub}

	for i := 0; i < 3; i++ {
		got, err := f.resolver.ResolveSigningKey(ctx, bob, "k1")
		require.NoError(t, err)
		assert.Equal(t, pub, got.PublicKey)
	}
	assert.Equal(t, 1, f.remote.calls)

	f.clock.Add(time.Hour + time.Second)
	_, err = f.resolver.ResolveSigningKey(ctx, bob, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.remote.calls, "stale entries are refreshed")

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.KeyResolutions.WithLabelValues("external", "ok")))
}

func TestResolveSigningKey_ExternalFailures(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	bob := peer.MustParse("bob@remote.org")

	_, err := f.resolver.ResolveSigningKey(ctx, bob, "missing")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	f.remote.keys["bob@remote.org/bad"] = &types.SigningKey{UUID: "bad", PublicKey: "sig:AAAA"}
	_, err = f.resolver.ResolveSigningKey(ctx, bob, "bad")
	assert.Equal(t, types.KindResolutionFailed, types.KindOf(err))

	f.remote.keys["bob@remote.org/swapped"] = &types.SigningKey{UUID: "other"}
	_, err = f.resolver.ResolveSigningKey(ctx, bob, "swapped")
	assert.Equal(t, types.KindResolutionFailed, types.KindOf(err))

	f.remote.err = errors.New("connection refused")
	_, err = f.resolver.ResolveSigningKey(ctx, bob, "k1")
	assert.Equal(t, types.KindResolutionFailed, types.KindOf(err))

	f.servers.err = types.Errorf(types.KindResolutionFailed, "no record")
	_, err = f.resolver.ResolveSigningKey(ctx, bob, "k1")
	assert.Equal(t, types.KindResolutionFailed, types.KindOf(err))
}

func TestResolvePeer(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.addLocalKey(t, "alice", true, 0)

	profile, err := f.resolver.ResolvePeer(ctx, peer.MustParse("alice@local.test"))
	require.NoError(t, err)
	assert.Equal(t, "alice@local.test", profile.Address)

	f.remote.profiles["bob@remote.org"] = &types.ProfileSummary{Address: "bob@remote.org", DisplayName: "Bob"}
	for i := 0; i < 2; i++ {
		profile, err = f.resolver.ResolvePeer(ctx, peer.MustParse("bob@remote.org"))
		require.NoError(t, err)
		assert.Equal(t, "Bob", profile.DisplayName)
	}
	assert.Equal(t, 1, f.remote.calls)

	f.remote.profiles["eve@remote.org"] = &types.ProfileSummary{Address: "mallory@remote.org"}
	_, err = f.resolver.ResolvePeer(ctx, peer.MustParse("eve@remote.org"))
	assert.Equal(t, types.KindResolutionFailed, types.KindOf(err))
}

func TestVerifyPeerSignature(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	alice := peer.MustParse("alice@local.test")
	key, priv := f.addLocalKey(t, "alice", true, 0)
	expiredKey, expiredPriv := f.addLocalKey(t, "carol", true, f.clock.Now().Add(-time.Minute).Unix())

	digest := trust.Digest([]byte("message"))
	now := f.clock.Now().Unix()
	stale := now - 10*60

	tests := []struct {
		name    string
		address peer.Address
		keyUUID string
		sig     []byte
		claimed *int64
		want    types.VerificationStatus
	}{
		{"verified", alice, key.UUID, trust.Sign(priv, digest), nil, types.VerificationVerified},
		{"verified timed", alice, key.UUID, trust.SignTimed(priv, digest, now), &now, types.VerificationVerified},
		{"outside window", alice, key.UUID, trust.SignTimed(priv, digest, stale), &stale, types.VerificationInvalid},
		{"wrong digest", alice, key.UUID, trust.Sign(priv, trust.Digest([]byte("other"))), nil, types.VerificationInvalid},
		{"unknown key", alice, "nope", trust.Sign(priv, digest), nil, types.VerificationNotFound},
		{"expired key", peer.MustParse("carol@local.test"), expiredKey.UUID, trust.Sign(expiredPriv, digest), nil, types.VerificationExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.resolver.VerifyPeerSignature(ctx, tt.address, tt.keyUUID, tt.sig, digest, tt.claimed)
			assert.Equal(t, tt.want, got)
		})
	}

	f.servers.err = types.Errorf(types.KindResolutionFailed, "unreachable")
	got := f.resolver.VerifyPeerSignature(ctx, peer.MustParse("bob@remote.org"), "k", nil, digest, nil)
	assert.Equal(t, types.VerificationResolutionError, got)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.SignatureVerifications.WithLabelValues("VERIFIED")))
}
