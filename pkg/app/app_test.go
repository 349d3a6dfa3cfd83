package app_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"socialbox/pkg/app"
	"socialbox/pkg/channel"
	"socialbox/pkg/config"
	"socialbox/pkg/discovery"
	"socialbox/pkg/methods"
	"socialbox/pkg/rpc"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

// network routes dials for rpc.<domain>:80 to in-process listeners.
type network map[string]*bufconn.Listener

func (n network) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := n[addr]
		if !ok {
			return nil, fmt.Errorf("no route to %s", addr)
		}
		return lis.DialContext(ctx)
	})
}

type node struct {
	domain string
	conn   *grpc.ClientConn
}

func endpoint(domain string) string {
	return "http://rpc." + domain
}

// federation starts one server per domain, each knowing the others through
// mocked discovery records.
func federation(t *testing.T, domains ...string) map[string]*node {
	t.Helper()
	routes := network{}
	mocks := map[string]string{}
	keys := map[string][2]string{}
	for _, d := range domains {
		pub, priv, err := trust.GenerateSigningKeyPair()
		require.NoError(t, err)
		keys[d] = [2]string{pub, priv}
		rec := discovery.Record{RPCEndpoint: endpoint(d), PublicSigningKey: pub}
		mocks[d] = rec.String()
		routes["rpc."+d+":80"] = bufconn.Listen(1 << 20)
	}
	noDNS := discovery.LookupFunc(func(_ context.Context, domain string) ([]string, error) {
		return nil, types.Errorf(types.KindNotFound, "no record for %s", domain)
	})

	nodes := make(map[string]*node, len(domains))
	for _, d := range domains {
		cfg := config.Default()
		cfg.Instance.Domain = d
		cfg.Instance.RPCEndpoint = endpoint(d)
		cfg.Cryptography.HostPublicKey = keys[d][0]
		cfg.Cryptography.HostPrivateKey = keys[d][1]
		cfg.Database.Path = filepath.Join(t.TempDir(), "peers")
		cfg.DNS.Mocks = mocks
		cfg.Security.Insecure = true
		cfg.Registration.AcceptPrivacyPolicy = false
		cfg.Registration.AcceptTermsOfService = false
		cfg.Registration.AcceptCommunityGuidelines = false
		cfg.Registration.DisplayNameRequired = false
		require.NoError(t, cfg.Validate())

		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		srv := app.New(app.Options{
			Config:      cfg,
			Logger:      zaptest.NewLogger(t).Named(d),
			Version:     "test",
			Redis:       client,
			Lookup:      noDNS,
			Listener:    routes["rpc."+d+":80"],
			DialOptions: []grpc.DialOption{routes.dialer()},
		})
		require.NoError(t, srv.Err())
		require.NoError(t, srv.Start(context.Background()))
		t.Cleanup(func() { _ = srv.Stop(context.Background()) })

		conn, err := rpc.Dial(endpoint(d), rpc.DialOptions{Extra: []grpc.DialOption{routes.dialer()}})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		nodes[d] = &node{domain: d, conn: conn}
	}
	return nodes
}

// register signs up username on n and returns its authenticated client.
func (n *node) register(t *testing.T, username string) *rpc.Client {
	t.Helper()
	ctx := context.Background()
	pub, priv, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)
	key, err := trust.DecodePrivateKey(priv)
	require.NoError(t, err)

	base := rpc.NewClient(n.conn, nil)
	var id string
	require.NoError(t, base.Call(ctx, methods.MethodCreateSession, map[string]any{
		"identify":   username + "@" + n.domain,
		"public_key": pub,
	}, &id))
	c := base.WithSession(id, key)
	require.NoError(t, c.Call(ctx, methods.MethodSettingsSetPassword, map[string]any{"password": "correct horse battery"}, nil))

	var st types.SessionState
	require.NoError(t, c.Call(ctx, methods.MethodGetSessionState, nil, &st))
	require.True(t, st.Authenticated)
	return c
}

func TestFederation_ResolvePeer(t *testing.T) {
	nodes := federation(t, "a.test", "b.test")
	ctx := context.Background()
	alice := nodes["a.test"].register(t, "alice")
	nodes["b.test"].register(t, "bob")

	var profile types.ProfileSummary
	require.NoError(t, alice.Call(ctx, methods.MethodResolvePeer, map[string]any{"peer": "bob@b.test"}, &profile))
	assert.Equal(t, "bob@b.test", profile.Address)

	err := alice.Call(ctx, methods.MethodResolvePeer, map[string]any{"peer": "nobody@b.test"}, nil)
	assert.True(t, types.IsKind(err, types.KindNotFound), "got %v", err)

	err = alice.Call(ctx, methods.MethodResolvePeer, map[string]any{"peer": "carol@c.test"}, nil)
	assert.True(t, types.IsKind(err, types.KindResolutionFailed), "got %v", err)
}

func TestFederation_VerifyPeerSignature(t *testing.T) {
	nodes := federation(t, "a.test", "b.test")
	ctx := context.Background()
	alice := nodes["a.test"].register(t, "alice")
	bob := nodes["b.test"].register(t, "bob")

	pub, priv, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)
	key, err := trust.DecodePrivateKey(priv)
	require.NoError(t, err)
	var keyUUID string
	require.NoError(t, bob.Call(ctx, methods.MethodSettingsAddSigningKey, map[string]any{"public_key": pub}, &keyUUID))

	digest := trust.Digest([]byte("signed by bob"))
	verify := func(sig []byte, keyID string) types.VerificationStatus {
		var status types.VerificationStatus
		require.NoError(t, alice.Call(ctx, methods.MethodVerifyPeerSignature, map[string]any{
			"signing_peer":   "bob@b.test",
			"signature_uuid": keyID,
			"signature":      trust.EncodeSignature(sig),
			"sha512":         hex.EncodeToString(digest),
		}, &status))
		return status
	}

	assert.Equal(t, types.VerificationVerified, verify(trust.Sign(key, digest), keyUUID))
	assert.Equal(t, types.VerificationInvalid, verify(trust.Sign(key, trust.Digest([]byte("forged"))), keyUUID))
	assert.Equal(t, types.VerificationNotFound, verify(trust.Sign(key, digest), "00000000-0000-0000-0000-000000000000"))

	var resolved types.SigningKeyView
	require.NoError(t, alice.Call(ctx, methods.MethodResolvePeerSignature, map[string]any{"peer": "bob@b.test", "uuid": keyUUID}, &resolved))
	assert.Equal(t, pub, resolved.PublicKey)
}

func TestFederation_ChannelHandshake(t *testing.T) {
	nodes := federation(t, "a.test", "b.test")
	ctx := context.Background()
	alice := nodes["a.test"].register(t, "alice")
	bob := nodes["b.test"].register(t, "bob")

	aliceKey, _, err := trust.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	bobKey, _, err := trust.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	aliceSigID, aliceSig := addSigningKey(t, alice)
	bobSigID, bobSig := addSigningKey(t, bob)

	var created channel.Channel
	require.NoError(t, alice.Call(ctx, methods.MethodEncryptionCreateChannel, map[string]any{
		"receiving_peer":                 "bob@b.test",
		"public_key":                     aliceKey,
		"calling_signature_uuid":         aliceSigID,
		"calling_signature_public_key":   aliceSig,
		"receiving_signature_uuid":       bobSigID,
		"receiving_signature_public_key": bobSig,
	}, &created))
	require.Equal(t, channel.StatusAwaitingReceiver, created.Status)

	// The receiver's server holds the same channel.
	var pending channel.Channel
	require.NoError(t, bob.Call(ctx, methods.MethodEncryptionGetChannel, map[string]any{"uuid": created.UUID}, &pending))
	assert.Equal(t, "alice@a.test", pending.CallingPeer)
	assert.Equal(t, aliceKey, pending.CallingPublicKey)
	assert.Equal(t, aliceSigID, pending.CallingSignatureUUID)

	var opened channel.Channel
	require.NoError(t, bob.Call(ctx, methods.MethodEncryptionAcceptChannel, map[string]any{
		"uuid":       created.UUID,
		"public_key": bobKey,
	}, &opened))
	assert.Equal(t, channel.StatusOpened, opened.Status)

	var seen channel.Channel
	require.NoError(t, alice.Call(ctx, methods.MethodEncryptionGetChannel, map[string]any{"uuid": created.UUID}, &seen))
	assert.Equal(t, channel.StatusOpened, seen.Status)
	assert.Equal(t, bobKey, seen.ReceivingPublicKey)
}

func TestFederation_ChannelToUnknownPeer(t *testing.T) {
	nodes := federation(t, "a.test", "b.test")
	ctx := context.Background()
	alice := nodes["a.test"].register(t, "alice")

	aliceKey, _, err := trust.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	aliceSigID, aliceSig := addSigningKey(t, alice)
	otherSig, _, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)

	// The receiver's key cannot be resolved, so nothing is stored or forwarded.
	err = alice.Call(ctx, methods.MethodEncryptionCreateChannel, map[string]any{
		"receiving_peer":                 "nobody@b.test",
		"public_key":                     aliceKey,
		"calling_signature_uuid":         aliceSigID,
		"calling_signature_public_key":   aliceSig,
		"receiving_signature_uuid":       aliceSigID,
		"receiving_signature_public_key": otherSig,
	}, nil)
	assert.True(t, types.IsKind(err, types.KindNotFound), "got %v", err)
}

// addSigningKey registers a fresh signing key for the peer behind c.
func addSigningKey(t *testing.T, c *rpc.Client) (id, pub string) {
	t.Helper()
	pub, _, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)
	require.NoError(t, c.Call(context.Background(), methods.MethodSettingsAddSigningKey, map[string]any{"public_key": pub}, &id))
	return id, pub
}

func TestNew_RejectsBadTLSSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Instance.Domain = "a.test"
	cfg.Security.MinTLSVersion = "1.0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "peers")
	_, priv, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)
	cfg.Cryptography.HostPrivateKey = priv

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	srv := app.New(app.Options{Config: cfg, Redis: client, Lookup: discovery.NewMockLookup(nil)})
	assert.Error(t, srv.Err())
}
