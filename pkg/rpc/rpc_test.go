package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

func startServer(t *testing.T, handlers map[string]Handler, opts ServerOptions) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	srv := NewServer(handlers, opts)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func bufDial(lis *bufconn.Listener) DialOptions {
	return DialOptions{Extra: []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}}
}

func dialBuf(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := Dial("http://server.test", bufDial(lis))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTarget(t *testing.T) {
	tests := []struct {
		endpoint string
		target   string
		secure   bool
		wantErr  bool
	}{
		{"https://rpc.example.com", "rpc.example.com:443", true, false},
		{"https://rpc.example.com:8443/rpc", "rpc.example.com:8443", true, false},
		{"http://127.0.0.1:8085", "127.0.0.1:8085", false, false},
		{"grpc://rpc.example.com", "rpc.example.com:80", false, false},
		{"ftp://rpc.example.com", "", false, true},
		{"rpc.example.com", "", false, true},
		{"", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			target, secure, err := Target(tt.endpoint)
			if tt.wantErr {
				assert.True(t, types.IsKind(err, types.KindInvalidFormat))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, target)
			assert.Equal(t, tt.secure, secure)
		})
	}
}

func TestParams(t *testing.T) {
	body, err := NewBody(map[string]any{
		"name":    "alice",
		"empty":   "",
		"count":   3,
		"numeric": "42",
		"frac":    1.5,
		"nothing": nil,
	})
	require.NoError(t, err)
	p := NewParams(body)

	s, err := p.String("name")
	require.NoError(t, err)
	assert.Equal(t, "alice", s)

	_, err = p.String("empty")
	assert.True(t, types.IsKind(err, types.KindBadRequest))
	_, err = p.String("missing")
	assert.True(t, types.IsKind(err, types.KindBadRequest))
	_, err = p.String("count")
	assert.True(t, types.IsKind(err, types.KindBadRequest))

	s, err = p.OptionalString("nothing", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", s)

	n, err := p.Int64("count")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = p.Int64("numeric")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	_, err = p.Int64("frac")
	assert.True(t, types.IsKind(err, types.KindBadRequest))

	n, err = p.OptionalInt64("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestStatusRoundTrip(t *testing.T) {
	kinds := []types.Kind{
		types.KindInvalidFormat,
		types.KindResolutionFailed,
		types.KindNotFound,
		types.KindExpired,
		types.KindUUIDConflict,
		types.KindMethodNotAllowed,
		types.KindBadRequest,
		types.KindUnauthorized,
		types.KindCryptographic,
	}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			err := FromStatus(ToStatus(types.Errorf(kind, "failure"), false))
			assert.Equal(t, kind, types.KindOf(err))
			assert.Equal(t, "failure", err.Error())
		})
	}
}

func TestToStatus_HidesInternalMessages(t *testing.T) {
	err := types.Errorf(types.KindInternal, "database password is hunter2")

	hidden := status.Convert(ToStatus(err, false))
	assert.Equal(t, codes.Internal, hidden.Code())
	assert.Equal(t, "internal server error", hidden.Message())

	shown := status.Convert(ToStatus(err, true))
	assert.Contains(t, shown.Message(), "hunter2")
}

func TestFromStatus_PlainCodes(t *testing.T) {
	assert.Equal(t, types.KindResolutionFailed, types.KindOf(FromStatus(status.Error(codes.Unavailable, "down"))))
	assert.Equal(t, types.KindMethodNotAllowed, types.KindOf(FromStatus(status.Error(codes.Unimplemented, "nope"))))
	assert.Equal(t, types.KindResolutionFailed, types.KindOf(FromStatus(assert.AnError)))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(status.Error(codes.Unavailable, "down")))
	assert.True(t, Retryable(status.Error(codes.DeadlineExceeded, "slow")))
	assert.False(t, Retryable(status.Error(codes.NotFound, "gone")))
	assert.True(t, Retryable(assert.AnError))
	assert.False(t, Retryable(types.Errorf(types.KindNotFound, "gone")))
	assert.False(t, Retryable(nil))
}

func TestServer_CallsHandlers(t *testing.T) {
	lis := startServer(t, map[string]Handler{
		"echo": func(ctx context.Context, p Params) (any, error) {
			msg, err := p.String("message")
			if err != nil {
				return nil, err
			}
			return map[string]any{"message": msg}, nil
		},
		"lookup": func(ctx context.Context, p Params) (any, error) {
			return nil, types.Errorf(types.KindNotFound, "peer not found")
		},
	}, ServerOptions{})
	c := NewClient(dialBuf(t, lis), nil)
	ctx := context.Background()

	var out struct {
		Message string `json:"message"`
	}
	require.NoError(t, c.Call(ctx, "echo", map[string]any{"message": "hello"}, &out))
	assert.Equal(t, "hello", out.Message)

	err := c.Call(ctx, "echo", nil, &out)
	assert.True(t, types.IsKind(err, types.KindBadRequest))

	err = c.Call(ctx, "lookup", nil, nil)
	assert.True(t, types.IsKind(err, types.KindNotFound))

	err = c.Call(ctx, "unknown", nil, nil)
	assert.True(t, types.IsKind(err, types.KindMethodNotAllowed))
}

func TestServer_RequestSignaturesSurviveTheWire(t *testing.T) {
	pubStr, privStr, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)
	pub, err := trust.DecodePublicKey(pubStr)
	require.NoError(t, err)
	priv, err := trust.DecodePrivateKey(privStr)
	require.NoError(t, err)

	window := trust.Window{Frames: 1, FrameSeconds: 60}
	lis := startServer(t, map[string]Handler{
		"signed": func(ctx context.Context, p Params) (any, error) {
			md, _ := metadata.FromIncomingContext(ctx)
			assert.Equal(t, []string{"session-1"}, md.Get(MetadataSession))
			return true, VerifyRequest(md, pub, FullMethod("signed"), p.Struct(), window, time.Now())
		},
	}, ServerOptions{})

	c := NewClient(dialBuf(t, lis), nil).WithSession("session-1", priv)
	var ok bool
	require.NoError(t, c.Call(context.Background(), "signed", map[string]any{
		"peer":   "alice@example.com",
		"nested": map[string]any{"b": 2, "a": []any{"x", 1}},
	}, &ok))
	assert.True(t, ok)

	unsigned := NewClient(dialBuf(t, lis), nil).WithSession("session-1", nil)
	err = unsigned.Call(context.Background(), "signed", nil, nil)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))
}

func TestVerifyRequest_RejectsTampering(t *testing.T) {
	pubStr, privStr, err := trust.GenerateSigningKeyPair()
	require.NoError(t, err)
	pub, _ := trust.DecodePublicKey(pubStr)
	priv, _ := trust.DecodePrivateKey(privStr)
	window := trust.Window{Frames: 1, FrameSeconds: 60}
	now := time.Unix(1_700_000_000, 0)

	body, err := NewBody(map[string]any{"peer": "alice@example.com"})
	require.NoError(t, err)
	md, err := SignRequest(priv, FullMethod("resolvePeer"), body, now.Unix())
	require.NoError(t, err)

	require.NoError(t, VerifyRequest(md, pub, FullMethod("resolvePeer"), body, window, now))

	other, _ := NewBody(map[string]any{"peer": "mallory@example.com"})
	assert.Error(t, VerifyRequest(md, pub, FullMethod("resolvePeer"), other, window, now))
	assert.Error(t, VerifyRequest(md, pub, FullMethod("ping"), body, window, now))
	assert.Error(t, VerifyRequest(md, pub, FullMethod("resolvePeer"), body, window, now.Add(2*time.Minute)))
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*1.2))
	}

	p.Jitter = 0
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(6))
}

func TestPool_CircuitBreaker(t *testing.T) {
	clk := clock.NewMock()
	pool := NewPool(DialOptions{}, clk, zaptest.NewLogger(t))
	defer pool.Close()

	conn, err := pool.Get("http://remote.test")
	require.NoError(t, err)
	again, err := pool.Get("http://remote.test")
	require.NoError(t, err)
	assert.Same(t, conn, again)

	for i := 0; i < 3; i++ {
		pool.MarkFailed("http://remote.test")
	}
	_, err = pool.Get("http://remote.test")
	assert.True(t, types.IsKind(err, types.KindResolutionFailed))

	clk.Add(31 * time.Second)
	_, err = pool.Get("http://remote.test")
	require.NoError(t, err)

	// A failure while half-open reopens immediately.
	pool.MarkFailed("http://remote.test")
	_, err = pool.Get("http://remote.test")
	assert.Error(t, err)

	clk.Add(31 * time.Second)
	_, err = pool.Get("http://remote.test")
	require.NoError(t, err)
	pool.MarkSucceeded("http://remote.test")
	pool.MarkFailed("http://remote.test")
	_, err = pool.Get("http://remote.test")
	assert.NoError(t, err)
}

func TestPool_PrunesIdleConnections(t *testing.T) {
	clk := clock.NewMock()
	pool := NewPool(DialOptions{}, clk, zaptest.NewLogger(t))
	defer pool.Close()

	_, err := pool.Get("http://a.test")
	require.NoError(t, err)
	clk.Add(4 * time.Minute)
	_, err = pool.Get("http://b.test")
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())

	clk.Add(2 * time.Minute)
	assert.Equal(t, 1, pool.Prune())
	assert.Equal(t, 1, pool.Size())

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Size())
}
