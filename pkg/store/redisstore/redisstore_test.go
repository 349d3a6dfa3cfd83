package redisstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"socialbox/pkg/channel"
	"socialbox/pkg/session"
	"socialbox/pkg/store"
	"socialbox/pkg/types"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStore_KV(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	s := New(client, zaptest.NewLogger(t))

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.Set(ctx, "resolved_server:example.com", []byte("one"), time.Minute))
	got, err := s.Get(ctx, "resolved_server:example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	ok, err := s.SetNX(ctx, "resolved_server:example.com", []byte("two"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SetNX(ctx, "resolved_server:other.org", []byte("two"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Set(ctx, "peer_profile:a@b.com", []byte("x"), 0))

	keys, err := s.Keys(ctx, "resolved_server:")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"resolved_server:example.com", "resolved_server:other.org"}, keys)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "resolved_server:example.com")
	assert.True(t, errors.Is(err, store.ErrNotFound), "entry should expire with its ttl")

	require.NoError(t, s.Delete(ctx, "resolved_server:other.org"))
	_, err = s.Get(ctx, "resolved_server:other.org")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func newRecord(id string, flags ...session.Flag) *session.Record {
	now := time.UnixMilli(1_700_000_000_000)
	return &session.Record{
		UUID:        id,
		PeerUUID:    "peer-1",
		Identity:    "alice@example.com",
		PublicKey:   "sig:abc",
		ClientName:  "test",
		State:       session.StateActive,
		Flags:       flags,
		Created:     now,
		LastRequest: now,
	}
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	s := NewSessionStore(client, time.Hour)

	rec := newRecord("s-1", session.AuthenticationRequired, session.VerPassword)
	require.NoError(t, s.CreateSession(ctx, rec))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Identity, got.Identity)
	assert.Equal(t, rec.PeerUUID, got.PeerUUID)
	assert.Equal(t, session.StateActive, got.State)
	assert.False(t, got.Authenticated)
	assert.True(t, rec.LastRequest.Equal(got.LastRequest))
	assert.ElementsMatch(t, rec.Flags, got.Flags)

	err = s.CreateSession(ctx, newRecord("s-1"))
	assert.True(t, types.IsKind(err, types.KindUUIDConflict))

	_, err = s.GetSession(ctx, "missing")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestSessionStore_ConcurrentCreateConflicts(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	s := NewSessionStore(client, 0)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateSession(ctx, newRecord("same-uuid", session.RegistrationRequired))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case types.IsKind(err, types.KindUUIDConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
}

func TestSessionStore_RemoveFlagsIsSetDifference(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	s := NewSessionStore(client, 0)

	require.NoError(t, s.CreateSession(ctx, newRecord("s-1",
		session.RegistrationRequired, session.SetPassword, session.SetDisplayName, session.VerPrivacyPolicy)))

	var wg sync.WaitGroup
	for _, f := range []session.Flag{session.SetPassword, session.SetDisplayName} {
		wg.Add(1)
		go func(f session.Flag) {
			defer wg.Done()
			_, err := s.RemoveFlags(ctx, "s-1", []session.Flag{f})
			assert.NoError(t, err)
		}(f)
	}
	wg.Wait()

	remaining, err := s.RemoveFlags(ctx, "s-1", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []session.Flag{session.RegistrationRequired, session.VerPrivacyPolicy}, remaining)
}

func TestSessionStore_ClearGate(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	s := NewSessionStore(client, 0)
	required := session.RequiredLeaves(session.AuthenticationRequired)

	require.NoError(t, s.CreateSession(ctx, newRecord("s-1", session.AuthenticationRequired, session.VerOTP)))

	cleared, err := s.ClearGate(ctx, "s-1", session.AuthenticationRequired, required)
	require.NoError(t, err)
	assert.False(t, cleared, "gate must stay while a leaf is outstanding")

	_, err = s.RemoveFlags(ctx, "s-1", []session.Flag{session.VerOTP})
	require.NoError(t, err)

	cleared, err = s.ClearGate(ctx, "s-1", session.AuthenticationRequired, required)
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = s.ClearGate(ctx, "s-1", session.AuthenticationRequired, required)
	require.NoError(t, err)
	assert.False(t, cleared, "gate is cleared only once")

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, got.Authenticated)
	assert.Empty(t, got.Flags)
}

func TestSessionStore_TransitionAndTouch(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	s := NewSessionStore(client, 0)
	require.NoError(t, s.CreateSession(ctx, newRecord("s-1")))

	later := time.UnixMilli(1_700_000_500_000)
	require.NoError(t, s.TouchSession(ctx, "s-1", later))

	moved, err := s.TransitionSession(ctx, "s-1", session.StateActive, session.StateClosed)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.TransitionSession(ctx, "s-1", session.StateActive, session.StateExpired)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, got.State)
	assert.True(t, later.Equal(got.LastRequest))

	_, err = s.TransitionSession(ctx, "missing", session.StateActive, session.StateClosed)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestSessionStore_TouchNeverRecreates(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	s := NewSessionStore(client, time.Minute)
	require.NoError(t, s.CreateSession(ctx, newRecord("s-1")))

	require.NoError(t, s.TouchSession(ctx, "s-1", time.UnixMilli(1_700_000_100_000)))
	assert.Equal(t, time.Minute, mr.TTL(sessionKey("s-1")))

	mr.FastForward(2 * time.Minute)
	err := s.TouchSession(ctx, "s-1", time.UnixMilli(1_700_000_200_000))
	assert.True(t, types.IsKind(err, types.KindNotFound), "got %v", err)
	assert.False(t, mr.Exists(sessionKey("s-1")), "an expired session must not come back without a TTL")

	err = s.TouchSession(ctx, "never-created", time.UnixMilli(1_700_000_200_000))
	assert.True(t, types.IsKind(err, types.KindNotFound))
	assert.False(t, mr.Exists(sessionKey("never-created")))
}

func TestChannelStore(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	s := NewChannelStore(client, 0)

	ch := &channel.Channel{
		UUID:             "c-1",
		CallingPeer:      "alice@example.com",
		CallingPublicKey: "enc:aaa",
		ReceivingPeer:    "bob@other.org",
		Status:           channel.StatusAwaitingReceiver,
	}
	require.NoError(t, s.CreateChannel(ctx, ch))

	err := s.CreateChannel(ctx, ch)
	assert.True(t, types.IsKind(err, types.KindUUIDConflict))

	updated, err := s.UpdateChannel(ctx, "c-1", func(c *channel.Channel) error {
		c.Status = channel.StatusOpened
		c.ReceivingPublicKey = "enc:bbb"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, channel.StatusOpened, updated.Status)

	got, err := s.GetChannel(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	abort := types.Errorf(types.KindBadRequest, "nope")
	_, err = s.UpdateChannel(ctx, "c-1", func(c *channel.Channel) error {
		c.Status = channel.StatusClosed
		return abort
	})
	assert.ErrorIs(t, err, abort)
	got, err = s.GetChannel(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, channel.StatusOpened, got.Status)

	_, err = s.UpdateChannel(ctx, "missing", func(*channel.Channel) error { return nil })
	assert.True(t, types.IsKind(err, types.KindNotFound))
}
