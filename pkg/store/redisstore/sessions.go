package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"socialbox/pkg/session"
	"socialbox/pkg/types"
)

const sessionPrefix = "session:"

// SessionStore keeps each session as a hash plus a set of outstanding flags.
type SessionStore struct {
	client redis.UniversalClient
	// retention is how long a record lingers after its last write.
	retention time.Duration
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore creates a session store. A zero retention keeps records
// forever.
func NewSessionStore(client redis.UniversalClient, retention time.Duration) *SessionStore {
	return &SessionStore{client: client, retention: retention}
}

func sessionKey(id string) string {
	return sessionPrefix + id
}

func flagsKey(id string) string {
	return sessionPrefix + id + ":flags"
}

func (s *SessionStore) expire(ctx context.Context, pipe redis.Pipeliner, id string) {
	if s.retention > 0 {
		pipe.Expire(ctx, sessionKey(id), s.retention)
		pipe.Expire(ctx, flagsKey(id), s.retention)
	}
}

func (s *SessionStore) CreateSession(ctx context.Context, rec *session.Record) error {
	key := sessionKey(rec.UUID)
	fields := map[string]any{
		"peer_uuid":      rec.PeerUUID,
		"identity":       rec.Identity,
		"external":       boolField(rec.External),
		"authenticated":  boolField(rec.Authenticated),
		"public_key":     rec.PublicKey,
		"client_name":    rec.ClientName,
		"client_version": rec.ClientVersion,
		"state":          string(rec.State),
		"created":        rec.Created.UnixMilli(),
		"last_request":   rec.LastRequest.UnixMilli(),
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return types.Errorf(types.KindUUIDConflict, "session %s already exists", rec.UUID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if len(rec.Flags) > 0 {
				pipe.SAdd(ctx, flagsKey(rec.UUID), flagMembers(rec.Flags)...)
			}
			s.expire(ctx, pipe, rec.UUID)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return types.Errorf(types.KindUUIDConflict, "session %s already exists", rec.UUID)
	case types.IsKind(err, types.KindUUIDConflict):
		return err
	case err != nil:
		return fmt.Errorf("failed to create session %s: %w", rec.UUID, err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*session.Record, error) {
	var (
		hash  *redis.MapStringStringCmd
		flags *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hash = pipe.HGetAll(ctx, sessionKey(id))
		flags = pipe.SMembers(ctx, flagsKey(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	h := hash.Val()
	if len(h) == 0 {
		return nil, types.Errorf(types.KindNotFound, "session %s not found", id)
	}

	rec := &session.Record{
		UUID:          id,
		PeerUUID:      h["peer_uuid"],
		Identity:      h["identity"],
		External:      h["external"] == "1",
		Authenticated: h["authenticated"] == "1",
		PublicKey:     h["public_key"],
		ClientName:    h["client_name"],
		ClientVersion: h["client_version"],
		State:         session.State(h["state"]),
		Created:       millis(h["created"]),
		LastRequest:   millis(h["last_request"]),
	}
	for _, f := range flags.Val() {
		rec.Flags = append(rec.Flags, session.Flag(f))
	}
	rec.Flags = session.Sorted(rec.Flags)
	return rec, nil
}

// TouchSession never recreates a session whose hash has expired or been
// evicted; it reports NOT_FOUND instead.
func (s *SessionStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	key := sessionKey(id)
	return watch(ctx, s.client, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.Errorf(types.KindNotFound, "session %s not found", id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "last_request", at.UnixMilli())
			s.expire(ctx, pipe, id)
			return nil
		})
		return err
	}, key)
}

func (s *SessionStore) TransitionSession(ctx context.Context, id string, from, to session.State) (bool, error) {
	key := sessionKey(id)
	moved := false
	err := watch(ctx, s.client, func(tx *redis.Tx) error {
		moved = false
		state, err := tx.HGet(ctx, key, "state").Result()
		if errors.Is(err, redis.Nil) {
			return types.Errorf(types.KindNotFound, "session %s not found", id)
		}
		if err != nil {
			return err
		}
		if session.State(state) != from {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", string(to))
			return nil
		})
		if err == nil {
			moved = true
		}
		return err
	}, key)
	return moved, err
}

// RemoveFlags is a set difference (SREM); concurrent removals never undo
// each other.
func (s *SessionStore) RemoveFlags(ctx context.Context, id string, flags []session.Flag) ([]session.Flag, error) {
	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(flags) > 0 {
			pipe.SRem(ctx, flagsKey(id), flagMembers(flags)...)
		}
		members = pipe.SMembers(ctx, flagsKey(id))
		return nil
	})
	if err != nil {
		return nil, err
	}
	remaining := make([]session.Flag, 0, len(members.Val()))
	for _, f := range members.Val() {
		remaining = append(remaining, session.Flag(f))
	}
	return remaining, nil
}

func (s *SessionStore) ClearGate(ctx context.Context, id string, gate session.Flag, required []session.Flag) (bool, error) {
	fk := flagsKey(id)
	cleared := false
	err := watch(ctx, s.client, func(tx *redis.Tx) error {
		cleared = false
		members, err := tx.SMembers(ctx, fk).Result()
		if err != nil {
			return err
		}
		current := make([]session.Flag, len(members))
		for i, m := range members {
			current[i] = session.Flag(m)
		}
		if !session.Contains(current, gate) || session.ContainsAny(current, required...) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, fk, string(gate))
			pipe.HSet(ctx, sessionKey(id), "authenticated", "1")
			return nil
		})
		if err == nil {
			cleared = true
		}
		return err
	}, fk, sessionKey(id))
	return cleared, err
}

func flagMembers(flags []session.Flag) []any {
	out := make([]any, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
