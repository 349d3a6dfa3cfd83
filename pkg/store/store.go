// Package store declares the persistence boundaries shared by the resolver,
// trust and method packages. Implementations live in subpackages.
package store

import (
	"context"
	"time"

	"socialbox/pkg/types"
)

// ErrNotFound is returned by every store when a key or row is absent.
var ErrNotFound = types.ErrNotFound

// KV is a key-value cache with per-entry TTL. A zero TTL keeps the entry
// until it is deleted.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Keys lists the keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// PeerStore holds locally registered peers and their signing keys.
type PeerStore interface {
	CreatePeer(ctx context.Context, p *types.Peer) error
	GetPeer(ctx context.Context, uuid string) (*types.Peer, error)
	GetPeerByUsername(ctx context.Context, username string) (*types.Peer, error)
	UpdatePeer(ctx context.Context, p *types.Peer) error
	// ModifyPeer applies fn to the stored peer atomically. fn may return an
	// error to abort without writing.
	ModifyPeer(ctx context.Context, uuid string, fn func(*types.Peer) error) (*types.Peer, error)

	AddSigningKey(ctx context.Context, key *types.SigningKey) error
	GetSigningKey(ctx context.Context, peerUUID, keyUUID string) (*types.SigningKey, error)
	ListSigningKeys(ctx context.Context, peerUUID string) ([]*types.SigningKey, error)
	DeleteSigningKey(ctx context.Context, peerUUID, keyUUID string) error
}
