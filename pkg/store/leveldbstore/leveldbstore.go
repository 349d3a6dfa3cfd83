// Package leveldbstore implements store.PeerStore on top of LevelDB.
package leveldbstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"socialbox/pkg/store"
	"socialbox/pkg/types"
)

const (
	peerPrefix     = "peer:"
	usernamePrefix = "username:"
	keyPrefix      = "signing_key:"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// Store keeps peers and signing keys in a LevelDB database. Writes are
// synchronous.
type Store struct {
	db     *leveldb.DB
	logger *zap.Logger

	// guards the username index against concurrent registrations
	mu sync.Mutex
}

var _ store.PeerStore = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return Wrap(db, logger), nil
}

// Wrap uses an already open database.
func Wrap(db *leveldb.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func peerKey(uuid string) []byte {
	return []byte(peerPrefix + uuid)
}

func usernameKey(username string) []byte {
	return []byte(usernamePrefix + strings.ToLower(username))
}

func signingKeyKey(peerUUID, keyUUID string) []byte {
	return []byte(keyPrefix + peerUUID + ":" + keyUUID)
}

func (s *Store) getJSON(key []byte, v any) error {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("leveldb get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// CreatePeer stores a new peer. The username must not be taken.
func (s *Store) CreatePeer(ctx context.Context, p *types.Peer) error {
	if p.UUID == "" || p.Username == "" {
		return types.Errorf(types.KindBadRequest, "peer uuid and username are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := s.db.Has(usernameKey(p.Username), nil); err != nil {
		return fmt.Errorf("leveldb has: %w", err)
	} else if ok {
		return types.Errorf(types.KindUUIDConflict, "username %q is already registered", p.Username)
	}
	if ok, err := s.db.Has(peerKey(p.UUID), nil); err != nil {
		return fmt.Errorf("leveldb has: %w", err)
	} else if ok {
		return types.Errorf(types.KindUUIDConflict, "peer %s already exists", p.UUID)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode peer: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(peerKey(p.UUID), data)
	batch.Put(usernameKey(p.Username), []byte(p.UUID))
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("failed to write peer: %w", err)
	}

	s.logger.Debug("Registered peer", zap.String("uuid", p.UUID), zap.String("username", p.Username))
	return nil
}

func (s *Store) GetPeer(ctx context.Context, uuid string) (*types.Peer, error) {
	var p types.Peer
	if err := s.getJSON(peerKey(uuid), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPeerByUsername(ctx context.Context, username string) (*types.Peer, error) {
	uuid, err := s.db.Get(usernameKey(username), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get username: %w", err)
	}
	return s.GetPeer(ctx, string(uuid))
}

// UpdatePeer replaces a stored peer. The username cannot change.
func (s *Store) UpdatePeer(ctx context.Context, p *types.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetPeer(ctx, p.UUID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(existing.Username, p.Username) {
		return types.Errorf(types.KindBadRequest, "username cannot be changed")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode peer: %w", err)
	}
	return s.db.Put(peerKey(p.UUID), data, syncWrite)
}

func (s *Store) ModifyPeer(ctx context.Context, uuid string, fn func(*types.Peer) error) (*types.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetPeer(ctx, uuid)
	if err != nil {
		return nil, err
	}
	username := p.Username
	if err := fn(p); err != nil {
		return nil, err
	}
	if p.UUID != uuid || !strings.EqualFold(p.Username, username) {
		return nil, types.Errorf(types.KindBadRequest, "peer uuid and username cannot be changed")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode peer: %w", err)
	}
	if err := s.db.Put(peerKey(uuid), data, syncWrite); err != nil {
		return nil, fmt.Errorf("failed to write peer: %w", err)
	}
	return p, nil
}

func (s *Store) AddSigningKey(ctx context.Context, key *types.SigningKey) error {
	if key.UUID == "" || key.PeerUUID == "" {
		return types.Errorf(types.KindBadRequest, "signing key uuid and peer uuid are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := signingKeyKey(key.PeerUUID, key.UUID)
	if ok, err := s.db.Has(k, nil); err != nil {
		return fmt.Errorf("leveldb has: %w", err)
	} else if ok {
		return types.Errorf(types.KindUUIDConflict, "signing key %s already exists", key.UUID)
	}

	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to encode signing key: %w", err)
	}
	return s.db.Put(k, data, syncWrite)
}

func (s *Store) GetSigningKey(ctx context.Context, peerUUID, keyUUID string) (*types.SigningKey, error) {
	var key types.SigningKey
	if err := s.getJSON(signingKeyKey(peerUUID, keyUUID), &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// ListSigningKeys returns the peer's keys ordered by uuid.
func (s *Store) ListSigningKeys(ctx context.Context, peerUUID string) ([]*types.SigningKey, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix+peerUUID+":")), nil)
	defer iter.Release()

	var keys []*types.SigningKey
	for iter.Next() {
		var key types.SigningKey
		if err := json.Unmarshal(iter.Value(), &key); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", iter.Key(), err)
		}
		keys = append(keys, &key)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	return keys, nil
}

func (s *Store) DeleteSigningKey(ctx context.Context, peerUUID, keyUUID string) error {
	k := signingKeyKey(peerUUID, keyUUID)
	if ok, err := s.db.Has(k, nil); err != nil {
		return fmt.Errorf("leveldb has: %w", err)
	} else if !ok {
		return store.ErrNotFound
	}
	return s.db.Delete(k, syncWrite)
}
