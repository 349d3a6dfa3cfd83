package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"socialbox/pkg/channel"
	"socialbox/pkg/types"
)

const channelPrefix = "channel:"

// ChannelStore keeps channels as JSON strings.
type ChannelStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

var _ channel.Store = (*ChannelStore)(nil)

func NewChannelStore(client redis.UniversalClient, retention time.Duration) *ChannelStore {
	return &ChannelStore{client: client, retention: retention}
}

func channelKey(id string) string {
	return channelPrefix + id
}

// CreateChannel uses SETNX so only one of two concurrent creations with the
// same uuid succeeds.
func (s *ChannelStore) CreateChannel(ctx context.Context, ch *channel.Channel) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to encode channel: %w", err)
	}
	ok, err := s.client.SetNX(ctx, channelKey(ch.UUID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to create channel %s: %w", ch.UUID, err)
	}
	if !ok {
		return types.Errorf(types.KindUUIDConflict, "channel %s already exists", ch.UUID)
	}
	return nil
}

func (s *ChannelStore) GetChannel(ctx context.Context, id string) (*channel.Channel, error) {
	data, err := s.client.Get(ctx, channelKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.Errorf(types.KindNotFound, "channel %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel %s: %w", id, err)
	}
	return decodeChannel(id, data)
}

func (s *ChannelStore) UpdateChannel(ctx context.Context, id string, fn func(*channel.Channel) error) (*channel.Channel, error) {
	key := channelKey(id)
	var updated *channel.Channel
	err := watch(ctx, s.client, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.Errorf(types.KindNotFound, "channel %s not found", id)
		}
		if err != nil {
			return err
		}
		ch, err := decodeChannel(id, data)
		if err != nil {
			return err
		}
		if err := fn(ch); err != nil {
			return err
		}
		out, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("failed to encode channel: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = ch
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func decodeChannel(id string, data []byte) (*channel.Channel, error) {
	var ch channel.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("corrupt channel %s: %w", id, err)
	}
	return &ch, nil
}
