package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"socialbox/pkg/discovery"
	"socialbox/pkg/store"
)

const cacheKeyPrefix = "resolved_server:"

// ResolvedServer is a domain's discovery record and when it was fetched.
// Entries are replaced wholesale, never patched.
type ResolvedServer struct {
	Domain     string           `json:"domain"`
	Record     discovery.Record `json:"record"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// IsStale reports whether the entry is older than ttl at now.
func IsStale(entry *ResolvedServer, now time.Time, ttl time.Duration) bool {
	return now.Sub(entry.ResolvedAt) > ttl
}

// Cache stores resolved servers in a store.KV with an in-process memo in
// front. It never performs network I/O.
type Cache struct {
	kv       store.KV
	memo     *expirable.LRU[string, ResolvedServer]
	storeTTL time.Duration
	logger   *zap.Logger
}

// NewCache creates a cache. storeTTL bounds how long abandoned entries stay
// in the KV store; a memoSize of 0 disables the memo.
func NewCache(kv store.KV, memoSize int, memoTTL, storeTTL time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{kv: kv, storeTTL: storeTTL, logger: logger}
	if memoSize > 0 {
		c.memo = expirable.NewLRU[string, ResolvedServer](memoSize, nil, memoTTL)
	}
	return c
}

func cacheKey(domain string) string {
	return cacheKeyPrefix + strings.ToLower(domain)
}

// Get returns the cached entry for domain. Staleness is the caller's call.
func (c *Cache) Get(ctx context.Context, domain string) (*ResolvedServer, bool, error) {
	domain = strings.ToLower(domain)
	if c.memo != nil {
		if entry, ok := c.memo.Get(domain); ok {
			return &entry, true, nil
		}
	}

	data, err := c.kv.Get(ctx, cacheKey(domain))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache for %s: %w", domain, err)
	}

	var entry ResolvedServer
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is a miss; the next refresh overwrites it.
		c.logger.Warn("Discarding corrupt cache entry", zap.String("domain", domain), zap.Error(err))
		return nil, false, nil
	}

	if c.memo != nil {
		c.memo.Add(domain, entry)
	}
	return &entry, true, nil
}

// Put replaces the entry for entry.Domain.
func (c *Cache) Put(ctx context.Context, entry *ResolvedServer) error {
	domain := strings.ToLower(entry.Domain)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.kv.Set(ctx, cacheKey(domain), data, c.storeTTL); err != nil {
		return fmt.Errorf("failed to write cache for %s: %w", domain, err)
	}
	if c.memo != nil {
		c.memo.Add(domain, *entry)
	}
	return nil
}

// Delete drops the entry for domain.
func (c *Cache) Delete(ctx context.Context, domain string) error {
	domain = strings.ToLower(domain)
	if c.memo != nil {
		c.memo.Remove(domain)
	}
	return c.kv.Delete(ctx, cacheKey(domain))
}

// Domains lists every domain with a stored entry.
func (c *Cache) Domains(ctx context.Context) ([]string, error) {
	keys, err := c.kv.Keys(ctx, cacheKeyPrefix)
	if err != nil {
		return nil, err
	}
	domains := make([]string, len(keys))
	for i, k := range keys {
		domains[i] = strings.TrimPrefix(k, cacheKeyPrefix)
	}
	return domains, nil
}
