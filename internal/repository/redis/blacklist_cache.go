package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/client"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/util"
)

const blacklistPrefix = "blacklist:"

// BlacklistCache remembers positive blacklist decisions until the entry
// expires (capped at maxTTL). Misses always fall through to the store.
type BlacklistCache struct {
	client *client.RedisClient
	maxTTL time.Duration
}

func NewBlacklistCache(client *client.RedisClient, maxTTL time.Duration) *BlacklistCache {
	return &BlacklistCache{client: client, maxTTL: maxTTL}
}

func blacklistKey(contact model.Contact) string {
	return blacklistPrefix + contact.Hash()
}

// Get returns nil without error on a miss.
func (c *BlacklistCache) Get(ctx context.Context, contact model.Contact) (*model.BlacklistEntry, error) {
	raw, err := c.client.Get(ctx, blacklistKey(contact))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		util.Error("Failed to read blacklist cache",
			zap.String("contact_hash", contact.Hash()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read blacklist cache: %w", err)
	}

	var entry model.BlacklistEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode blacklist cache entry: %w", err)
	}
	return &entry, nil
}

// Put caches entry if it is still active. A later-expiring entry replaces an
// earlier one; a shorter one never shortens the cached block.
func (c *BlacklistCache) Put(ctx context.Context, entry *model.BlacklistEntry, now time.Time) error {
	ttl := entry.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	if existing, err := c.Get(ctx, entry.Contact); err == nil && existing != nil && existing.ExpiresAt.After(entry.ExpiresAt) {
		return nil
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode blacklist cache entry: %w", err)
	}
	if err := c.client.Set(ctx, blacklistKey(entry.Contact), payload, ttl); err != nil {
		util.Error("Failed to write blacklist cache",
			zap.String("contact_hash", entry.Contact.Hash()),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to write blacklist cache: %w", err)
	}
	return nil
}
