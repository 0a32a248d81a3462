package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"passwordless-auth/internal/client"
	"passwordless-auth/internal/util"
)

const lockPrefix = "temp_lock:"

// deletes the key only while it still holds our token
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`

// RunLock is a best-effort mutual exclusion for scheduled jobs.
type RunLock struct {
	client *client.RedisClient
}

func NewRunLock(client *client.RedisClient) *RunLock {
	return &RunLock{client: client}
}

// Acquire returns acquired=false when another holder owns name.
func (l *RunLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := lockPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl)
	if err != nil {
		util.Error("Failed to set temporary lock", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return nil, false, fmt.Errorf("failed to set temporary lock: %w", err)
	}
	if !ok {
		util.Debug("Temporary lock already held", zap.String("key", key))
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if _, err := l.client.Eval(ctx, releaseScript, []string{key}, token); err != nil {
			return fmt.Errorf("failed to release temporary lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}
