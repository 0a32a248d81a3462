package factory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/util"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		ServiceName: "passwordless-auth",
		Store:       config.StoreConfig{Driver: "memory", Timeout: time.Second},
		Hashing:     config.HashingConfig{Argon2MemoryCost: 64, Argon2TimeCost: 1, Argon2Parallelism: 1, OTPPepper: "pepper"},
		OTP:         config.OTPConfig{CodeTTL: 10 * time.Minute, MaxVerifyAttempts: 3},
		Blacklist:   config.BlacklistPolicy{MaxSendAttempts: 5, SendAttemptWindow: 15 * time.Minute, Duration: time.Hour, FailOpenOnStoreError: true},
		RateLimit:   config.RateLimitPolicy{SendPerMinute: 20, SendPerHour: 50, SendPerDay: 200, VerifyPerMinute: 5, VerifyPerCode: 3, ResendInterval: time.Minute, ResendPerHour: 3},
		Session:     config.SessionConfig{SigningSecret: "0123456789abcdef0123456789abcdef", Issuer: "test", SessionTTL: time.Hour, RefreshTTL: 24 * time.Hour},
		Cleanup:     config.CleanupConfig{BatchSize: 10, MaxBatches: 2, Parallelism: 1},
	}
}

func TestFactoryWithMemoryStore(t *testing.T) {
	util.SetLogger(zap.NewNop())
	ctx := context.Background()

	f, err := NewFactoryWithConfig(ctx, memoryConfig())
	require.NoError(t, err)
	defer f.Close()

	sf := f.ServiceFactory()
	require.NotNil(t, sf.AuthService())
	assert.Same(t, sf, f.ServiceFactory())
	assert.Nil(t, f.IPThrottle())
	assert.Nil(t, f.TLSManager())

	checks := f.HealthChecks()
	assert.Len(t, checks, 1)
	assert.Contains(t, checks, "store")
	assert.True(t, f.IsHealthy(ctx))

	res, err := sf.AuthService().RequestOtp(ctx, "user@example.com", "email")
	require.NoError(t, err)
	assert.True(t, res.ExpiresAt.After(time.Now()))

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}

func TestFactoryRejectsInvalidConfig(t *testing.T) {
	util.SetLogger(zap.NewNop())
	cfg := memoryConfig()
	cfg.Store.Driver = "mongo"

	_, err := NewFactoryWithConfig(context.Background(), cfg)
	assert.ErrorContains(t, err, "STORE_DRIVER")
}

func TestFactoryRefusesMemoryStoreInProduction(t *testing.T) {
	util.SetLogger(zap.NewNop())
	cfg := memoryConfig()
	cfg.Environment = "production"

	_, err := NewFactoryWithConfig(context.Background(), cfg)
	assert.Error(t, err)
}
