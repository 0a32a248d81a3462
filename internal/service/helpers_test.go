package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/hashing"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository/memory"
	"passwordless-auth/internal/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureDelivery struct {
	mu    sync.Mutex
	codes map[string][]string
	err   error
}

func (d *captureDelivery) Deliver(_ context.Context, contact model.Contact, code string, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.codes == nil {
		d.codes = make(map[string][]string)
	}
	d.codes[contact.Key()] = append(d.codes[contact.Key()], code)
	return nil
}

func (d *captureDelivery) last(t *testing.T, value, contactType string) string {
	t.Helper()
	contact, err := model.ParseContact(value, contactType)
	require.NoError(t, err)
	d.mu.Lock()
	defer d.mu.Unlock()
	codes := d.codes[contact.Key()]
	require.NotEmpty(t, codes, "no code delivered")
	return codes[len(codes)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Store:       config.StoreConfig{Driver: "memory", Timeout: time.Second},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  64,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			OTPPepper:         "test-pepper",
		},
		OTP: config.OTPConfig{CodeTTL: 10 * time.Minute, MaxVerifyAttempts: 3},
		Blacklist: config.BlacklistPolicy{
			MaxSendAttempts:      5,
			SendAttemptWindow:    15 * time.Minute,
			Duration:             24 * time.Hour,
			FailOpenOnStoreError: true,
		},
		RateLimit: config.RateLimitPolicy{
			SendPerMinute:        20,
			SendPerHour:          50,
			SendPerDay:           200,
			VerifyPerMinute:      5,
			VerifyPerCode:        3,
			ResendInterval:       60 * time.Second,
			ResendPerHour:        3,
			FailOpenOnStoreError: true,
		},
		Session: config.SessionConfig{
			Issuer:     "passwordless-auth-test",
			SessionTTL: time.Hour,
			RefreshTTL: 30 * 24 * time.Hour,
		},
		Cleanup: config.CleanupConfig{
			OTPRetention:       7 * 24 * time.Hour,
			BlacklistRetention: 30 * 24 * time.Hour,
			RefreshTokenGrace:  24 * time.Hour,
			UserRetention:      365 * 24 * time.Hour,
			BatchSize:          100,
			MaxBatches:         10,
			Parallelism:        2,
		},
	}
}

type testEnv struct {
	cfg      *config.Config
	store    *memory.Store
	clock    *fakeClock
	delivery *captureDelivery
	factory  *ServiceFactory
	auth     *AuthService
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if tweak != nil {
		tweak(cfg)
	}
	clock := newFakeClock()
	signer, err := token.NewHMACSigner(testSecret, cfg.Session.Issuer, cfg.Session.SessionTTL, clock.Now)
	require.NoError(t, err)

	env := &testEnv{
		cfg:      cfg,
		store:    memory.NewStore(),
		clock:    clock,
		delivery: &captureDelivery{},
	}
	env.factory = NewServiceFactory(cfg, env.store, hashing.NewHasher(cfg.Hashing), signer, nil, nil, env.delivery, Options{
		Logger: zap.NewNop(),
		Now:    clock.Now,
	})
	env.auth = env.factory.AuthService()
	return env
}

// requestCode issues a code and returns what delivery received.
func (e *testEnv) requestCode(t *testing.T, value, contactType string) string {
	t.Helper()
	_, err := e.auth.RequestOtp(context.Background(), value, contactType)
	require.NoError(t, err)
	return e.delivery.last(t, value, contactType)
}
