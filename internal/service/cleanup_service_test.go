package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository/memory"
)

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	args := m.Called(ctx, name, ttl)
	release, _ := args.Get(0).(func(context.Context) error)
	return release, args.Bool(1), args.Error(2)
}

func seedCleanupData(t *testing.T, store *memory.Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	email := model.Contact{Value: "user@example.com", Type: model.ContactEmail}

	// expired and unused
	for i := 0; i < 5; i++ {
		require.NoError(t, store.OTPs().Create(ctx, &model.OTPRecord{
			Contact: email, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-50 * time.Minute),
		}))
	}
	// used and past retention
	require.NoError(t, store.OTPs().Create(ctx, &model.OTPRecord{
		Contact: email, CreatedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-8 * 24 * time.Hour), IsUsed: true,
	}))
	// live
	require.NoError(t, store.OTPs().Create(ctx, &model.OTPRecord{
		Contact: email, CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}))

	require.NoError(t, store.Blacklist().Add(ctx, &model.BlacklistEntry{
		Contact: email, Reason: model.ReasonManualBlock, BlacklistedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}))
	require.NoError(t, store.Blacklist().Add(ctx, &model.BlacklistEntry{
		Contact: email, Reason: model.ReasonManualBlock, BlacklistedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, store.RefreshTokens().Create(ctx, &model.RefreshToken{
		TokenHash: "stale", UserID: "u1", CreatedAt: now.Add(-40 * 24 * time.Hour), ExpiresAt: now.Add(-2 * 24 * time.Hour),
	}))
	require.NoError(t, store.RefreshTokens().Create(ctx, &model.RefreshToken{
		TokenHash: "grace", UserID: "u1", CreatedAt: now.Add(-30 * 24 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
}

func newCleanup(store *memory.Store, lock RunLocker, clock *fakeClock) *CleanupService {
	return NewCleanupService(store, lock, Options{Logger: zap.NewNop(), Now: clock.Now, StoreTimeout: time.Second})
}

func TestCleanupRun_IsIdempotent(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewStore()
	seedCleanupData(t, store, clock.Now())
	cfg := testConfig().Cleanup
	svc := newCleanup(store, nil, clock)

	first := svc.Run(context.Background(), cfg)
	require.True(t, first.Success)
	assert.Empty(t, first.Errors)
	assert.Equal(t, 5, first.Categories[CategoryOTPExpired].Deleted)
	assert.Equal(t, 1, first.Categories[CategoryOTPRetention].Deleted)
	assert.Equal(t, 1, first.Categories[CategoryBlacklistExpired].Deleted)
	assert.Equal(t, 0, first.Categories[CategoryBlacklistRetention].Deleted)
	assert.Equal(t, 1, first.Categories[CategoryRefreshTokens].Deleted)
	assert.Equal(t, 8, first.TotalDeleted)
	assert.Equal(t, 1, store.OTPCount())
	assert.NotContains(t, first.Categories, CategoryInactiveUsers)

	second := svc.Run(context.Background(), cfg)
	require.True(t, second.Success)
	assert.Zero(t, second.TotalDeleted)
}

func TestCleanupRun_BatchesAndTruncation(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewStore()
	seedCleanupData(t, store, clock.Now())
	cfg := testConfig().Cleanup
	cfg.BatchSize = 2
	cfg.MaxBatches = 2

	res := newCleanup(store, nil, clock).Run(context.Background(), cfg)
	expired := res.Categories[CategoryOTPExpired]
	assert.Equal(t, 4, expired.Deleted)
	assert.Equal(t, 2, expired.Batches)
	assert.True(t, expired.Truncated)

	res = newCleanup(store, nil, clock).Run(context.Background(), cfg)
	expired = res.Categories[CategoryOTPExpired]
	assert.Equal(t, 1, expired.Deleted)
	assert.False(t, expired.Truncated)
}

func TestCleanupRun_RecordsErrorsPerCategory(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewStore()
	store.FailWith(errors.New("store offline"))

	res := newCleanup(store, nil, clock).Run(context.Background(), testConfig().Cleanup)
	assert.False(t, res.Success)
	assert.Len(t, res.Errors, 5)
	for _, cat := range res.Categories {
		assert.Contains(t, cat.Error, "store offline")
	}
}

func TestCleanupRun_InactiveUsers(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Cleanup.DeleteInactiveUsers = true })
	ctx := context.Background()
	stale := login(t, env, "old@example.com", "email")

	env.clock.Advance(400 * 24 * time.Hour)
	active := login(t, env, "new@example.com", "email")

	res := env.auth.RunCleanup(ctx, env.cfg.Cleanup)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.Categories[CategoryInactiveUsers].Deleted)

	_, err := env.auth.ValidateSession(ctx, active.SessionToken)
	assert.NoError(t, err)
	_, err = env.auth.RefreshSession(ctx, stale.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = env.store.Users().GetByID(ctx, stale.User.ID)
	assert.Error(t, err)
}

func TestCleanupRun_SkipsWhenLockHeld(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewStore()
	seedCleanupData(t, store, clock.Now())
	cfg := testConfig().Cleanup
	cfg.LockTTL = time.Minute

	lock := &mockLocker{}
	lock.On("Acquire", mock.Anything, cleanupLockName, time.Minute).Return(nil, false, nil).Once()

	res := newCleanup(store, lock, clock).Run(context.Background(), cfg)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.TotalDeleted)
	assert.Equal(t, 7, store.OTPCount())
	lock.AssertExpectations(t)
}

func TestCleanupRun_ReleasesLock(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewStore()
	released := false
	release := func(context.Context) error {
		released = true
		return nil
	}

	lock := &mockLocker{}
	lock.On("Acquire", mock.Anything, cleanupLockName, mock.Anything).Return(release, true, nil).Once()

	res := newCleanup(store, lock, clock).Run(context.Background(), testConfig().Cleanup)
	assert.True(t, res.Success)
	assert.True(t, released)
	lock.AssertExpectations(t)
}
