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
)

type mockBlacklistRepo struct {
	mock.Mock
}

func (m *mockBlacklistRepo) Add(ctx context.Context, entry *model.BlacklistEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockBlacklistRepo) ListActive(ctx context.Context, contact model.Contact, now time.Time) ([]*model.BlacklistEntry, error) {
	args := m.Called(ctx, contact, now)
	entries, _ := args.Get(0).([]*model.BlacklistEntry)
	return entries, args.Error(1)
}

func (m *mockBlacklistRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	args := m.Called(ctx, now, limit)
	return args.Int(0), args.Error(1)
}

func (m *mockBlacklistRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	args := m.Called(ctx, cutoff, limit)
	return args.Int(0), args.Error(1)
}

type mockBlacklistCache struct {
	mock.Mock
}

func (m *mockBlacklistCache) Get(ctx context.Context, contact model.Contact) (*model.BlacklistEntry, error) {
	args := m.Called(ctx, contact)
	entry, _ := args.Get(0).(*model.BlacklistEntry)
	return entry, args.Error(1)
}

func (m *mockBlacklistCache) Put(ctx context.Context, entry *model.BlacklistEntry, now time.Time) error {
	return m.Called(ctx, entry, now).Error(0)
}

var phone = model.Contact{Value: "+15551234567", Type: model.ContactPhone}

func newBlacklist(repo *mockBlacklistRepo, cache BlacklistCache, failOpen bool, clock *fakeClock) *BlacklistService {
	policy := config.BlacklistPolicy{Duration: 24 * time.Hour, FailOpenOnStoreError: failOpen}
	return NewBlacklistService(repo, cache, policy, Options{Logger: zap.NewNop(), Now: clock.Now, StoreTimeout: time.Second})
}

func TestIsBlacklisted_StoreErrorPolicy(t *testing.T) {
	clock := newFakeClock()
	storeErr := errors.New("timeout")

	repo := &mockBlacklistRepo{}
	repo.On("ListActive", mock.Anything, phone, clock.Now()).Return(nil, storeErr)

	status, err := newBlacklist(repo, nil, true, clock).IsBlacklisted(context.Background(), phone)
	require.NoError(t, err)
	assert.False(t, status.Blacklisted)

	_, err = newBlacklist(repo, nil, false, clock).IsBlacklisted(context.Background(), phone)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	repo.AssertNumberOfCalls(t, "ListActive", 2)
}

func TestIsBlacklisted_MostRecentEntryWins(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	older := &model.BlacklistEntry{ID: "a", Contact: phone, Reason: model.ReasonManualBlock, BlacklistedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(48 * time.Hour)}
	newer := &model.BlacklistEntry{ID: "b", Contact: phone, Reason: model.ReasonMaxVerifyAttempts, BlacklistedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)}

	repo := &mockBlacklistRepo{}
	repo.On("ListActive", mock.Anything, phone, now).Return([]*model.BlacklistEntry{older, newer}, nil)

	status, err := newBlacklist(repo, nil, true, clock).IsBlacklisted(context.Background(), phone)
	require.NoError(t, err)
	assert.True(t, status.Blacklisted)
	assert.Equal(t, model.ReasonMaxVerifyAttempts, status.Reason)
	assert.Equal(t, newer.ExpiresAt, *status.ExpiresAt)

	var blocked *BlacklistedError
	require.ErrorAs(t, status.Err(), &blocked)
	assert.Equal(t, newer.ExpiresAt, blocked.ExpiresAt)
}

func TestIsBlacklisted_CacheHitSkipsStore(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	cached := &model.BlacklistEntry{Contact: phone, Reason: model.ReasonManualBlock, BlacklistedAt: now, ExpiresAt: now.Add(time.Hour)}

	repo := &mockBlacklistRepo{}
	cache := &mockBlacklistCache{}
	cache.On("Get", mock.Anything, phone).Return(cached, nil)

	status, err := newBlacklist(repo, cache, false, clock).IsBlacklisted(context.Background(), phone)
	require.NoError(t, err)
	assert.True(t, status.Blacklisted)
	repo.AssertNotCalled(t, "ListActive", mock.Anything, mock.Anything, mock.Anything)
}

func TestIsBlacklisted_CacheErrorFallsBackToStore(t *testing.T) {
	clock := newFakeClock()
	repo := &mockBlacklistRepo{}
	repo.On("ListActive", mock.Anything, phone, clock.Now()).Return(nil, nil)
	cache := &mockBlacklistCache{}
	cache.On("Get", mock.Anything, phone).Return(nil, errors.New("redis down"))

	status, err := newBlacklist(repo, cache, false, clock).IsBlacklisted(context.Background(), phone)
	require.NoError(t, err)
	assert.False(t, status.Blacklisted)
	cache.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
}

func TestBlacklistAdd(t *testing.T) {
	clock := newFakeClock()
	repo := &mockBlacklistRepo{}
	repo.On("Add", mock.Anything, mock.MatchedBy(func(e *model.BlacklistEntry) bool {
		return e.Reason == model.ReasonManualBlock && e.ExpiresAt.Equal(clock.Now().Add(2*time.Hour))
	})).Return(nil).Once()
	cache := &mockBlacklistCache{}
	cache.On("Put", mock.Anything, mock.Anything, clock.Now()).Return(nil).Once()

	entry, err := newBlacklist(repo, cache, true, clock).Add(context.Background(), phone, model.ReasonManualBlock, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), entry.BlacklistedAt)
	repo.AssertExpectations(t)
	cache.AssertExpectations(t)
}

func TestBlacklistAdd_DefaultDurationAndStoreError(t *testing.T) {
	clock := newFakeClock()
	repo := &mockBlacklistRepo{}
	repo.On("Add", mock.Anything, mock.MatchedBy(func(e *model.BlacklistEntry) bool {
		return e.ExpiresAt.Equal(clock.Now().Add(24 * time.Hour))
	})).Return(errors.New("write timeout"))

	_, err := newBlacklist(repo, nil, true, clock).Add(context.Background(), phone, model.ReasonMaxSendAttempts, 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	repo.AssertExpectations(t)
}
