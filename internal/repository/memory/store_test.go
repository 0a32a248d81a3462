package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
)

var (
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	contact = model.Contact{Value: "user@example.com", Type: model.ContactEmail}
)

func newRecord(created time.Time) *model.OTPRecord {
	return &model.OTPRecord{
		Contact:   contact,
		CreatedAt: created,
		ExpiresAt: created.Add(10 * time.Minute),
	}
}

func TestFindActiveReturnsNewestUnused(t *testing.T) {
	ctx := context.Background()
	otps := NewStore().OTPs()

	first := newRecord(t0)
	second := newRecord(t0.Add(time.Second))
	require.NoError(t, otps.Create(ctx, first))
	require.NoError(t, otps.Create(ctx, second))

	got, err := otps.FindActive(ctx, contact, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	n, err := otps.InvalidateActive(ctx, contact, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = otps.FindActive(ctx, contact, t0.Add(2*time.Second))
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListSupersededSkipsLiveAndExpired(t *testing.T) {
	ctx := context.Background()
	otps := NewStore().OTPs()

	old := newRecord(t0.Add(-time.Hour))
	first := newRecord(t0)
	second := newRecord(t0.Add(time.Second))
	third := newRecord(t0.Add(2 * time.Second))
	for _, rec := range []*model.OTPRecord{old, first, second} {
		require.NoError(t, otps.Create(ctx, rec))
	}
	now := t0.Add(3 * time.Second)
	_, err := otps.InvalidateActive(ctx, contact, now)
	require.NoError(t, err)
	require.NoError(t, otps.Create(ctx, third))

	got, err := otps.ListSuperseded(ctx, contact, now, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)

	got, err = otps.ListSuperseded(ctx, contact, now, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)
}

func TestIncrementAttemptsIsAtomic(t *testing.T) {
	ctx := context.Background()
	otps := NewStore().OTPs()
	rec := newRecord(t0)
	require.NoError(t, otps.Create(ctx, rec))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := *rec
			_, err := otps.IncrementAttempts(ctx, &local)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := otps.Latest(ctx, contact)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Attempts)
}

func TestMarkUsedConsumesOnce(t *testing.T) {
	ctx := context.Background()
	otps := NewStore().OTPs()
	rec := newRecord(t0)
	require.NoError(t, otps.Create(ctx, rec))

	ok, err := otps.MarkUsed(ctx, rec, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = otps.MarkUsed(ctx, rec, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkUsedRefusesExhaustedRecord(t *testing.T) {
	ctx := context.Background()
	otps := NewStore().OTPs()
	rec := newRecord(t0)
	require.NoError(t, otps.Create(ctx, rec))
	for i := 0; i < 3; i++ {
		_, err := otps.IncrementAttempts(ctx, rec)
		require.NoError(t, err)
	}

	ok, err := otps.MarkUsed(ctx, rec, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListActivitySinceIsNewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	otps := NewStore().OTPs()
	for i := 0; i < 5; i++ {
		require.NoError(t, otps.Create(ctx, newRecord(t0.Add(time.Duration(i)*time.Minute))))
	}

	acts, err := otps.ListActivitySince(ctx, contact, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.True(t, acts[0].CreatedAt.After(acts[1].CreatedAt))
}

func TestDeleteBatchesRespectLimit(t *testing.T) {
	ctx := context.Background()
	otps := NewStore().OTPs()
	for i := 0; i < 5; i++ {
		require.NoError(t, otps.Create(ctx, newRecord(t0)))
	}

	n, err := otps.DeleteCreatedBefore(ctx, t0.Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = otps.DeleteCreatedBefore(ctx, t0.Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = otps.DeleteCreatedBefore(ctx, t0.Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetOrCreateIsLazyAndStable(t *testing.T) {
	ctx := context.Background()
	users := NewStore().Users()

	u1, created, err := users.GetOrCreate(ctx, contact, t0)
	require.NoError(t, err)
	assert.True(t, created)

	u2, created, err := users.GetOrCreate(ctx, contact, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u1.ID, u2.ID)
}

func TestListStalePagesWhileDeleting(t *testing.T) {
	ctx := context.Background()
	users := NewStore().Users()
	for i := 0; i < 5; i++ {
		c := model.Contact{Value: string(rune('a'+i)) + "@example.com", Type: model.ContactEmail}
		_, _, err := users.GetOrCreate(ctx, c, t0)
		require.NoError(t, err)
	}

	var seen int
	var cursor []byte
	for {
		page, next, err := users.ListStale(ctx, t0.Add(time.Hour), 2, cursor)
		require.NoError(t, err)
		for _, u := range page {
			require.NoError(t, users.Delete(ctx, u))
			seen++
		}
		if len(next) == 0 {
			break
		}
		cursor = next
	}
	assert.Equal(t, 5, seen)
}

func TestFailWithSimulatesOutage(t *testing.T) {
	s := NewStore()
	boom := errors.New("connection refused")
	s.FailWith(boom)

	_, err := s.Blacklist().ListActive(context.Background(), contact, t0)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.HealthCheck(context.Background()), boom)

	s.FailWith(nil)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
