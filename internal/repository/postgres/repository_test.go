package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
)

type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	a := m.Called(sql, args)
	return a.Get(0).(pgconn.CommandTag), a.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	a := m.Called(sql, args)
	rows, _ := a.Get(0).(pgx.Rows)
	return rows, a.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.Called(sql, args).Get(0).(pgx.Row)
}

type intRow struct {
	val int
	err error
}

func (r intRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.val
	return nil
}

func sqlContaining(fragment string) interface{} {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

var rec = &model.OTPRecord{
	ID:      "otp-1",
	Contact: model.Contact{Value: "user@example.com", Type: model.ContactEmail},
}

func TestIncrementAttemptsReturnsStoredValue(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", sqlContaining("attempts = attempts + 1"), []any{"otp-1"}).Return(intRow{val: 2}).Once()

	r := *rec
	n, err := NewOTPRepository(db).IncrementAttempts(context.Background(), &r)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Attempts)
	db.AssertExpectations(t)
}

func TestIncrementAttemptsMissingRecord(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, mock.Anything).Return(intRow{err: pgx.ErrNoRows})

	r := *rec
	_, err := NewOTPRepository(db).IncrementAttempts(context.Background(), &r)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMarkUsedIsConditional(t *testing.T) {
	now := time.Now()
	db := &mockDB{}
	db.On("Exec", sqlContaining("is_used = FALSE AND attempts < $2"), []any{"otp-1", 3, now}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", sqlContaining("is_used = FALSE AND attempts < $2"), []any{"otp-1", 3, now}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	repo := NewOTPRepository(db)
	r := *rec
	applied, err := repo.MarkUsed(context.Background(), &r, 3, now)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, r.IsUsed)

	applied, err = repo.MarkUsed(context.Background(), &r, 3, now)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCleanupDeletesReportRowsAffected(t *testing.T) {
	now := time.Now()
	db := &mockDB{}
	db.On("Exec", sqlContaining("FOR UPDATE SKIP LOCKED"), mock.Anything).Return(pgconn.NewCommandTag("DELETE 7"), nil).Once()
	db.On("Exec", sqlContaining("FOR UPDATE SKIP LOCKED"), mock.Anything).Return(pgconn.CommandTag{}, errors.New("conn reset")).Once()

	repo := NewBlacklistRepository(db)
	n, err := repo.DeleteExpired(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = repo.DeleteCreatedBefore(context.Background(), now, 100)
	assert.ErrorContains(t, err, "conn reset")
}

func TestRefreshTokenDelete(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", sqlContaining("DELETE FROM refresh_tokens WHERE token_hash"), []any{"h1"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)
	db.On("Exec", sqlContaining("DELETE FROM refresh_tokens WHERE token_hash"), []any{"h2"}).
		Return(pgconn.NewCommandTag("DELETE 0"), nil)

	repo := NewRefreshTokenRepository(db)
	removed, err := repo.Delete(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = repo.Delete(context.Background(), "h2")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSchemaIsEmbedded(t *testing.T) {
	for _, table := range []string{"users", "user_profiles", "otp_records", "blacklist_entries", "refresh_tokens"} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
