package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/util"
)

const (
	insertRefreshToken = `INSERT INTO refresh_tokens (token_hash, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`

	insertRefreshTokenByUser = `INSERT INTO refresh_tokens_by_user (user_id, token_hash, expires_at)
		VALUES (?, ?, ?)`

	selectRefreshToken = `SELECT user_id, created_at, expires_at FROM refresh_tokens WHERE token_hash = ?`

	selectTokensByUser = `SELECT token_hash FROM refresh_tokens_by_user WHERE user_id = ?`

	selectExpiredTokens = `SELECT token_hash, user_id FROM refresh_tokens
		WHERE expires_at < ? LIMIT ? ALLOW FILTERING`

	deleteRefreshToken = `DELETE FROM refresh_tokens WHERE token_hash = ? IF EXISTS`

	deleteRefreshTokenByUser = `DELETE FROM refresh_tokens_by_user WHERE user_id = ? AND token_hash = ?`

	deleteTokensForUser = `DELETE FROM refresh_tokens_by_user WHERE user_id = ?`
)

// RefreshTokenRepository keeps a per-user index beside the token table so
// logout from all devices needs no scan.
type RefreshTokenRepository struct {
	client *ScyllaClient
}

func NewRefreshTokenRepository(client *ScyllaClient) *RefreshTokenRepository {
	return &RefreshTokenRepository{client: client}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *model.RefreshToken) error {
	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(insertRefreshToken, token.TokenHash, token.UserID, token.CreatedAt, token.ExpiresAt)
	batch.Query(insertRefreshTokenByUser, token.UserID, token.TokenHash, token.ExpiresAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create refresh token", zap.String("user_id", token.UserID), zap.Error(err))
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) Get(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{TokenHash: tokenHash}
	err := r.client.Query(ctx, selectRefreshToken, tokenHash).Scan(&token.UserID, &token.CreatedAt, &token.ExpiresAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return token, nil
}

func (r *RefreshTokenRepository) Delete(ctx context.Context, tokenHash string) (bool, error) {
	token, err := r.Get(ctx, tokenHash)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.remove(ctx, token.UserID, tokenHash)
}

func (r *RefreshTokenRepository) DeleteForUser(ctx context.Context, userID string) (int, error) {
	iter := r.client.Query(ctx, selectTokensByUser, userID).Iter()
	var hashes []string
	var hash string
	for iter.Scan(&hash) {
		hashes = append(hashes, hash)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	deleted := 0
	for _, h := range hashes {
		applied, err := r.remove(ctx, userID, h)
		if err != nil {
			return deleted, err
		}
		if applied {
			deleted++
		}
	}
	if err := r.client.Query(ctx, deleteTokensForUser, userID).Exec(); err != nil {
		return deleted, fmt.Errorf("failed to clear refresh token index: %w", err)
	}
	return deleted, nil
}

func (r *RefreshTokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	iter := r.client.Query(ctx, selectExpiredTokens, cutoff, limit).Iter()
	type key struct{ hash, userID string }
	var keys []key
	var k key
	for iter.Scan(&k.hash, &k.userID) {
		keys = append(keys, k)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to select expired refresh tokens: %w", err)
	}

	deleted := 0
	for _, k := range keys {
		applied, err := r.remove(ctx, k.userID, k.hash)
		if err != nil {
			return deleted, err
		}
		if applied {
			deleted++
		}
	}
	return deleted, nil
}

// remove reports whether this call deleted the token row.
func (r *RefreshTokenRepository) remove(ctx context.Context, userID, tokenHash string) (bool, error) {
	applied, err := r.client.Query(ctx, deleteRefreshToken, tokenHash).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to delete refresh token", zap.String("user_id", userID), zap.Error(err))
		return false, fmt.Errorf("failed to delete refresh token: %w", err)
	}
	if err := r.client.Query(ctx, deleteRefreshTokenByUser, userID, tokenHash).Exec(); err != nil {
		return applied, fmt.Errorf("failed to delete refresh token index: %w", err)
	}
	return applied, nil
}
