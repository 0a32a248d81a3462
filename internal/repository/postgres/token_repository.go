package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/util"
)

type RefreshTokenRepository struct {
	db DB
}

func NewRefreshTokenRepository(db DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *model.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (token_hash, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := r.db.Exec(ctx, query, token.TokenHash, token.UserID, token.CreatedAt, token.ExpiresAt); err != nil {
		util.Error("Failed to create refresh token", zap.String("user_id", token.UserID), zap.Error(err))
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) Get(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	query := `SELECT user_id, created_at, expires_at FROM refresh_tokens WHERE token_hash = $1`
	token := &model.RefreshToken{TokenHash: tokenHash}
	err := r.db.QueryRow(ctx, query, tokenHash).Scan(&token.UserID, &token.CreatedAt, &token.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return token, nil
}

func (r *RefreshTokenRepository) Delete(ctx context.Context, tokenHash string) (bool, error) {
	n, err := execCount(ctx, r.db, "refresh token", `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	return n > 0, err
}

func (r *RefreshTokenRepository) DeleteForUser(ctx context.Context, userID string) (int, error) {
	return execCount(ctx, r.db, "user refresh tokens", `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
}

func (r *RefreshTokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	query := `
		DELETE FROM refresh_tokens WHERE token_hash IN (
			SELECT token_hash FROM refresh_tokens
			WHERE expires_at < $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED)`
	return execCount(ctx, r.db, "expired refresh tokens", query, cutoff, limit)
}
