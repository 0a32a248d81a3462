package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/token"
)

// RefreshTokens is the server-tracked half of a session.
type RefreshTokens interface {
	Issue(ctx context.Context, userID string) (string, *model.RefreshToken, error)
	Lookup(ctx context.Context, raw string) (*model.RefreshToken, error)
	RevokeOne(ctx context.Context, raw string) (bool, error)
	RevokeAll(ctx context.Context, userID string) (int, error)
}

// RefreshTokenManager persists only the SHA-256 of each bearer value.
type RefreshTokenManager struct {
	repo repository.RefreshTokenRepository
	ttl  time.Duration
	opts Options
}

func NewRefreshTokenManager(repo repository.RefreshTokenRepository, ttl time.Duration, opts Options) *RefreshTokenManager {
	return &RefreshTokenManager{repo: repo, ttl: ttl, opts: opts.withDefaults()}
}

func (m *RefreshTokenManager) Issue(ctx context.Context, userID string) (string, *model.RefreshToken, error) {
	raw, err := token.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}
	now := m.opts.Now()
	rt := &model.RefreshToken{
		TokenHash: token.HashRefreshToken(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	sctx, cancel := m.opts.storeCtx(ctx)
	defer cancel()
	if err := m.repo.Create(sctx, rt); err != nil {
		m.opts.Logger.Error("Failed to store refresh token", zap.String("user_id", userID), zap.Error(err))
		return "", nil, storeError("create refresh token", err)
	}
	return raw, rt, nil
}

// Lookup returns ErrInvalidRefreshToken for unknown and expired tokens alike.
func (m *RefreshTokenManager) Lookup(ctx context.Context, raw string) (*model.RefreshToken, error) {
	if raw == "" {
		return nil, ErrInvalidRefreshToken
	}
	sctx, cancel := m.opts.storeCtx(ctx)
	defer cancel()

	rt, err := m.repo.Get(sctx, token.HashRefreshToken(raw))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, storeError("lookup refresh token", err)
	}
	if !m.opts.Now().Before(rt.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidRefreshToken)
	}
	return rt, nil
}

// RevokeOne reports whether this call removed the token. Concurrent callers
// presenting the same token see true at most once.
func (m *RefreshTokenManager) RevokeOne(ctx context.Context, raw string) (bool, error) {
	sctx, cancel := m.opts.storeCtx(ctx)
	defer cancel()
	deleted, err := m.repo.Delete(sctx, token.HashRefreshToken(raw))
	if err != nil {
		return false, storeError("revoke refresh token", err)
	}
	return deleted, nil
}

func (m *RefreshTokenManager) RevokeAll(ctx context.Context, userID string) (int, error) {
	sctx, cancel := m.opts.storeCtx(ctx)
	defer cancel()
	n, err := m.repo.DeleteForUser(sctx, userID)
	if err != nil {
		return 0, storeError("revoke refresh tokens", err)
	}
	return n, nil
}
