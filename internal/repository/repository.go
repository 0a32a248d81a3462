// Package repository defines the Contact Store ports shared by the scylla,
// postgres and memory backends.
package repository

import (
	"context"
	"errors"
	"time"

	"passwordless-auth/internal/model"
)

var ErrNotFound = errors.New("record not found")

type OTPRepository interface {
	Create(ctx context.Context, rec *model.OTPRecord) error
	// InvalidateActive marks every unused, unexpired record for contact as used.
	InvalidateActive(ctx context.Context, contact model.Contact, now time.Time) (int, error)
	// FindActive returns the most recent unused, unexpired record or ErrNotFound.
	FindActive(ctx context.Context, contact model.Contact, now time.Time) (*model.OTPRecord, error)
	// ListSuperseded returns up to limit used but unexpired records, newest
	// first. These are codes replaced by a later issuance or already consumed.
	ListSuperseded(ctx context.Context, contact model.Contact, now time.Time, limit int) ([]*model.OTPRecord, error)
	// Latest returns the most recently created record regardless of state.
	Latest(ctx context.Context, contact model.Contact) (*model.OTPRecord, error)
	// ListActivitySince returns records created after since, newest first.
	ListActivitySince(ctx context.Context, contact model.Contact, since time.Time) ([]model.OTPActivity, error)
	// IncrementAttempts atomically adds one failed attempt and returns the new count.
	IncrementAttempts(ctx context.Context, rec *model.OTPRecord) (int, error)
	// MarkUsed consumes rec only if it is still unused, unexpired and under
	// maxAttempts. The bool reports whether this call consumed it.
	MarkUsed(ctx context.Context, rec *model.OTPRecord, maxAttempts int, now time.Time) (bool, error)
	DeleteExpiredUnused(ctx context.Context, now time.Time, limit int) (int, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type BlacklistRepository interface {
	Add(ctx context.Context, entry *model.BlacklistEntry) error
	// ListActive returns unexpired entries, most recently blacklisted first.
	ListActive(ctx context.Context, contact model.Contact, now time.Time) ([]*model.BlacklistEntry, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *model.RefreshToken) error
	Get(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	// Delete reports whether a token was removed.
	Delete(ctx context.Context, tokenHash string) (bool, error)
	DeleteForUser(ctx context.Context, userID string) (int, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type UserRepository interface {
	// GetOrCreate resolves the user owning contact, creating it on first use.
	GetOrCreate(ctx context.Context, contact model.Contact, now time.Time) (*model.User, bool, error)
	GetByID(ctx context.Context, userID string) (*model.User, error)
	RecordLogin(ctx context.Context, user *model.User, now time.Time) error
	// ListStale pages through users last seen before cutoff. An empty next
	// cursor ends the scan.
	ListStale(ctx context.Context, cutoff time.Time, limit int, cursor []byte) ([]*model.User, []byte, error)
	Delete(ctx context.Context, user *model.User) error
}

type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
}

// Store bundles one backend's repositories.
type Store interface {
	OTPs() OTPRepository
	Blacklist() BlacklistRepository
	RefreshTokens() RefreshTokenRepository
	Users() UserRepository
	Profiles() ProfileRepository
	HealthCheck(ctx context.Context) error
	Close()
}
