package service

import (
	"errors"
	"fmt"
	"time"

	"passwordless-auth/internal/model"
)

var (
	ErrBlacklisted         = errors.New("contact is temporarily blocked")
	ErrRateLimited         = errors.New("too many requests")
	ErrNotFoundOrExpired   = errors.New("no active code for this contact")
	ErrInvalidCode         = errors.New("invalid code")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidContact      = errors.New("invalid contact")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidSession      = errors.New("invalid session")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrDeliveryFailed      = errors.New("code delivery failed")
	ErrUnauthorized        = errors.New("unauthorized")
)

// BlacklistedError carries why and until when a contact is blocked.
type BlacklistedError struct {
	Reason    model.BlacklistReason
	ExpiresAt time.Time
}

func (e *BlacklistedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrBlacklisted, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *BlacklistedError) Unwrap() error { return ErrBlacklisted }

type RateLimitedError struct {
	Policy     string
	RetryAfter time.Duration
	Remaining  int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: %s, retry after %s", ErrRateLimited, e.Policy, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// InvalidCodeError reports a wrong code. ShouldBlacklist is set on the
// attempt that reached the ceiling.
type InvalidCodeError struct {
	Attempts        int
	MaxAttempts     int
	ShouldBlacklist bool
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("%s (attempt %d of %d)", ErrInvalidCode, e.Attempts, e.MaxAttempts)
}

func (e *InvalidCodeError) Unwrap() error { return ErrInvalidCode }

func (e *InvalidCodeError) AttemptsRemaining() int {
	if left := e.MaxAttempts - e.Attempts; left > 0 {
		return left
	}
	return 0
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
