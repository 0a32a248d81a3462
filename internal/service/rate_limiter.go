package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
)

const (
	PolicySendPerMinute   = "send_per_minute"
	PolicySendPerHour     = "send_per_hour"
	PolicySendPerDay      = "send_per_day"
	PolicyVerifyPerMinute = "verify_per_minute"
	PolicyVerifyPerCode   = "verify_per_code"
	PolicyResendInterval  = "resend_interval"
	PolicyResendPerHour   = "resend_per_hour"
)

// Decision is the outcome of one rate-limit check. Remaining counts further
// requests the tightest window still admits after this one.
type Decision struct {
	Allowed    bool
	Policy     string
	RetryAfter time.Duration
	Remaining  int
}

func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitedError{Policy: d.Policy, RetryAfter: d.RetryAfter, Remaining: d.Remaining}
}

type window struct {
	policy string
	span   time.Duration
	limit  int
}

// RateLimiter counts OTP records per contact over trailing windows. Checks
// are read-then-decide; the store is the only shared state.
type RateLimiter struct {
	otps   repository.OTPRepository
	policy config.RateLimitPolicy
	opts   Options
}

func NewRateLimiter(otps repository.OTPRepository, policy config.RateLimitPolicy, opts Options) *RateLimiter {
	return &RateLimiter{otps: otps, policy: policy, opts: opts.withDefaults()}
}

// CheckSend applies the minute, hour and day ceilings in that order.
func (r *RateLimiter) CheckSend(ctx context.Context, contact model.Contact) (Decision, error) {
	now := r.opts.Now()
	acts, err := r.activity(ctx, contact, now.Add(-24*time.Hour))
	if err != nil {
		return r.onStoreError("send", contact, err)
	}
	return evaluate(now, acts, []window{
		{PolicySendPerMinute, time.Minute, r.policy.SendPerMinute},
		{PolicySendPerHour, time.Hour, r.policy.SendPerHour},
		{PolicySendPerDay, 24 * time.Hour, r.policy.SendPerDay},
	}, func(model.OTPActivity) int { return 1 }), nil
}

// CheckVerify caps attempts against rec and the attempts summed over every
// record the contact created in the last minute.
func (r *RateLimiter) CheckVerify(ctx context.Context, contact model.Contact, rec *model.OTPRecord) (Decision, error) {
	now := r.opts.Now()
	if rec != nil && r.policy.VerifyPerCode > 0 && rec.Attempts >= r.policy.VerifyPerCode {
		return Decision{Policy: PolicyVerifyPerCode, RetryAfter: retryAfter(rec.ExpiresAt.Sub(now))}, nil
	}

	acts, err := r.activity(ctx, contact, now.Add(-time.Minute))
	if err != nil {
		return r.onStoreError("verify", contact, err)
	}
	return evaluate(now, acts, []window{
		{PolicyVerifyPerMinute, time.Minute, r.policy.VerifyPerMinute},
	}, func(a model.OTPActivity) int { return a.Attempts }), nil
}

// CheckResend enforces the minimum gap after the latest code and the hourly
// resend ceiling.
func (r *RateLimiter) CheckResend(ctx context.Context, contact model.Contact) (Decision, error) {
	now := r.opts.Now()

	sctx, cancel := r.opts.storeCtx(ctx)
	latest, err := r.otps.Latest(sctx, contact)
	cancel()
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return r.onStoreError("resend", contact, err)
	default:
		if next := latest.CreatedAt.Add(r.policy.ResendInterval); now.Before(next) {
			return Decision{Policy: PolicyResendInterval, RetryAfter: retryAfter(next.Sub(now))}, nil
		}
	}

	acts, err := r.activity(ctx, contact, now.Add(-time.Hour))
	if err != nil {
		return r.onStoreError("resend", contact, err)
	}
	return evaluate(now, acts, []window{
		{PolicyResendPerHour, time.Hour, r.policy.ResendPerHour},
	}, func(a model.OTPActivity) int {
		if a.ResendCount > 0 {
			return 1
		}
		return 0
	}), nil
}

func (r *RateLimiter) activity(ctx context.Context, contact model.Contact, since time.Time) ([]model.OTPActivity, error) {
	sctx, cancel := r.opts.storeCtx(ctx)
	defer cancel()
	return r.otps.ListActivitySince(sctx, contact, since)
}

func (r *RateLimiter) onStoreError(check string, contact model.Contact, err error) (Decision, error) {
	if r.policy.FailOpenOnStoreError {
		r.opts.Logger.Warn("Rate limit check failed, allowing request",
			zap.String("check", check),
			zap.String("contact_hash", contact.Hash()),
			zap.Error(err))
		return Decision{Allowed: true}, nil
	}
	return Decision{}, storeError(check+" rate limit", err)
}

// evaluate walks windows in order against activity sorted newest first. The
// first window whose weighted count reaches its limit denies.
func evaluate(now time.Time, acts []model.OTPActivity, windows []window, weight func(model.OTPActivity) int) Decision {
	remaining := -1
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		start := now.Add(-w.span)
		count := 0
		var oldest time.Time
		for _, a := range acts {
			if !a.CreatedAt.After(start) {
				break
			}
			if n := weight(a); n > 0 {
				count += n
				oldest = a.CreatedAt
			}
		}
		if count >= w.limit {
			return Decision{Policy: w.policy, RetryAfter: retryAfter(oldest.Add(w.span).Sub(now))}
		}
		if left := w.limit - count - 1; remaining < 0 || left < remaining {
			remaining = left
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// retryAfter rounds up to whole seconds, never below one.
func retryAfter(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
