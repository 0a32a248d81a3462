package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/events"
	"passwordless-auth/internal/hashing"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
)

const (
	codeLength = 6
	codeFloor  = 100000
	codeSpan   = 900000

	// supersededLookback bounds the hashes checked when a code misses the live record.
	supersededLookback = 5
)

// IssuedCode is handed to delivery; Code never leaves the process otherwise.
type IssuedCode struct {
	Code        string
	RecordID    string
	UserID      string
	ExpiresAt   time.Time
	ResendCount int
}

// VerifiedCode identifies the record and user a successful verification consumed.
type VerifiedCode struct {
	RecordID string
	UserID   string
	Contact  model.Contact
}

// OTPService owns the code lifecycle: issue, invalidate, verify and consume.
type OTPService struct {
	otps      repository.OTPRepository
	users     repository.UserRepository
	blacklist *BlacklistService
	limiter   *RateLimiter
	hasher    *hashing.Hasher
	cfg       config.OTPConfig
	policy    config.BlacklistPolicy
	opts      Options
}

func NewOTPService(
	otps repository.OTPRepository,
	users repository.UserRepository,
	blacklist *BlacklistService,
	limiter *RateLimiter,
	hasher *hashing.Hasher,
	cfg config.OTPConfig,
	policy config.BlacklistPolicy,
	opts Options,
) *OTPService {
	return &OTPService{
		otps:      otps,
		users:     users,
		blacklist: blacklist,
		limiter:   limiter,
		hasher:    hasher,
		cfg:       cfg,
		policy:    policy,
		opts:      opts.withDefaults(),
	}
}

// Issue gates on the blacklist and the send limits, then supersedes any live
// code for contact with a fresh one.
func (s *OTPService) Issue(ctx context.Context, contact model.Contact) (*IssuedCode, error) {
	return s.issue(ctx, contact, false)
}

// Resend is Issue with the resend interval and hourly resend ceiling applied first.
func (s *OTPService) Resend(ctx context.Context, contact model.Contact) (*IssuedCode, error) {
	return s.issue(ctx, contact, true)
}

func (s *OTPService) issue(ctx context.Context, contact model.Contact, resend bool) (*IssuedCode, error) {
	if err := s.checkBlacklist(ctx, contact); err != nil {
		return nil, err
	}

	if resend {
		decision, err := s.limiter.CheckResend(ctx, contact)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			s.rateLimited(ctx, contact, decision)
			return nil, decision.Err()
		}
	}

	decision, err := s.limiter.CheckSend(ctx, contact)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.rateLimited(ctx, contact, decision)
		s.escalateSendAbuse(ctx, contact)
		return nil, decision.Err()
	}

	resendCount := 0
	if resend {
		sctx, cancel := s.opts.storeCtx(ctx)
		latest, err := s.otps.Latest(sctx, contact)
		cancel()
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, storeError("latest code", err)
		}
		if latest != nil {
			resendCount = latest.ResendCount + 1
		}
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := s.opts.Now()
	sctx, cancel := s.opts.storeCtx(ctx)
	defer cancel()

	invalidated, err := s.otps.InvalidateActive(sctx, contact, now)
	if err != nil {
		return nil, storeError("invalidate codes", err)
	}

	user, created, err := s.users.GetOrCreate(sctx, contact, now)
	if err != nil {
		return nil, storeError("resolve user", err)
	}

	rec := &model.OTPRecord{
		UserID:        user.ID,
		Contact:       contact,
		CodeHash:      hashed.Hash,
		CodeSalt:      hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.CodeTTL),
		ResendCount:   resendCount,
	}
	if err := s.otps.Create(sctx, rec); err != nil {
		s.opts.Logger.Error("Failed to store OTP record",
			zap.String("contact_hash", contact.Hash()),
			zap.Error(err))
		return nil, storeError("create code", err)
	}

	s.opts.Logger.Info("OTP issued",
		zap.String("contact_hash", contact.Hash()),
		zap.String("user_id", user.ID),
		zap.Bool("new_user", created),
		zap.Int("superseded", invalidated),
		zap.Int("resend_count", resendCount))
	ev := events.NewEvent(events.EventOTPIssued, &contact, now)
	ev.UserID = user.ID
	s.opts.Emitter.Emit(ctx, ev.With("resend_count", strconv.Itoa(resendCount)))

	return &IssuedCode{
		Code:        code,
		RecordID:    rec.ID,
		UserID:      user.ID,
		ExpiresAt:   rec.ExpiresAt,
		ResendCount: resendCount,
	}, nil
}

// Verify checks code against the contact's single live record. A mismatch
// costs one attempt; the attempt that reaches the ceiling blacklists the
// contact. A match consumes the record exactly once.
func (s *OTPService) Verify(ctx context.Context, contact model.Contact, code string) (*VerifiedCode, error) {
	if !validCode(code) {
		return nil, fmt.Errorf("%w: code must be %d digits", ErrInvalidInput, codeLength)
	}
	if err := s.checkBlacklist(ctx, contact); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	sctx, cancel := s.opts.storeCtx(ctx)
	rec, err := s.otps.FindActive(sctx, contact, now)
	cancel()
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFoundOrExpired
	}
	if err != nil {
		return nil, storeError("find code", err)
	}

	decision, err := s.limiter.CheckVerify(ctx, contact, rec)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.rateLimited(ctx, contact, decision)
		return nil, decision.Err()
	}

	ok, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          rec.CodeHash,
		Salt:          rec.CodeSalt,
		PepperVersion: rec.PepperVersion,
	})
	if errors.Is(err, hashing.ErrIncompatibleVersion) {
		return nil, ErrNotFoundOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}

	if !ok {
		stale, err := s.matchesSuperseded(ctx, contact, code, now)
		if err != nil {
			return nil, err
		}
		if stale {
			s.opts.Logger.Info("Superseded OTP submitted", zap.String("contact_hash", contact.Hash()))
			return nil, ErrNotFoundOrExpired
		}
		return nil, s.recordFailure(ctx, contact, rec)
	}

	sctx, cancel = s.opts.storeCtx(ctx)
	applied, err := s.otps.MarkUsed(sctx, rec, s.cfg.MaxVerifyAttempts, now)
	cancel()
	if err != nil {
		return nil, storeError("consume code", err)
	}
	if !applied {
		// consumed, superseded or exhausted by a concurrent request
		return nil, ErrNotFoundOrExpired
	}

	s.opts.Logger.Info("OTP verified",
		zap.String("contact_hash", contact.Hash()),
		zap.String("user_id", rec.UserID),
		zap.Int("attempts", rec.Attempts))
	ev := events.NewEvent(events.EventOTPVerified, &contact, now)
	ev.UserID = rec.UserID
	s.opts.Emitter.Emit(ctx, ev)

	return &VerifiedCode{RecordID: rec.ID, UserID: rec.UserID, Contact: contact}, nil
}

// matchesSuperseded reports whether code belongs to a record that a later
// issuance replaced or a verification already consumed. Such a code is stale,
// not wrong, and must not cost the live record an attempt.
func (s *OTPService) matchesSuperseded(ctx context.Context, contact model.Contact, code string, now time.Time) (bool, error) {
	sctx, cancel := s.opts.storeCtx(ctx)
	recs, err := s.otps.ListSuperseded(sctx, contact, now, supersededLookback)
	cancel()
	if err != nil {
		return false, storeError("list superseded codes", err)
	}
	for _, rec := range recs {
		ok, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
			Hash:          rec.CodeHash,
			Salt:          rec.CodeSalt,
			PepperVersion: rec.PepperVersion,
		})
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *OTPService) recordFailure(ctx context.Context, contact model.Contact, rec *model.OTPRecord) error {
	sctx, cancel := s.opts.storeCtx(ctx)
	attempts, err := s.otps.IncrementAttempts(sctx, rec)
	cancel()
	if err != nil {
		return storeError("record attempt", err)
	}

	invalid := &InvalidCodeError{Attempts: attempts, MaxAttempts: s.cfg.MaxVerifyAttempts}
	if attempts >= s.cfg.MaxVerifyAttempts {
		invalid.ShouldBlacklist = true
		if _, err := s.blacklist.Add(ctx, contact, model.ReasonMaxVerifyAttempts, s.policy.Duration); err != nil {
			s.opts.Logger.Error("Failed to blacklist contact after verify attempts",
				zap.String("contact_hash", contact.Hash()),
				zap.Error(err))
		}
	}

	s.opts.Logger.Warn("Invalid OTP submitted",
		zap.String("contact_hash", contact.Hash()),
		zap.Int("attempts", attempts),
		zap.Bool("should_blacklist", invalid.ShouldBlacklist))
	ev := events.NewEvent(events.EventOTPVerifyFailed, &contact, s.opts.Now())
	ev.UserID = rec.UserID
	s.opts.Emitter.Emit(ctx, ev.With("attempts", strconv.Itoa(attempts)))

	return invalid
}

func (s *OTPService) checkBlacklist(ctx context.Context, contact model.Contact) error {
	status, err := s.blacklist.IsBlacklisted(ctx, contact)
	if err != nil {
		return err
	}
	if status.Blacklisted {
		ev := events.NewEvent(events.EventBlacklistedAttempt, &contact, s.opts.Now())
		ev.Reason = string(status.Reason)
		s.opts.Emitter.Emit(ctx, ev)
		return status.Err()
	}
	return nil
}

// escalateSendAbuse blacklists a contact whose sends inside the attempt
// window reached the blacklist policy ceiling.
func (s *OTPService) escalateSendAbuse(ctx context.Context, contact model.Contact) {
	if s.policy.MaxSendAttempts <= 0 {
		return
	}
	sctx, cancel := s.opts.storeCtx(ctx)
	acts, err := s.otps.ListActivitySince(sctx, contact, s.opts.Now().Add(-s.policy.SendAttemptWindow))
	cancel()
	if err != nil {
		s.opts.Logger.Warn("Failed to count send attempts", zap.String("contact_hash", contact.Hash()), zap.Error(err))
		return
	}
	if len(acts) < s.policy.MaxSendAttempts {
		return
	}
	if _, err := s.blacklist.Add(ctx, contact, model.ReasonMaxSendAttempts, s.policy.Duration); err != nil {
		s.opts.Logger.Error("Failed to blacklist contact after send attempts",
			zap.String("contact_hash", contact.Hash()),
			zap.Error(err))
	}
}

func (s *OTPService) rateLimited(ctx context.Context, contact model.Contact, d Decision) {
	s.opts.Logger.Warn("Rate limit exceeded",
		zap.String("contact_hash", contact.Hash()),
		zap.String("policy", d.Policy),
		zap.Duration("retry_after", d.RetryAfter))
	ev := events.NewEvent(events.EventRateLimited, &contact, s.opts.Now())
	ev.Reason = d.Policy
	s.opts.Emitter.Emit(ctx, ev)
}

// generateCode draws uniformly from the six-digit codes without a leading zero.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+codeFloor, 10), nil
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
