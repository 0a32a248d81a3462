package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/events"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
)

// BlacklistCache short-circuits repeated checks for blocked contacts.
type BlacklistCache interface {
	Get(ctx context.Context, contact model.Contact) (*model.BlacklistEntry, error)
	Put(ctx context.Context, entry *model.BlacklistEntry, now time.Time) error
}

type BlacklistStatus struct {
	Blacklisted bool                  `json:"blacklisted"`
	Reason      model.BlacklistReason `json:"reason,omitempty"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
}

func statusOf(entry *model.BlacklistEntry) BlacklistStatus {
	expires := entry.ExpiresAt
	return BlacklistStatus{Blacklisted: true, Reason: entry.Reason, ExpiresAt: &expires}
}

// Err converts a positive status into a *BlacklistedError.
func (s BlacklistStatus) Err() error {
	if !s.Blacklisted {
		return nil
	}
	e := &BlacklistedError{Reason: s.Reason}
	if s.ExpiresAt != nil {
		e.ExpiresAt = *s.ExpiresAt
	}
	return e
}

// BlacklistService decides and records whether a contact is barred.
type BlacklistService struct {
	repo   repository.BlacklistRepository
	cache  BlacklistCache
	policy config.BlacklistPolicy
	opts   Options
}

// NewBlacklistService accepts a nil cache.
func NewBlacklistService(repo repository.BlacklistRepository, cache BlacklistCache, policy config.BlacklistPolicy, opts Options) *BlacklistService {
	return &BlacklistService{repo: repo, cache: cache, policy: policy, opts: opts.withDefaults()}
}

// IsBlacklisted reports the most recent active entry. With
// FailOpenOnStoreError a store failure reads as "not blacklisted".
func (s *BlacklistService) IsBlacklisted(ctx context.Context, contact model.Contact) (BlacklistStatus, error) {
	now := s.opts.Now()

	if s.cache != nil {
		entry, err := s.cache.Get(ctx, contact)
		if err != nil {
			s.opts.Logger.Warn("Blacklist cache unavailable", zap.String("contact_hash", contact.Hash()), zap.Error(err))
		} else if entry != nil && entry.IsActive(now) {
			return statusOf(entry), nil
		}
	}

	sctx, cancel := s.opts.storeCtx(ctx)
	entries, err := s.repo.ListActive(sctx, contact, now)
	cancel()
	if err != nil {
		if s.policy.FailOpenOnStoreError {
			s.opts.Logger.Warn("Blacklist check failed, treating contact as not blacklisted",
				zap.String("contact_hash", contact.Hash()),
				zap.Error(err))
			return BlacklistStatus{}, nil
		}
		return BlacklistStatus{}, storeError("blacklist check", err)
	}

	var latest *model.BlacklistEntry
	for _, e := range entries {
		if !e.IsActive(now) {
			continue
		}
		if latest == nil || e.BlacklistedAt.After(latest.BlacklistedAt) {
			latest = e
		}
	}
	if latest == nil {
		return BlacklistStatus{}, nil
	}

	s.remember(ctx, latest, now)
	return statusOf(latest), nil
}

// Add always appends a new entry; overlapping entries are allowed.
// A non-positive duration uses the policy default.
func (s *BlacklistService) Add(ctx context.Context, contact model.Contact, reason model.BlacklistReason, duration time.Duration) (*model.BlacklistEntry, error) {
	if duration <= 0 {
		duration = s.policy.Duration
	}
	now := s.opts.Now()
	entry := &model.BlacklistEntry{
		Contact:       contact,
		Reason:        reason,
		BlacklistedAt: now,
		ExpiresAt:     now.Add(duration),
	}

	sctx, cancel := s.opts.storeCtx(ctx)
	err := s.repo.Add(sctx, entry)
	cancel()
	if err != nil {
		s.opts.Logger.Error("Failed to add blacklist entry",
			zap.String("contact_hash", contact.Hash()),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return nil, storeError("blacklist add", err)
	}

	s.remember(ctx, entry, now)

	s.opts.Logger.Info("Contact blacklisted",
		zap.String("contact_hash", contact.Hash()),
		zap.String("reason", string(reason)),
		zap.Time("expires_at", entry.ExpiresAt))
	ev := events.NewEvent(events.EventContactBlacklisted, &contact, now)
	ev.Reason = string(reason)
	s.opts.Emitter.Emit(ctx, ev.With("expires_at", entry.ExpiresAt.Format(time.RFC3339)))

	return entry, nil
}

func (s *BlacklistService) remember(ctx context.Context, entry *model.BlacklistEntry, now time.Time) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, entry, now); err != nil {
		s.opts.Logger.Warn("Failed to cache blacklist entry", zap.String("contact_hash", entry.Contact.Hash()), zap.Error(err))
	}
}
