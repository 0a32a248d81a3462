package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/events"
	"passwordless-auth/internal/repository"
)

const (
	CategoryOTPExpired         = "otp_expired_unused"
	CategoryOTPRetention       = "otp_retention"
	CategoryBlacklistExpired   = "blacklist_expired"
	CategoryBlacklistRetention = "blacklist_retention"
	CategoryRefreshTokens      = "refresh_tokens_expired"
	CategoryInactiveUsers      = "users_inactive"

	cleanupLockName = "retention-cleanup"
)

// RunLocker keeps two cleanup runs from overlapping across instances.
type RunLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error)
}

type CategoryResult struct {
	Deleted   int    `json:"deleted"`
	Batches   int    `json:"batches"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

type CleanupResult struct {
	StartedAt    time.Time                  `json:"started_at"`
	FinishedAt   time.Time                  `json:"finished_at"`
	Categories   map[string]*CategoryResult `json:"categories"`
	Errors       []string                   `json:"errors"`
	TotalDeleted int                        `json:"total_deleted"`
	// Skipped is set when another instance holds the run lock.
	Skipped bool `json:"skipped,omitempty"`
	Success bool `json:"success"`
}

type cleanupTask struct {
	category string
	run      func(ctx context.Context, res *CategoryResult) error
}

// CleanupService purges expired and stale rows in bounded batches. Each
// batch deletes and counts only what it removed, so overlapping or repeated
// runs never double count.
type CleanupService struct {
	store repository.Store
	lock  RunLocker
	opts  Options
}

// NewCleanupService accepts a nil lock.
func NewCleanupService(store repository.Store, lock RunLocker, opts Options) *CleanupService {
	return &CleanupService{store: store, lock: lock, opts: opts.withDefaults()}
}

// Run never fails as a whole: a category's error is recorded and the others
// still run. Success means no category errored.
func (s *CleanupService) Run(ctx context.Context, cfg config.CleanupConfig) *CleanupResult {
	result := &CleanupResult{
		StartedAt:  s.opts.Now(),
		Categories: make(map[string]*CategoryResult),
		Errors:     []string{},
	}

	if s.lock != nil {
		release, acquired, err := s.lock.Acquire(ctx, cleanupLockName, cfg.LockTTL)
		switch {
		case err != nil:
			s.opts.Logger.Warn("Cleanup lock unavailable, running unlocked", zap.Error(err))
		case !acquired:
			s.opts.Logger.Info("Cleanup already running elsewhere, skipping")
			result.Skipped = true
			result.Success = true
			result.FinishedAt = s.opts.Now()
			return result
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.opts.Logger.Warn("Failed to release cleanup lock", zap.Error(err))
				}
			}()
		}
	}

	tasks := s.tasks(cfg, result.StartedAt)
	for _, t := range tasks {
		result.Categories[t.category] = &CategoryResult{}
	}

	var g errgroup.Group
	if cfg.Parallelism > 0 {
		g.SetLimit(cfg.Parallelism)
	}
	for _, t := range tasks {
		res := result.Categories[t.category]
		g.Go(func() error {
			if err := t.run(ctx, res); err != nil {
				res.Error = err.Error()
				s.opts.Logger.Error("Cleanup category failed",
					zap.String("category", t.category),
					zap.Int("deleted", res.Deleted),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range tasks {
		res := result.Categories[t.category]
		result.TotalDeleted += res.Deleted
		if res.Error != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", t.category, res.Error))
		}
	}
	result.Success = len(result.Errors) == 0
	result.FinishedAt = s.opts.Now()

	s.opts.Logger.Info("Cleanup completed",
		zap.Int("total_deleted", result.TotalDeleted),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))
	ev := events.NewEvent(events.EventCleanupCompleted, nil, result.FinishedAt)
	ev.With("total_deleted", strconv.Itoa(result.TotalDeleted))
	s.opts.Emitter.Emit(ctx, ev.With("success", strconv.FormatBool(result.Success)))

	return result
}

func (s *CleanupService) tasks(cfg config.CleanupConfig, now time.Time) []cleanupTask {
	otps := s.store.OTPs()
	blacklist := s.store.Blacklist()
	tokens := s.store.RefreshTokens()

	tasks := []cleanupTask{
		{CategoryOTPExpired, func(ctx context.Context, res *CategoryResult) error {
			return s.drain(ctx, cfg, res, func(ctx context.Context) (int, error) {
				return otps.DeleteExpiredUnused(ctx, now, cfg.BatchSize)
			})
		}},
		{CategoryOTPRetention, func(ctx context.Context, res *CategoryResult) error {
			return s.drain(ctx, cfg, res, func(ctx context.Context) (int, error) {
				return otps.DeleteCreatedBefore(ctx, now.Add(-cfg.OTPRetention), cfg.BatchSize)
			})
		}},
		{CategoryBlacklistExpired, func(ctx context.Context, res *CategoryResult) error {
			return s.drain(ctx, cfg, res, func(ctx context.Context) (int, error) {
				return blacklist.DeleteExpired(ctx, now, cfg.BatchSize)
			})
		}},
		{CategoryBlacklistRetention, func(ctx context.Context, res *CategoryResult) error {
			return s.drain(ctx, cfg, res, func(ctx context.Context) (int, error) {
				return blacklist.DeleteCreatedBefore(ctx, now.Add(-cfg.BlacklistRetention), cfg.BatchSize)
			})
		}},
		{CategoryRefreshTokens, func(ctx context.Context, res *CategoryResult) error {
			return s.drain(ctx, cfg, res, func(ctx context.Context) (int, error) {
				return tokens.DeleteExpiredBefore(ctx, now.Add(-cfg.RefreshTokenGrace), cfg.BatchSize)
			})
		}},
	}
	if cfg.DeleteInactiveUsers {
		tasks = append(tasks, cleanupTask{CategoryInactiveUsers, func(ctx context.Context, res *CategoryResult) error {
			return s.purgeInactiveUsers(ctx, cfg, now.Add(-cfg.UserRetention), res)
		}})
	}
	return tasks
}

// drain repeats del until a short batch or MaxBatches.
func (s *CleanupService) drain(ctx context.Context, cfg config.CleanupConfig, res *CategoryResult, del func(context.Context) (int, error)) error {
	for res.Batches < cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		sctx, cancel := s.opts.storeCtx(ctx)
		n, err := del(sctx)
		cancel()
		if err != nil {
			return err
		}
		res.Batches++
		res.Deleted += n
		if n < cfg.BatchSize {
			return nil
		}
	}
	res.Truncated = true
	return nil
}

// purgeInactiveUsers removes users unseen since cutoff who also have no OTP
// activity since then, along with their refresh tokens.
func (s *CleanupService) purgeInactiveUsers(ctx context.Context, cfg config.CleanupConfig, cutoff time.Time, res *CategoryResult) error {
	users := s.store.Users()
	otps := s.store.OTPs()
	tokens := s.store.RefreshTokens()

	var cursor []byte
	for res.Batches < cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		sctx, cancel := s.opts.storeCtx(ctx)
		stale, next, err := users.ListStale(sctx, cutoff, cfg.BatchSize, cursor)
		cancel()
		if err != nil {
			return err
		}
		res.Batches++

		for _, u := range stale {
			sctx, cancel := s.opts.storeCtx(ctx)
			err := func() error {
				acts, err := otps.ListActivitySince(sctx, u.Contact(), cutoff)
				if err != nil || len(acts) > 0 {
					return err
				}
				if _, err := tokens.DeleteForUser(sctx, u.ID); err != nil {
					return err
				}
				if err := users.Delete(sctx, u); err != nil {
					if errors.Is(err, repository.ErrNotFound) {
						return nil
					}
					return err
				}
				res.Deleted++
				return nil
			}()
			cancel()
			if err != nil {
				return fmt.Errorf("user %s: %w", u.ID, err)
			}
		}

		if len(next) == 0 {
			return nil
		}
		cursor = next
	}
	res.Truncated = true
	return nil
}
