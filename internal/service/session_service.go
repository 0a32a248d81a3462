package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/events"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/token"
)

const (
	RedirectOnboarding = "onboarding"
	RedirectDashboard  = "dashboard"
)

// SessionResult carries both credentials. The raw values are only ever
// written to cookies or the response body, never logged.
type SessionResult struct {
	SessionToken     string
	SessionExpiresAt time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             *model.User
	IsNewUser        bool
	RedirectHint     string
}

type SessionInfo struct {
	Claims  *token.SessionClaims
	User    *model.User
	Profile *model.Profile
}

// SessionService mints a stateless session token plus a revocable refresh
// token for a verified user.
type SessionService struct {
	users    repository.UserRepository
	profiles repository.ProfileRepository
	signer   token.Signer
	refresh  RefreshTokens
	opts     Options
}

func NewSessionService(
	users repository.UserRepository,
	profiles repository.ProfileRepository,
	signer token.Signer,
	refresh RefreshTokens,
	opts Options,
) *SessionService {
	return &SessionService{
		users:    users,
		profiles: profiles,
		signer:   signer,
		refresh:  refresh,
		opts:     opts.withDefaults(),
	}
}

// IssueForLogin marks the user verified and returns fresh credentials. A user
// that was never verified before counts as new.
func (s *SessionService) IssueForLogin(ctx context.Context, userID string) (*SessionResult, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	isNew := !user.IsVerified

	sctx, cancel := s.opts.storeCtx(ctx)
	err = s.users.RecordLogin(sctx, user, s.opts.Now())
	cancel()
	if err != nil {
		s.opts.Logger.Error("Failed to record login", zap.String("user_id", userID), zap.Error(err))
		return nil, storeError("record login", err)
	}

	result, err := s.mint(ctx, user)
	if err != nil {
		return nil, err
	}
	result.IsNewUser = isNew
	result.RedirectHint = RedirectOnboarding
	if !isNew {
		if profile := s.loadProfile(ctx, user.ID); profile != nil && profile.OnboardingCompleted {
			result.RedirectHint = RedirectDashboard
		}
	}

	s.opts.Logger.Info("Session issued",
		zap.String("user_id", user.ID),
		zap.Bool("new_user", isNew),
		zap.String("redirect", result.RedirectHint))
	ev := events.NewEvent(events.EventSessionIssued, nil, s.opts.Now())
	ev.UserID = user.ID
	s.opts.Emitter.Emit(ctx, ev)

	return result, nil
}

// Validate verifies the token offline, then confirms the user still exists.
func (s *SessionService) Validate(ctx context.Context, raw string) (*SessionInfo, error) {
	if raw == "" {
		return nil, ErrInvalidSession
	}
	claims, err := s.signer.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	user, err := s.loadUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{Claims: claims, User: user, Profile: s.loadProfile(ctx, user.ID)}, nil
}

// Refresh rotates the refresh token: the presented one is revoked before a
// new pair is returned. Only the caller whose revoke removed the token mints.
func (s *SessionService) Refresh(ctx context.Context, rawRefresh string) (*SessionResult, error) {
	rt, err := s.refresh.Lookup(ctx, rawRefresh)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, rt.UserID)
	if errors.Is(err, ErrInvalidSession) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	revoked, err := s.refresh.RevokeOne(ctx, rawRefresh)
	if err != nil {
		return nil, err
	}
	if !revoked {
		// rotated by a concurrent refresh
		return nil, fmt.Errorf("%w: already rotated", ErrInvalidRefreshToken)
	}

	result, err := s.mint(ctx, user)
	if err != nil {
		return nil, err
	}
	result.RedirectHint = RedirectOnboarding
	if profile := s.loadProfile(ctx, user.ID); profile != nil && profile.OnboardingCompleted {
		result.RedirectHint = RedirectDashboard
	}

	ev := events.NewEvent(events.EventSessionRefreshed, nil, s.opts.Now())
	ev.UserID = user.ID
	s.opts.Emitter.Emit(ctx, ev)
	return result, nil
}

// Logout revokes one refresh token, or every token of the user when
// rawRefresh is empty. Session tokens stay valid until they expire.
func (s *SessionService) Logout(ctx context.Context, userID, rawRefresh string) (int, error) {
	revoked := 0
	if rawRefresh != "" {
		rt, err := s.refresh.Lookup(ctx, rawRefresh)
		switch {
		case errors.Is(err, ErrInvalidRefreshToken):
		case err != nil:
			return 0, err
		case rt.UserID != userID:
			return 0, ErrInvalidRefreshToken
		default:
			if _, err := s.refresh.RevokeOne(ctx, rawRefresh); err != nil {
				return 0, err
			}
			revoked = 1
		}
	} else {
		n, err := s.refresh.RevokeAll(ctx, userID)
		if err != nil {
			return 0, err
		}
		revoked = n
	}

	s.opts.Logger.Info("User logged out",
		zap.String("user_id", userID),
		zap.Bool("all_devices", rawRefresh == ""),
		zap.Int("revoked", revoked))
	ev := events.NewEvent(events.EventLogout, nil, s.opts.Now())
	ev.UserID = userID
	s.opts.Emitter.Emit(ctx, ev)
	return revoked, nil
}

func (s *SessionService) mint(ctx context.Context, user *model.User) (*SessionResult, error) {
	claims := &token.SessionClaims{UserID: user.ID, IsVerified: user.IsVerified}
	if user.Email != "" {
		email := user.Email
		claims.Email = &email
	}
	if user.Phone != "" {
		phone := user.Phone
		claims.Phone = &phone
	}

	signed, err := s.signer.Sign(claims)
	if err != nil {
		return nil, err
	}
	rawRefresh, rt, err := s.refresh.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &SessionResult{
		SessionToken:     signed,
		SessionExpiresAt: claims.ExpiresAt.Time,
		RefreshToken:     rawRefresh,
		RefreshExpiresAt: rt.ExpiresAt,
		User:             user,
	}, nil
}

func (s *SessionService) loadUser(ctx context.Context, userID string) (*model.User, error) {
	sctx, cancel := s.opts.storeCtx(ctx)
	defer cancel()
	user, err := s.users.GetByID(sctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user", ErrInvalidSession)
	}
	if err != nil {
		return nil, storeError("load user", err)
	}
	return user, nil
}

// loadProfile treats a missing or unreadable profile as "not onboarded".
func (s *SessionService) loadProfile(ctx context.Context, userID string) *model.Profile {
	if s.profiles == nil {
		return nil
	}
	sctx, cancel := s.opts.storeCtx(ctx)
	defer cancel()
	profile, err := s.profiles.GetProfile(sctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.opts.Logger.Warn("Failed to load profile", zap.String("user_id", userID), zap.Error(err))
		}
		return nil
	}
	return profile
}
