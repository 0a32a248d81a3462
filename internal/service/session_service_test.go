package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/token"
)

func login(t *testing.T, env *testEnv, value, contactType string) *SessionResult {
	t.Helper()
	code := env.requestCode(t, value, contactType)
	res, err := env.auth.VerifyOtp(context.Background(), value, contactType, code)
	require.NoError(t, err)
	return res
}

func TestVerifyOtp_IssuesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	res := login(t, env, "user@example.com", "email")

	assert.True(t, res.IsNewUser)
	assert.Equal(t, RedirectOnboarding, res.RedirectHint)
	assert.WithinDuration(t, env.clock.Now().Add(time.Hour), res.SessionExpiresAt, 0)
	assert.WithinDuration(t, env.clock.Now().Add(30*24*time.Hour), res.RefreshExpiresAt, 0)
	assert.Len(t, res.RefreshToken, 64)
	assert.True(t, res.User.IsVerified)

	info, err := env.auth.ValidateSession(context.Background(), res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, info.Claims.UserID)
	require.NotNil(t, info.Claims.Email)
	assert.Equal(t, "user@example.com", *info.Claims.Email)
	assert.Nil(t, info.Claims.Phone)
	assert.Nil(t, info.Profile)
}

func TestVerifyOtp_ReturningUserRedirect(t *testing.T) {
	env := newTestEnv(t, nil)
	first := login(t, env, "user@example.com", "email")

	env.clock.Advance(2 * time.Minute)
	second := login(t, env, "user@example.com", "email")
	assert.False(t, second.IsNewUser)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, RedirectOnboarding, second.RedirectHint)

	env.store.PutProfile(&model.Profile{UserID: first.User.ID, DisplayName: "Ada", OnboardingCompleted: true})
	env.clock.Advance(2 * time.Minute)
	third := login(t, env, "user@example.com", "email")
	assert.Equal(t, RedirectDashboard, third.RedirectHint)

	info, err := env.auth.ValidateSession(context.Background(), third.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, info.Profile)
	assert.Equal(t, "Ada", info.Profile.DisplayName)
}

func TestValidateSession_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)
	res := login(t, env, "user@example.com", "email")
	ctx := context.Background()

	_, err := env.auth.ValidateSession(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = env.auth.ValidateSession(ctx, res.SessionToken+"x")
	assert.ErrorIs(t, err, ErrInvalidSession)

	env.clock.Advance(time.Hour + time.Second)
	_, err = env.auth.ValidateSession(ctx, res.SessionToken)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestRefreshSession_Rotates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := login(t, env, "+15551234567", "phone")

	env.clock.Advance(30 * time.Minute)
	refreshed, err := env.auth.RefreshSession(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, refreshed.RefreshToken)
	assert.WithinDuration(t, env.clock.Now().Add(time.Hour), refreshed.SessionExpiresAt, 0)

	info, err := env.auth.ValidateSession(ctx, refreshed.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, info.Claims.Phone)
	assert.Equal(t, "+15551234567", *info.Claims.Phone)

	_, err = env.auth.RefreshSession(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

// gatedTokenRepo holds every Get until want callers have read the token, so
// they all pass the lookup before any of them revokes it.
type gatedTokenRepo struct {
	repository.RefreshTokenRepository
	want    int
	arrived sync.WaitGroup
}

func newGatedTokenRepo(inner repository.RefreshTokenRepository, want int) *gatedTokenRepo {
	g := &gatedTokenRepo{RefreshTokenRepository: inner, want: want}
	g.arrived.Add(want)
	return g
}

func (g *gatedTokenRepo) Get(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	rt, err := g.RefreshTokenRepository.Get(ctx, tokenHash)
	g.arrived.Done()
	g.arrived.Wait()
	return rt, err
}

func TestRefreshSession_ConcurrentRotationWinsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	res := login(t, env, "user@example.com", "email")

	const callers = 2
	opts := Options{Logger: zap.NewNop(), Now: env.clock.Now}
	signer, err := token.NewHMACSigner(testSecret, env.cfg.Session.Issuer, env.cfg.Session.SessionTTL, env.clock.Now)
	require.NoError(t, err)
	refresh := NewRefreshTokenManager(newGatedTokenRepo(env.store.RefreshTokens(), callers), env.cfg.Session.RefreshTTL, opts)
	sessions := NewSessionService(env.store.Users(), env.store.Profiles(), signer, refresh, opts)

	var wg sync.WaitGroup
	var successes, rejected atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sessions.Refresh(context.Background(), res.RefreshToken)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidRefreshToken):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())
}

func TestRefreshSession_Expired(t *testing.T) {
	env := newTestEnv(t, nil)
	res := login(t, env, "user@example.com", "email")

	env.clock.Advance(31 * 24 * time.Hour)
	_, err := env.auth.RefreshSession(context.Background(), res.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := login(t, env, "user@example.com", "email")
	env.clock.Advance(2 * time.Minute)
	second := login(t, env, "user@example.com", "email")
	env.clock.Advance(2 * time.Minute)
	third := login(t, env, "user@example.com", "email")

	require.NoError(t, env.auth.Logout(ctx, first.User.ID, first.RefreshToken))
	_, err := env.auth.RefreshSession(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// logging out an already revoked token is fine
	require.NoError(t, env.auth.Logout(ctx, first.User.ID, first.RefreshToken))
	assert.ErrorIs(t, env.auth.Logout(ctx, "someone-else", second.RefreshToken), ErrInvalidRefreshToken)

	require.NoError(t, env.auth.Logout(ctx, first.User.ID, ""))
	_, err = env.auth.RefreshSession(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = env.auth.RefreshSession(ctx, third.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}
