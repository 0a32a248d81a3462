package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"passwordless-auth/internal/repository"
)

type Store struct {
	pool      *pgxpool.Pool
	otps      *OTPRepository
	blacklist *BlacklistRepository
	tokens    *RefreshTokenRepository
	users     *UserRepository
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:      pool,
		otps:      NewOTPRepository(pool),
		blacklist: NewBlacklistRepository(pool),
		tokens:    NewRefreshTokenRepository(pool),
		users:     NewUserRepository(pool),
	}
}

func (s *Store) OTPs() repository.OTPRepository                   { return s.otps }
func (s *Store) Blacklist() repository.BlacklistRepository        { return s.blacklist }
func (s *Store) RefreshTokens() repository.RefreshTokenRepository { return s.tokens }
func (s *Store) Users() repository.UserRepository                 { return s.users }
func (s *Store) Profiles() repository.ProfileRepository           { return s.users }

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

var _ repository.Store = (*Store)(nil)
