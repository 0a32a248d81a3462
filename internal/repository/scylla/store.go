package scylla

import (
	"context"

	"passwordless-auth/internal/bucketing"
	"passwordless-auth/internal/repository"
)

type Store struct {
	client    *ScyllaClient
	otps      *OTPRepository
	blacklist *BlacklistRepository
	tokens    *RefreshTokenRepository
	users     *UserRepository
}

func NewStore(client *ScyllaClient, buckets *bucketing.BucketingManager) *Store {
	return &Store{
		client:    client,
		otps:      NewOTPRepository(client),
		blacklist: NewBlacklistRepository(client),
		tokens:    NewRefreshTokenRepository(client),
		users:     NewUserRepository(client, buckets),
	}
}

func (s *Store) OTPs() repository.OTPRepository                   { return s.otps }
func (s *Store) Blacklist() repository.BlacklistRepository        { return s.blacklist }
func (s *Store) RefreshTokens() repository.RefreshTokenRepository { return s.tokens }
func (s *Store) Users() repository.UserRepository                 { return s.users }
func (s *Store) Profiles() repository.ProfileRepository           { return s.users }

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *Store) Close() {
	s.client.Close()
}

var _ repository.Store = (*Store)(nil)
