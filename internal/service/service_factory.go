package service

import (
	"sync"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/events"
	"passwordless-auth/internal/hashing"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/token"
)

// ServiceFactory wires the services over one store and builds each once.
type ServiceFactory struct {
	cfg      *config.Config
	store    repository.Store
	hasher   *hashing.Hasher
	signer   token.Signer
	cache    BlacklistCache
	lock     RunLocker
	delivery events.CodeDelivery
	opts     Options

	once        sync.Once
	blacklist   *BlacklistService
	limiter     *RateLimiter
	otp         *OTPService
	refresh     *RefreshTokenManager
	sessions    *SessionService
	cleanup     *CleanupService
	authService *AuthService
}

// NewServiceFactory accepts a nil cache, lock and delivery.
func NewServiceFactory(
	cfg *config.Config,
	store repository.Store,
	hasher *hashing.Hasher,
	signer token.Signer,
	cache BlacklistCache,
	lock RunLocker,
	delivery events.CodeDelivery,
	opts Options,
) *ServiceFactory {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = cfg.Store.Timeout
	}
	return &ServiceFactory{
		cfg:      cfg,
		store:    store,
		hasher:   hasher,
		signer:   signer,
		cache:    cache,
		lock:     lock,
		delivery: delivery,
		opts:     opts.withDefaults(),
	}
}

func (f *ServiceFactory) build() {
	f.once.Do(func() {
		f.blacklist = NewBlacklistService(f.store.Blacklist(), f.cache, f.cfg.Blacklist, f.opts)
		f.limiter = NewRateLimiter(f.store.OTPs(), f.cfg.RateLimit, f.opts)
		f.otp = NewOTPService(f.store.OTPs(), f.store.Users(), f.blacklist, f.limiter, f.hasher, f.cfg.OTP, f.cfg.Blacklist, f.opts)
		f.refresh = NewRefreshTokenManager(f.store.RefreshTokens(), f.cfg.Session.RefreshTTL, f.opts)
		f.sessions = NewSessionService(f.store.Users(), f.store.Profiles(), f.signer, f.refresh, f.opts)
		f.cleanup = NewCleanupService(f.store, f.lock, f.opts)
		f.authService = NewAuthService(f.otp, f.sessions, f.blacklist, f.cleanup, f.delivery, f.cfg.RateLimit.ResendInterval, f.opts)
	})
}

func (f *ServiceFactory) AuthService() *AuthService {
	f.build()
	return f.authService
}

func (f *ServiceFactory) BlacklistService() *BlacklistService {
	f.build()
	return f.blacklist
}

func (f *ServiceFactory) RateLimiter() *RateLimiter {
	f.build()
	return f.limiter
}

func (f *ServiceFactory) CleanupService() *CleanupService {
	f.build()
	return f.cleanup
}
