package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/events"
	"passwordless-auth/internal/model"
)

// OtpRequestResult is what a caller learns about an issued code. The code
// itself only goes to delivery.
type OtpRequestResult struct {
	ExpiresAt         time.Time `json:"expires_at"`
	ResendAvailableAt time.Time `json:"resend_available_at"`
	ResendCount       int       `json:"resend_count"`
}

// AuthService is the entry point the HTTP layer and the cleanup command use.
type AuthService struct {
	otp            *OTPService
	sessions       *SessionService
	blacklist      *BlacklistService
	cleanup        *CleanupService
	delivery       events.CodeDelivery
	resendInterval time.Duration
	opts           Options
}

func NewAuthService(
	otp *OTPService,
	sessions *SessionService,
	blacklist *BlacklistService,
	cleanup *CleanupService,
	delivery events.CodeDelivery,
	resendInterval time.Duration,
	opts Options,
) *AuthService {
	return &AuthService{
		otp:            otp,
		sessions:       sessions,
		blacklist:      blacklist,
		cleanup:        cleanup,
		delivery:       delivery,
		resendInterval: resendInterval,
		opts:           opts.withDefaults(),
	}
}

func (s *AuthService) RequestOtp(ctx context.Context, contactValue, contactType string) (*OtpRequestResult, error) {
	contact, err := parseContact(contactValue, contactType)
	if err != nil {
		return nil, err
	}
	issued, err := s.otp.Issue(ctx, contact)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, contact, issued)
}

func (s *AuthService) ResendOtp(ctx context.Context, contactValue, contactType string) (*OtpRequestResult, error) {
	contact, err := parseContact(contactValue, contactType)
	if err != nil {
		return nil, err
	}
	issued, err := s.otp.Resend(ctx, contact)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, contact, issued)
}

// VerifyOtp consumes the code and opens a session for its owner.
func (s *AuthService) VerifyOtp(ctx context.Context, contactValue, contactType, code string) (*SessionResult, error) {
	contact, err := parseContact(contactValue, contactType)
	if err != nil {
		return nil, err
	}
	verified, err := s.otp.Verify(ctx, contact, code)
	if err != nil {
		return nil, err
	}
	return s.sessions.IssueForLogin(ctx, verified.UserID)
}

func (s *AuthService) ValidateSession(ctx context.Context, sessionToken string) (*SessionInfo, error) {
	return s.sessions.Validate(ctx, sessionToken)
}

func (s *AuthService) RefreshSession(ctx context.Context, refreshToken string) (*SessionResult, error) {
	return s.sessions.Refresh(ctx, refreshToken)
}

// Logout revokes refreshToken, or all of the user's refresh tokens if empty.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string) error {
	_, err := s.sessions.Logout(ctx, userID, refreshToken)
	return err
}

func (s *AuthService) RunCleanup(ctx context.Context, cfg config.CleanupConfig) *CleanupResult {
	return s.cleanup.Run(ctx, cfg)
}

// BlockContact records a MANUAL_BLOCK entry.
func (s *AuthService) BlockContact(ctx context.Context, contactValue, contactType string, duration time.Duration) (*model.BlacklistEntry, error) {
	contact, err := parseContact(contactValue, contactType)
	if err != nil {
		return nil, err
	}
	return s.blacklist.Add(ctx, contact, model.ReasonManualBlock, duration)
}

func (s *AuthService) BlacklistStatus(ctx context.Context, contactValue, contactType string) (*BlacklistStatus, error) {
	contact, err := parseContact(contactValue, contactType)
	if err != nil {
		return nil, err
	}
	status, err := s.blacklist.IsBlacklisted(ctx, contact)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *AuthService) deliver(ctx context.Context, contact model.Contact, issued *IssuedCode) (*OtpRequestResult, error) {
	if s.delivery != nil {
		if err := s.delivery.Deliver(ctx, contact, issued.Code, issued.ExpiresAt); err != nil {
			s.opts.Logger.Error("Failed to hand off OTP for delivery",
				zap.String("contact_hash", contact.Hash()),
				zap.String("record_id", issued.RecordID),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
	}
	return &OtpRequestResult{
		ExpiresAt:         issued.ExpiresAt,
		ResendAvailableAt: s.opts.Now().Add(s.resendInterval),
		ResendCount:       issued.ResendCount,
	}, nil
}

func parseContact(value, contactType string) (model.Contact, error) {
	contact, err := model.ParseContact(value, contactType)
	if err != nil {
		return model.Contact{}, fmt.Errorf("%w: %v", ErrInvalidContact, err)
	}
	return contact, nil
}
