package model

import (
	"errors"
	"time"

	"passwordless-auth/internal/util"
)

type ContactType string

const (
	ContactEmail ContactType = "email"
	ContactPhone ContactType = "phone"
)

var ErrUnknownContactType = errors.New("contact type must be email or phone")

// Contact is the canonical (value, type) pair every OTP, blacklist and
// rate-limit lookup is partitioned by.
type Contact struct {
	Value string      `json:"value"`
	Type  ContactType `json:"type"`
}

// ParseContact canonicalizes raw input. Emails are trimmed and lower-cased;
// phones lose spaces, dashes, dots and parentheses.
func ParseContact(value, contactType string) (Contact, error) {
	switch ContactType(contactType) {
	case ContactEmail:
		email, err := util.NormalizeEmail(value)
		if err != nil {
			return Contact{}, err
		}
		return Contact{Value: email, Type: ContactEmail}, nil
	case ContactPhone:
		phone, err := util.NormalizePhone(value)
		if err != nil {
			return Contact{}, err
		}
		return Contact{Value: phone, Type: ContactPhone}, nil
	default:
		return Contact{}, ErrUnknownContactType
	}
}

func (c Contact) Key() string {
	return string(c.Type) + ":" + c.Value
}

// Hash identifies the contact in logs and events without exposing it.
func (c Contact) Hash() string {
	return util.HashContact(string(c.Type), c.Value)
}

type OTPRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Contact       Contact   `json:"contact"`
	CodeHash      string    `json:"-"`
	CodeSalt      string    `json:"-"`
	PepperVersion int       `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Attempts      int       `json:"attempts"`
	IsUsed        bool      `json:"is_used"`
	ResendCount   int       `json:"resend_count"`
}

// IsActive reports whether the record can still be verified against.
func (r *OTPRecord) IsActive(now time.Time) bool {
	return !r.IsUsed && now.Before(r.ExpiresAt)
}

// OTPActivity is the slice of an OTPRecord the rate limiter counts.
type OTPActivity struct {
	ID          string
	CreatedAt   time.Time
	Attempts    int
	ResendCount int
}

type BlacklistReason string

const (
	ReasonMaxSendAttempts   BlacklistReason = "MAX_SEND_ATTEMPTS"
	ReasonMaxVerifyAttempts BlacklistReason = "MAX_VERIFY_ATTEMPTS"
	ReasonManualBlock       BlacklistReason = "MANUAL_BLOCK"
)

func (r BlacklistReason) Valid() bool {
	switch r {
	case ReasonMaxSendAttempts, ReasonMaxVerifyAttempts, ReasonManualBlock:
		return true
	}
	return false
}

type BlacklistEntry struct {
	ID            string          `json:"id"`
	Contact       Contact         `json:"contact"`
	Reason        BlacklistReason `json:"reason"`
	BlacklistedAt time.Time       `json:"blacklisted_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

func (e *BlacklistEntry) IsActive(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// RefreshToken is stored by the SHA-256 of the bearer value, never the value.
type RefreshToken struct {
	TokenHash string    `json:"-"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type User struct {
	ID         string    `json:"id"`
	Bucket     int       `json:"-"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	IsVerified bool      `json:"is_verified"`
	LastLogin  time.Time `json:"last_login,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Contact returns the identity the user was created from.
func (u *User) Contact() Contact {
	if u.Email != "" {
		return Contact{Value: u.Email, Type: ContactEmail}
	}
	return Contact{Value: u.Phone, Type: ContactPhone}
}

// LastSeen is the later of creation and last login.
func (u *User) LastSeen() time.Time {
	if u.LastLogin.After(u.CreatedAt) {
		return u.LastLogin
	}
	return u.CreatedAt
}

// NewUserFor builds an unverified user owning contact.
func NewUserFor(id string, contact Contact, now time.Time) *User {
	user := &User{ID: id, CreatedAt: now}
	if contact.Type == ContactEmail {
		user.Email = contact.Value
	} else {
		user.Phone = contact.Value
	}
	return user
}

// Profile is the slice of the job-board profile the login flow reads.
type Profile struct {
	UserID              string    `json:"user_id"`
	DisplayName         string    `json:"display_name,omitempty"`
	OnboardingCompleted bool      `json:"onboarding_completed"`
	UpdatedAt           time.Time `json:"updated_at"`
}
