package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrWeakSecret   = errors.New("signing secret must be at least 32 bytes")
)

// SessionClaims is the self-contained session payload. Exactly one of Email
// and Phone is set.
type SessionClaims struct {
	UserID     string  `json:"uid"`
	Email      *string `json:"email"`
	Phone      *string `json:"phone"`
	IsVerified bool    `json:"is_verified"`
	jwt.RegisteredClaims
}

// Signer mints and checks stateless session tokens.
type Signer interface {
	Sign(claims *SessionClaims) (string, error)
	Verify(raw string) (*SessionClaims, error)
}

// HMACSigner produces header.payload.signature tokens keyed with HMAC-SHA-256.
type HMACSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

func NewHMACSigner(secret []byte, issuer string, ttl time.Duration, now func() time.Time) (*HMACSigner, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if now == nil {
		now = time.Now
	}
	return &HMACSigner{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		now:    now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(now),
		),
	}, nil
}

// Sign stamps issuer, subject, id, issue and expiry times onto claims.
func (s *HMACSigner) Sign(claims *SessionClaims) (string, error) {
	now := s.now()
	claims.Issuer = s.issuer
	claims.Subject = claims.UserID
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

func (s *HMACSigner) Verify(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	tok, err := s.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid || claims.UserID == "" || claims.Subject != claims.UserID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TTL is the lifetime given to newly signed tokens.
func (s *HMACSigner) TTL() time.Duration {
	return s.ttl
}
