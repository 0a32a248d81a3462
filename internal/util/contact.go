package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrInvalidPhone = errors.New("invalid phone number")

	phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	phoneNoise   = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "\t", "")
)

// NormalizeEmail trims and lower-cases an address and checks its basic shape.
func NormalizeEmail(value string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(value))
	if len(email) > 254 || strings.ContainsAny(email, " \t\r\n<>") {
		return "", ErrInvalidEmail
	}
	local, domain, found := strings.Cut(email, "@")
	if !found || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", ErrInvalidEmail
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// NormalizePhone strips formatting characters and keeps an optional leading '+'.
func NormalizePhone(value string) (string, error) {
	phone := phoneNoise.Replace(strings.TrimSpace(value))
	if !phonePattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// HashContact gives a stable identifier for a contact that is safe to log.
func HashContact(contactType, value string) string {
	sum := sha256.Sum256([]byte(contactType + ":" + value))
	return hex.EncodeToString(sum[:])
}
