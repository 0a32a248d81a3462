package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContactCanonicalizes(t *testing.T) {
	a, err := ParseContact(" User@Example.com", "email")
	require.NoError(t, err)
	b, err := ParseContact("user@example.COM ", "email")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, a.Hash(), b.Hash())

	p, err := ParseContact("+44 20-7946-0958", "phone")
	require.NoError(t, err)
	assert.Equal(t, Contact{Value: "+442079460958", Type: ContactPhone}, p)

	_, err = ParseContact("user@example.com", "fax")
	assert.ErrorIs(t, err, ErrUnknownContactType)
}

func TestOTPRecordIsActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := &OTPRecord{ExpiresAt: now.Add(time.Minute)}

	assert.True(t, rec.IsActive(now))
	assert.False(t, rec.IsActive(now.Add(time.Minute)), "expiry instant is already expired")

	rec.IsUsed = true
	assert.False(t, rec.IsActive(now))
}

func TestUserContactAndLastSeen(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	u := NewUserFor("u1", Contact{Value: "+15550001111", Type: ContactPhone}, now)

	assert.Equal(t, ContactPhone, u.Contact().Type)
	assert.Equal(t, now, u.LastSeen())

	u.LastLogin = now.Add(time.Hour)
	assert.Equal(t, now.Add(time.Hour), u.LastSeen())
}
