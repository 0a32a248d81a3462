package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lower-cases and trims", "  User@Example.COM ", "user@example.com", false},
		{"plain", "a@b.io", "a@b.io", false},
		{"missing at", "user.example.com", "", true},
		{"two ats", "a@b@c.com", "", true},
		{"empty local part", "@example.com", "", true},
		{"trailing dot domain", "a@example.", "", true},
		{"inner space", "a b@example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeEmail(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEmail)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"formatted international", "+1 (415) 555-0100", "+14155550100", false},
		{"dotted", "415.555.0100", "4155550100", false},
		{"too short", "12345", "", true},
		{"letters", "+1 415 CALL NOW", "", true},
		{"plus in middle", "1+4155550100", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashContactIsStableAndTyped(t *testing.T) {
	a := HashContact("email", "user@example.com")
	assert.Equal(t, a, HashContact("email", "user@example.com"))
	assert.NotEqual(t, a, HashContact("phone", "user@example.com"))
	assert.Len(t, a, 64)
}
