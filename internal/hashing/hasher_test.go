package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passwordless-auth/internal/config"
)

func testHasher(pepper string) *Hasher {
	return NewHasher(config.HashingConfig{
		Argon2MemoryCost:  64,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		OTPPepper:         pepper,
	})
}

func TestHashAndVerifyOTP(t *testing.T) {
	h := testHasher("pepper")

	res, err := h.HashOTP("482913")
	require.NoError(t, err)
	assert.Equal(t, "argon2id-v1", res.Algorithm)

	ok, err := h.VerifyOTP("482913", res)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyOTP("482914", res)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaltsDiffer(t *testing.T) {
	h := testHasher("pepper")
	a, err := h.HashOTP("111111")
	require.NoError(t, err)
	b, err := h.HashOTP("111111")
	require.NoError(t, err)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestPepperBindsHashes(t *testing.T) {
	res, err := testHasher("one").HashOTP("123456")
	require.NoError(t, err)

	ok, err := testHasher("two").VerifyOTP("123456", res)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	h := testHasher("pepper")

	_, err := h.VerifyOTP("123456", &HashResult{Hash: "!!", Salt: "AAAA", PepperVersion: 1})
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyOTP("123456", &HashResult{Hash: "AAAA", Salt: "AAAA", PepperVersion: 7})
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
