package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/util"
)

const (
	algorithm     = "argon2id-v1"
	pepperVersion = 1
	otpContext    = "otp"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible pepper version")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher stores OTP codes as salted, peppered argon2id digests.
type Hasher struct {
	params Argon2Params
	pepper string
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg config.HashingConfig) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Argon2MemoryCost),
		Iterations:  uint32(cfg.Argon2TimeCost),
		Parallelism: uint8(cfg.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	if params.Parallelism == 0 {
		params.Parallelism = 1
	}
	if params.Iterations == 0 {
		params.Iterations = 1
	}

	pepper := cfg.OTPPepper
	if pepper == "" {
		// codes hashed by another instance will not verify here
		pepperBytes := make([]byte, 32)
		if _, err := rand.Read(pepperBytes); err != nil {
			util.Fatal("Failed to generate pepper", zap.Error(err))
		}
		pepper = base64.RawURLEncoding.EncodeToString(pepperBytes)
		util.Warn("OTP_PEPPER not set, using an ephemeral pepper")
	}

	return &Hasher{params: params, pepper: pepper}
}

func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := h.derive(code, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(digest),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepperVersion,
		Algorithm:     algorithm,
	}, nil
}

// VerifyOTP compares in constant time.
func (h *Hasher) VerifyOTP(code string, stored *HashResult) (bool, error) {
	if stored.PepperVersion != pepperVersion {
		return false, ErrIncompatibleVersion
	}
	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(code, salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) derive(code string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey(
		[]byte(code+h.pepper+otpContext),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		keyLen,
	)
}
