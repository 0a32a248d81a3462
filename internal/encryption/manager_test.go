package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"passwordless-auth/internal/config"
)

type mockKMS struct {
	mock.Mock
}

func (m *mockKMS) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*kms.DecryptOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestResolveSigningSecretPrefersKMSAndCaches(t *testing.T) {
	ctx := context.Background()
	blob := []byte("wrapped-secret")
	kmsClient := new(mockKMS)
	kmsClient.On("Decrypt", mock.Anything, mock.MatchedBy(func(in *kms.DecryptInput) bool {
		return string(in.CiphertextBlob) == string(blob)
	})).Return(&kms.DecryptOutput{Plaintext: []byte("0123456789abcdef0123456789abcdef")}, nil).Once()

	m := NewSecretManager(kmsClient, "")
	cfg := config.SessionConfig{
		SigningSecret:    "ignored-plain-secret",
		SigningSecretKMS: base64.StdEncoding.EncodeToString(blob),
	}

	for i := 0; i < 2; i++ {
		secret, err := m.ResolveSigningSecret(ctx, cfg, true)
		require.NoError(t, err)
		assert.Equal(t, "0123456789abcdef0123456789abcdef", string(secret))
	}
	kmsClient.AssertExpectations(t)
}

func TestResolveSigningSecretFallbacks(t *testing.T) {
	ctx := context.Background()
	m := NewSecretManager(nil, "")

	secret, err := m.ResolveSigningSecret(ctx, config.SessionConfig{SigningSecret: "plain"}, true)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(secret))

	_, err = m.ResolveSigningSecret(ctx, config.SessionConfig{}, true)
	assert.ErrorIs(t, err, ErrNoSecret)

	secret, err = m.ResolveSigningSecret(ctx, config.SessionConfig{}, false)
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}

func TestDecryptSecretErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewSecretManager(nil, "").DecryptSecret(ctx, "AAAA")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	kmsClient := new(mockKMS)
	kmsClient.On("Decrypt", mock.Anything, mock.Anything).Return(nil, errors.New("AccessDenied"))
	_, err = NewSecretManager(kmsClient, "key-1").DecryptSecret(ctx, "AAAA")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = NewSecretManager(kmsClient, "").DecryptSecret(ctx, "%%%")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
