package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/util"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoSecret         = errors.New("no signing secret configured")
)

// KMSDecrypter is the subset of *kms.Client used here.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretManager unwraps KMS-encrypted secrets and caches the plaintext for
// the life of the process.
type SecretManager struct {
	kmsClient KMSDecrypter
	keyID     string
	cache     sync.Map
}

func NewSecretManager(kmsClient KMSDecrypter, keyID string) *SecretManager {
	return &SecretManager{kmsClient: kmsClient, keyID: keyID}
}

// NewKMSClient builds a client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, cfg config.KMSConfig) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// DecryptSecret decrypts a base64 KMS ciphertext blob.
func (m *SecretManager) DecryptSecret(ctx context.Context, ciphertextB64 string) ([]byte, error) {
	if cached, ok := m.cache.Load(ciphertextB64); ok {
		return cached.([]byte), nil
	}
	if m.kmsClient == nil {
		return nil, fmt.Errorf("%w: kms client not configured", ErrDecryptionFailed)
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if m.keyID != "" {
		input.KeyId = aws.String(m.keyID)
	}
	out, err := m.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	m.cache.Store(ciphertextB64, out.Plaintext)
	return out.Plaintext, nil
}

// ResolveSigningSecret prefers the KMS ciphertext, then the plain secret.
// Outside production an ephemeral secret is generated when neither is set.
func (m *SecretManager) ResolveSigningSecret(ctx context.Context, cfg config.SessionConfig, production bool) ([]byte, error) {
	if cfg.SigningSecretKMS != "" {
		return m.DecryptSecret(ctx, cfg.SigningSecretKMS)
	}
	if cfg.SigningSecret != "" {
		return []byte(cfg.SigningSecret), nil
	}
	if production {
		return nil, ErrNoSecret
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate signing secret: %w", err)
	}
	util.Warn("No session signing secret configured, sessions will not survive a restart",
		zap.Bool("production", production))
	return secret, nil
}

// ClearCache drops cached plaintext.
func (m *SecretManager) ClearCache() {
	m.cache.Range(func(key, _ interface{}) bool {
		m.cache.Delete(key)
		return true
	})
}
