package crypto

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Encryptor protects secrets stored at rest.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSClient is the subset of *kms.Client used by KMSService.
type KMSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSService implements Encryptor using AWS KMS.
type KMSService struct {
	client KMSClient
	keyID  string
}

// NewKMSService creates a KMSService. keyID can be a key ID, ARN, or alias.
func NewKMSService(client KMSClient, keyID string) *KMSService {
	return &KMSService{client: client, keyID: keyID}
}

// Encrypt returns base64 encoded KMS ciphertext.
func (s *KMSService) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	result, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(result.CiphertextBlob), nil
}

func (s *KMSService) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	result, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: decoded,
		KeyId:          aws.String(s.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(result.Plaintext), nil
}

// LocalEncryptor implements Encryptor with a passphrase, for deployments
// without KMS.
type LocalEncryptor struct {
	passphrase string
}

func NewLocalEncryptor(passphrase string) *LocalEncryptor {
	return &LocalEncryptor{passphrase: passphrase}
}

func (e *LocalEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	sealed, err := Seal([]byte(plaintext), e.passphrase)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *LocalEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := Open(decoded, e.passphrase)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
