package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort is returned for input shorter than a GCM nonce.
var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// Service seals secrets per tenant. The tenant id is bound as additional
// authenticated data, so a blob copied to another tenant fails to open.
type Service struct {
	keys KeyProvider
}

// NewService creates a service backed by keys.
func NewService(keys KeyProvider) *Service {
	return &Service{keys: keys}
}

func (s *Service) aead(ctx context.Context, tenantID string) (cipher.AEAD, error) {
	key, err := s.keys.GetKey(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("crypto: get key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (s *Service) Encrypt(ctx context.Context, tenantID string, plaintext []byte) (string, error) {
	gcm, err := s.aead(ctx, tenantID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(tenantID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt for the same tenant.
func (s *Service) Decrypt(ctx context.Context, tenantID, ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: base64 decode: %w", err)
	}
	gcm, err := s.aead(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt failed: %w", err)
	}
	return plaintext, nil
}
