package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// credentialSalt scopes derived keys to integration credentials.
var credentialSalt = []byte("1sec-respond/integration-credentials/v1")

// DerivedProvider derives a distinct key per tenant from one master key
// with HKDF-SHA256, so only the master key needs to be provisioned.
type DerivedProvider struct {
	master []byte
}

// NewDerivedProvider parses a hex-encoded 32-byte master key.
func NewDerivedProvider(hexKey string) (*DerivedProvider, error) {
	master, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/derived: invalid hex key: %w", err)
	}
	if len(master) != keySize {
		return nil, fmt.Errorf("crypto/derived: master key must be %d bytes, got %d", keySize, len(master))
	}
	return &DerivedProvider{master: master}, nil
}

// GetKey returns the tenant's derived key.
func (p *DerivedProvider) GetKey(_ context.Context, tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, errors.New("crypto/derived: empty tenant id")
	}
	r := hkdf.New(sha256.New, p.master, credentialSalt, []byte(tenantID))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto/derived: expand key: %w", err)
	}
	return key, nil
}

// GenerateMasterKey returns a fresh random master key, hex-encoded.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("crypto: generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
