package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/1sec-project/1sec-respond/internal/crypto"
)

// Credentials are the decrypted connection details for one provider.
type Credentials struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// CredentialStore resolves tenant-scoped provider credentials. It returns
// (nil, nil) when the tenant has no integration for the provider.
type CredentialStore interface {
	GetDecryptedCredentials(ctx context.Context, tenantID, provider string) (*Credentials, error)
}

// IntegrationConfig is one sealed provider integration in the config file.
type IntegrationConfig struct {
	TenantID    string `yaml:"tenant_id" json:"tenant_id"`
	Provider    string `yaml:"provider" json:"provider"`
	Credentials string `yaml:"credentials" json:"-"` // crypto.Service blob of the JSON Credentials
}

const defaultCredentialCacheTTL = 5 * time.Minute

type credentialKey struct {
	tenant   string
	provider string
}

func (k credentialKey) String() string { return k.tenant + "/" + k.provider }

type cachedCredentials struct {
	creds     Credentials
	fetchedAt time.Time
}

// EncryptedCredentialStore keeps sealed credentials and opens them on
// demand. Opened values are cached for a short TTL; concurrent misses for
// the same key share one decryption.
type EncryptedCredentialStore struct {
	svc    *crypto.Service
	ttl    time.Duration
	logger zerolog.Logger

	mu     sync.RWMutex
	sealed map[credentialKey]string

	cache sync.Map // credentialKey -> cachedCredentials
	group singleflight.Group
}

// NewEncryptedCredentialStore creates an empty store.
func NewEncryptedCredentialStore(svc *crypto.Service, ttl time.Duration, logger zerolog.Logger) *EncryptedCredentialStore {
	if ttl <= 0 {
		ttl = defaultCredentialCacheTTL
	}
	return &EncryptedCredentialStore{
		svc:    svc,
		ttl:    ttl,
		logger: logger.With().Str("component", "credential_store").Logger(),
		sealed: make(map[credentialKey]string),
	}
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// PutSealed registers an already-sealed blob.
func (s *EncryptedCredentialStore) PutSealed(tenantID, provider, sealed string) {
	key := credentialKey{tenantID, normalizeProvider(provider)}
	s.mu.Lock()
	s.sealed[key] = sealed
	s.mu.Unlock()
	s.cache.Delete(key)
}

// Put seals creds for the tenant and stores them.
func (s *EncryptedCredentialStore) Put(ctx context.Context, tenantID, provider string, creds Credentials) error {
	sealed, err := SealCredentials(ctx, s.svc, tenantID, creds)
	if err != nil {
		return err
	}
	s.PutSealed(tenantID, provider, sealed)
	return nil
}

// Delete removes the tenant's credentials for provider.
func (s *EncryptedCredentialStore) Delete(tenantID, provider string) {
	key := credentialKey{tenantID, normalizeProvider(provider)}
	s.mu.Lock()
	delete(s.sealed, key)
	s.mu.Unlock()
	s.cache.Delete(key)
}

// Load registers every integration from config.
func (s *EncryptedCredentialStore) Load(integrations []IntegrationConfig) {
	for _, ic := range integrations {
		if ic.TenantID == "" || ic.Provider == "" || ic.Credentials == "" {
			s.logger.Warn().Str("tenant_id", ic.TenantID).Str("provider", ic.Provider).Msg("skipping incomplete integration")
			continue
		}
		s.PutSealed(ic.TenantID, ic.Provider, ic.Credentials)
	}
	s.logger.Info().Int("integrations", len(integrations)).Msg("integration credentials loaded")
}

func (s *EncryptedCredentialStore) GetDecryptedCredentials(ctx context.Context, tenantID, provider string) (*Credentials, error) {
	key := credentialKey{tenantID, normalizeProvider(provider)}

	s.mu.RLock()
	sealed, ok := s.sealed[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if v, ok := s.cache.Load(key); ok {
		entry := v.(cachedCredentials)
		if time.Since(entry.fetchedAt) < s.ttl {
			c := entry.creds
			return &c, nil
		}
		s.cache.Delete(key)
	}

	val, err, _ := s.group.Do(key.String(), func() (any, error) {
		creds, err := OpenCredentials(ctx, s.svc, tenantID, sealed)
		if err != nil {
			return nil, err
		}
		s.cache.Store(key, cachedCredentials{creds: creds, fetchedAt: time.Now()})
		return creds, nil
	})
	if err != nil {
		return nil, err
	}
	c := val.(Credentials)
	return &c, nil
}

// SealCredentials encrypts creds for tenantID.
func SealCredentials(ctx context.Context, svc *crypto.Service, tenantID string, creds Credentials) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}
	return svc.Encrypt(ctx, tenantID, data)
}

// OpenCredentials decrypts a blob produced by SealCredentials.
func OpenCredentials(ctx context.Context, svc *crypto.Service, tenantID, sealed string) (Credentials, error) {
	var creds Credentials
	plain, err := svc.Decrypt(ctx, tenantID, sealed)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return creds, fmt.Errorf("decoding credentials: %w", err)
	}
	return creds, nil
}

// StaticCredentialStore serves plaintext credentials, for mock mode and tests.
type StaticCredentialStore map[string]map[string]Credentials

func (s StaticCredentialStore) GetDecryptedCredentials(_ context.Context, tenantID, provider string) (*Credentials, error) {
	byProvider, ok := s[tenantID]
	if !ok {
		return nil, nil
	}
	c, ok := byProvider[normalizeProvider(provider)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
