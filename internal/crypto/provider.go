// Package crypto encrypts tenant-scoped integration secrets with AES-256-GCM.
package crypto

import "context"

// KeyProvider returns the 32-byte AES-256 key for a tenant.
type KeyProvider interface {
	GetKey(ctx context.Context, tenantID string) ([]byte, error)
}
