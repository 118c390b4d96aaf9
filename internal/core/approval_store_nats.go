package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultApprovalBucket is the JetStream KV bucket holding approval requests.
const DefaultApprovalBucket = "SECURITY_APPROVALS"

// maxCASAttempts bounds retries when a concurrent writer bumps the revision
// between our read and our update.
const maxCASAttempts = 8

// NATSApprovalStore keeps approval requests in a JetStream key-value bucket,
// one key per request id. Status changes are revision-checked updates, so
// several engine instances can share one bucket.
type NATSApprovalStore struct {
	kv     nats.KeyValue
	logger zerolog.Logger
}

// NewNATSApprovalStore binds to (or creates) the bucket on js.
func NewNATSApprovalStore(js nats.JetStreamContext, bucket string, history time.Duration, logger zerolog.Logger) (*NATSApprovalStore, error) {
	if bucket == "" {
		bucket = DefaultApprovalBucket
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "pending and resolved approval requests",
			History:     1,
			TTL:         history,
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening approval bucket %s: %w", bucket, err)
	}
	return &NATSApprovalStore{
		kv:     kv,
		logger: logger.With().Str("component", "approval_store").Str("bucket", bucket).Logger(),
	}, nil
}

func (s *NATSApprovalStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, _, err := s.load(id)
	return req, err
}

func (s *NATSApprovalStore) load(id string) (*ApprovalRequest, uint64, error) {
	entry, err := s.kv.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrInvalidKey) {
			return nil, 0, ErrRequestNotFound
		}
		return nil, 0, fmt.Errorf("reading approval %s: %w", id, err)
	}
	var req ApprovalRequest
	if err := json.Unmarshal(entry.Value(), &req); err != nil {
		return nil, 0, fmt.Errorf("decoding approval %s: %w", id, err)
	}
	return &req, entry.Revision(), nil
}

func (s *NATSApprovalStore) Create(ctx context.Context, req *ApprovalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding approval %s: %w", req.ID, err)
	}
	if _, err := s.kv.Create(req.ID, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return ErrRequestExists
		}
		return fmt.Errorf("storing approval %s: %w", req.ID, err)
	}
	return nil
}

func (s *NATSApprovalStore) ListByTenant(ctx context.Context, tenantID string) ([]*ApprovalRequest, error) {
	if tenantID == "" {
		return []*ApprovalRequest{}, nil
	}
	return s.list(ctx, func(req *ApprovalRequest) bool { return req.TenantID == tenantID })
}

func (s *NATSApprovalStore) ListAll(ctx context.Context) ([]*ApprovalRequest, error) {
	return s.list(ctx, func(*ApprovalRequest) bool { return true })
}

// list scans every key; KV keys are request ids, so tenant filtering
// happens after decoding.
func (s *NATSApprovalStore) list(ctx context.Context, keep func(*ApprovalRequest) bool) ([]*ApprovalRequest, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []*ApprovalRequest{}, nil
		}
		return nil, fmt.Errorf("listing approval keys: %w", err)
	}

	out := make([]*ApprovalRequest, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, _, err := s.load(key)
		if err != nil {
			// A single undecodable record must not hide the rest of the tenant's requests.
			if !errors.Is(err, ErrRequestNotFound) {
				s.logger.Warn().Err(err).Str("approval_id", key).Msg("skipping unreadable approval")
			}
			continue
		}
		if !keep(req) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *NATSApprovalStore) CompareAndSwap(ctx context.Context, id string, expected ApprovalStatus, mutate func(*ApprovalRequest)) (*ApprovalRequest, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, rev, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if req.Status != expected {
			return nil, &TransitionError{Status: req.Status}
		}

		origID, origTenant := req.ID, req.TenantID
		mutate(req)
		req.ID, req.TenantID = origID, origTenant

		data, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("encoding approval %s: %w", id, err)
		}
		if _, err := s.kv.Update(id, data, rev); err != nil {
			if isRevisionConflict(err) {
				s.logger.Debug().Str("approval_id", id).Int("attempt", attempt+1).Msg("revision conflict, retrying")
				continue
			}
			return nil, fmt.Errorf("updating approval %s: %w", id, err)
		}
		return req, nil
	}
	return nil, fmt.Errorf("updating approval %s: too many concurrent writers", id)
}

func isRevisionConflict(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// Close is a no-op; the connection belongs to the EventBus.
func (s *NATSApprovalStore) Close() error { return nil }
