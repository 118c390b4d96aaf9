package core

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrRequestExists is returned by Create when the id is already taken.
var ErrRequestExists = errors.New("request already exists")

// ApprovalStore is the key-value abstraction the approval queue runs on.
// Every status mutation goes through CompareAndSwap so that a transition
// can only ever start from the state the caller observed.
type ApprovalStore interface {
	// Get returns a copy of the request, or ErrRequestNotFound.
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	// Create stores a new request, or fails with ErrRequestExists.
	Create(ctx context.Context, req *ApprovalRequest) error
	// ListByTenant returns copies of every request for tenantID. An empty
	// tenantID matches nothing.
	ListByTenant(ctx context.Context, tenantID string) ([]*ApprovalRequest, error)
	// ListAll returns copies of every request across tenants, oldest first.
	// Only housekeeping such as the expiry sweep should call it.
	ListAll(ctx context.Context) ([]*ApprovalRequest, error)
	// CompareAndSwap applies mutate only if the stored status equals
	// expected, atomically with the write. On mismatch it returns a
	// *TransitionError carrying the current status.
	CompareAndSwap(ctx context.Context, id string, expected ApprovalStatus, mutate func(*ApprovalRequest)) (*ApprovalRequest, error)
	Close() error
}

// MemoryApprovalStore is a single-process ApprovalStore. Reads return deep
// copies so callers filter and sort a consistent snapshot.
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest
	byTenant map[string][]string
}

// NewMemoryApprovalStore creates an empty in-memory store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{
		requests: make(map[string]*ApprovalRequest),
		byTenant: make(map[string][]string),
	}
}

func (s *MemoryApprovalStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryApprovalStore) Create(ctx context.Context, req *ApprovalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return ErrRequestExists
	}
	s.requests[req.ID] = req.Clone()
	s.byTenant[req.TenantID] = append(s.byTenant[req.TenantID], req.ID)
	return nil
}

func (s *MemoryApprovalStore) ListByTenant(ctx context.Context, tenantID string) ([]*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		return []*ApprovalRequest{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTenant[tenantID]
	out := make([]*ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		if req, ok := s.requests[id]; ok {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

func (s *MemoryApprovalStore) ListAll(ctx context.Context) ([]*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ApprovalRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *MemoryApprovalStore) CompareAndSwap(ctx context.Context, id string, expected ApprovalStatus, mutate func(*ApprovalRequest)) (*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.Status != expected {
		return nil, &TransitionError{Status: req.Status}
	}
	next := req.Clone()
	mutate(next)
	next.ID = req.ID
	next.TenantID = req.TenantID
	s.requests[id] = next
	return next.Clone(), nil
}

// Len returns the number of stored requests.
func (s *MemoryApprovalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func (s *MemoryApprovalStore) Close() error { return nil }
