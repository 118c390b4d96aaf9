package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStepNotFound is returned for an execution step with no audit entries.
var ErrStepNotFound = errors.New("execution step not found")

// AuditStatus marks where in the dispatch bracket an entry was written.
type AuditStatus string

const (
	AuditAttempting AuditStatus = "attempting"
	AuditCompleted  AuditStatus = "completed"
	AuditFailed     AuditStatus = "failed"
)

// AuditLogEntry is one append-only record on an execution step.
type AuditLogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Status     AuditStatus    `json:"status"`
	ActionType string         `json:"action_type"`
	Provider   string         `json:"provider,omitempty"`
	Request    map[string]any `json:"request,omitempty"`
	Result     *ActionResult  `json:"result,omitempty"`
}

// StepResult is the audit trail of one execution step. LastAction points
// at the most recent entry.
type StepResult struct {
	StepID     string          `json:"step_id"`
	Entries    []AuditLogEntry `json:"entries"`
	LastAction *AuditLogEntry  `json:"last_action,omitempty"`
}

// ExecutionStepLog is where the dispatcher records audit brackets. The
// dispatcher is the only writer; readers only consume GetCurrentResult.
type ExecutionStepLog interface {
	AppendAuditEntry(ctx context.Context, stepID string, entry AuditLogEntry) error
	GetCurrentResult(ctx context.Context, stepID string) (*StepResult, error)
}

// MemoryStepLog keeps audit trails in process memory.
type MemoryStepLog struct {
	mu    sync.RWMutex
	steps map[string][]AuditLogEntry
}

// NewMemoryStepLog creates an empty log.
func NewMemoryStepLog() *MemoryStepLog {
	return &MemoryStepLog{steps: make(map[string][]AuditLogEntry)}
}

func (l *MemoryStepLog) AppendAuditEntry(ctx context.Context, stepID string, entry AuditLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Request = cloneParams(entry.Request)
	if entry.Result != nil {
		r := *entry.Result
		entry.Result = &r
	}
	l.mu.Lock()
	l.steps[stepID] = append(l.steps[stepID], entry)
	l.mu.Unlock()
	return nil
}

func (l *MemoryStepLog) GetCurrentResult(ctx context.Context, stepID string) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	entries, ok := l.steps[stepID]
	out := append([]AuditLogEntry(nil), entries...)
	l.mu.RUnlock()
	if !ok {
		return nil, ErrStepNotFound
	}
	res := &StepResult{StepID: stepID, Entries: out}
	if len(out) > 0 {
		last := out[len(out)-1]
		res.LastAction = &last
	}
	return res, nil
}
