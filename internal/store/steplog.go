package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1sec-project/1sec-respond/internal/core"
)

// StepLog persists execution step audit trails in SQLite. It implements
// core.ExecutionStepLog.
type StepLog struct {
	db *DB
}

var _ core.ExecutionStepLog = (*StepLog)(nil)

// NewStepLog creates a StepLog backed by the given database.
func NewStepLog(database *DB) *StepLog {
	return &StepLog{db: database}
}

// AppendAuditEntry inserts entry and moves the step's last-action pointer
// to it in one transaction.
func (s *StepLog) AppendAuditEntry(ctx context.Context, stepID string, entry core.AuditLogEntry) error {
	if stepID == "" {
		return fmt.Errorf("appending audit entry: empty step id")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	request := []byte("{}")
	if len(entry.Request) > 0 {
		b, err := json.Marshal(entry.Request)
		if err != nil {
			return fmt.Errorf("marshalling audit request: %w", err)
		}
		request = b
	}
	var result sql.NullString
	if entry.Result != nil {
		b, err := json.Marshal(entry.Result)
		if err != nil {
			return fmt.Errorf("marshalling audit result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO step_audit_entries (
			id, step_id, timestamp, status, action_type, provider, request, result
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		stepID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		string(entry.Status),
		entry.ActionType,
		entry.Provider,
		string(request),
		result,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading audit entry sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_steps (step_id, last_action_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			last_action_seq = excluded.last_action_seq,
			updated_at = excluded.updated_at`,
		stepID, seq, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("updating step pointer: %w", err)
	}
	return tx.Commit()
}

// GetCurrentResult returns every entry on the step in append order.
func (s *StepLog) GetCurrentResult(ctx context.Context, stepID string) (*core.StepResult, error) {
	var lastSeq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_action_seq FROM execution_steps WHERE step_id = ?`, stepID,
	).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying step: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, timestamp, status, action_type, provider, request, result
		FROM step_audit_entries
		WHERE step_id = ?
		ORDER BY seq ASC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	out := &core.StepResult{StepID: stepID}
	lastIdx := -1
	for rows.Next() {
		seq, entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if seq == lastSeq {
			lastIdx = len(out.Entries)
		}
		out.Entries = append(out.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	if lastIdx >= 0 {
		last := out.Entries[lastIdx]
		out.LastAction = &last
	}
	return out, nil
}

// Close closes the underlying database.
func (s *StepLog) Close() error {
	return s.db.Close()
}

func scanEntry(rows *sql.Rows) (int64, core.AuditLogEntry, error) {
	var (
		seq                 int64
		ts, status, request string
		entry               core.AuditLogEntry
		result              sql.NullString
	)
	if err := rows.Scan(&seq, &ts, &status, &entry.ActionType, &entry.Provider, &request, &result); err != nil {
		return 0, entry, fmt.Errorf("scanning audit entry: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0, entry, fmt.Errorf("parsing audit timestamp %q: %w", ts, err)
	}
	entry.Timestamp = t
	entry.Status = core.AuditStatus(status)

	if request != "" && request != "{}" {
		if err := json.Unmarshal([]byte(request), &entry.Request); err != nil {
			return 0, entry, fmt.Errorf("unmarshalling audit request: %w", err)
		}
	}
	if result.Valid {
		var r core.ActionResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return 0, entry, fmt.Errorf("unmarshalling audit result: %w", err)
		}
		entry.Result = &r
	}
	return seq, entry, nil
}
