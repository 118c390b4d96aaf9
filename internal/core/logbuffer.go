package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one structured log line captured from the engine logger.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Component  string    `json:"component,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Message    string    `json:"message"`
	Raw        string    `json:"raw"`
}

// LogFilter narrows GetEntries. Empty fields match everything.
type LogFilter struct {
	Level     string
	Component string
	TenantID  string
}

func (f LogFilter) match(e LogEntry) bool {
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Level != "" {
		floor, err := zerolog.ParseLevel(f.Level)
		if err != nil {
			return true
		}
		lvl, err := zerolog.ParseLevel(e.Level)
		if err != nil || lvl < floor {
			return false
		}
	}
	return true
}

// LogRingBuffer keeps the last maxSize zerolog JSON lines for the logs API.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	pos     int
	full    bool
}

// NewLogRingBuffer creates a ring buffer that holds up to maxSize entries.
func NewLogRingBuffer(maxSize int) *LogRingBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogRingBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Write implements io.Writer. p is expected to be one zerolog JSON event;
// anything else is kept verbatim as the message.
func (b *LogRingBuffer) Write(p []byte) (int, error) {
	entry := parseLogLine(p)

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()

	return len(p), nil
}

func parseLogLine(p []byte) LogEntry {
	raw := strings.TrimSpace(string(p))
	entry := LogEntry{Timestamp: time.Now().UTC(), Raw: raw, Message: raw}

	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return entry
	}
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	if ts, err := time.Parse(time.RFC3339, str(zerolog.TimestampFieldName)); err == nil {
		entry.Timestamp = ts
	}
	entry.Level = str(zerolog.LevelFieldName)
	entry.Message = str(zerolog.MessageFieldName)
	entry.Component = str("component")
	entry.TenantID = str("tenant_id")
	entry.ApprovalID = str("approval_id")
	return entry
}

// GetEntries returns up to n matching entries, oldest first.
func (b *LogRingBuffer) GetEntries(n int, f LogFilter) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = b.maxSize
	}
	if n <= 0 || total == 0 {
		return []LogEntry{}
	}

	// walk newest to oldest, then flip
	out := make([]LogEntry, 0, min(n, total))
	for i := 0; i < total && len(out) < n; i++ {
		idx := (b.pos - 1 - i + b.maxSize) % b.maxSize
		if f.match(b.entries[idx]) {
			out = append(out, b.entries[idx])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of buffered entries.
func (b *LogRingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.maxSize
	}
	return b.pos
}
