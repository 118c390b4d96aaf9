package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// catalog.go — registry of executable response actions.
//
// Every response capability (block an IP, isolate a host, ...) is registered
// here under a stable id together with its declared inputs. Execution by id
// never lets a handler fault escape: unknown ids and handler errors/panics
// come back as a failed ActionResult.
// ---------------------------------------------------------------------------

// ActionFunc performs a single action.
type ActionFunc func(ctx context.Context, actx ActionContext) (ActionResult, error)

// InputField describes one declared input of an action.
type InputField struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"` // string, number, bool, object
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// ActionDefinition identifies one executable capability.
type ActionDefinition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Inputs      []InputField `json:"inputs,omitempty"`
	Execute     ActionFunc   `json:"-"`
}

// ActionContext is the per-invocation input to an action.
type ActionContext struct {
	TenantID    string         `json:"tenant_id"`
	CaseID      string         `json:"case_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"` // empty for system-triggered runs
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// Input returns the named input rendered as a string, or "" when absent.
func (a ActionContext) Input(name string) string {
	v, ok := a.Inputs[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Artifact is a named by-product of an action (a ticket id, a quarantine path...).
type Artifact struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ActionResult is the outcome of one execution.
type ActionResult struct {
	Success   bool       `json:"success"`
	Output    string     `json:"output,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// ExecutionStepID is the audit step the dispatcher wrote this run under.
	ExecutionStepID string `json:"execution_step_id,omitempty"`
}

// FailedResult builds an unsuccessful result with a formatted error message.
func FailedResult(format string, args ...interface{}) ActionResult {
	return ActionResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ActionExecutor runs an action by id. The catalog implements it; the
// dispatcher depends only on this interface.
type ActionExecutor interface {
	Execute(ctx context.Context, id string, actx ActionContext) ActionResult
}

// ActionCatalog maps action ids to their definitions.
type ActionCatalog struct {
	mu      sync.RWMutex
	actions map[string]ActionDefinition
	logger  zerolog.Logger
}

// NewActionCatalog creates an empty catalog.
func NewActionCatalog(logger zerolog.Logger) *ActionCatalog {
	return &ActionCatalog{
		actions: make(map[string]ActionDefinition),
		logger:  logger.With().Str("component", "action_catalog").Logger(),
	}
}

// Register inserts or replaces the definition for def.ID. Re-registration is
// expected at process start, so the last registration wins silently.
func (c *ActionCatalog) Register(def ActionDefinition) {
	c.mu.Lock()
	_, replaced := c.actions[def.ID]
	c.actions[def.ID] = def
	c.mu.Unlock()

	c.logger.Debug().
		Str("action", def.ID).
		Bool("replaced", replaced).
		Int("inputs", len(def.Inputs)).
		Msg("action registered")
}

// Get returns the definition for id.
func (c *ActionCatalog) Get(id string) (ActionDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.actions[id]
	return def, ok
}

// List returns all registered definitions sorted by id.
func (c *ActionCatalog) List() []ActionDefinition {
	c.mu.RLock()
	out := make([]ActionDefinition, 0, len(c.actions))
	for _, def := range c.actions {
		out = append(out, def)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered actions.
func (c *ActionCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.actions)
}

// Validate checks the declared required inputs of id against inputs.
func (c *ActionCatalog) Validate(id string, inputs map[string]any) error {
	def, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("Action %s not found", id)
	}
	for _, in := range def.Inputs {
		if !in.Required {
			continue
		}
		v, present := inputs[in.Name]
		if !present || v == nil || v == "" {
			return &ValidationError{Field: in.Name}
		}
	}
	return nil
}

// Execute runs the action registered under id. It always returns a result;
// lookup failures, input validation failures, handler errors and handler
// panics are all reported as Success=false.
func (c *ActionCatalog) Execute(ctx context.Context, id string, actx ActionContext) (result ActionResult) {
	def, ok := c.Get(id)
	if !ok {
		return FailedResult("Action %s not found", id)
	}
	if def.Execute == nil {
		return FailedResult("Action %s has no handler", id)
	}
	if err := c.Validate(id, actx.Inputs); err != nil {
		return ActionResult{Success: false, Error: err.Error()}
	}

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Str("action", id).
				Str("tenant_id", actx.TenantID).
				Interface("panic", rec).
				Msg("action handler panicked, recovered")
			result = FailedResult("%v", rec)
		}
	}()

	res, err := def.Execute(ctx, actx)
	if err != nil {
		c.logger.Warn().Err(err).Str("action", id).Str("tenant_id", actx.TenantID).Msg("action failed")
		res.Success = false
		res.Error = err.Error()
	}
	return res
}
