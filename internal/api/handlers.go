package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/1sec-project/1sec-respond/internal/core"
)

// intentBody is the wire form of core.ActionIntent. wait_timeout_ms keeps
// the timeout out of Go's nanosecond duration encoding.
type intentBody struct {
	TenantID        string               `json:"tenant_id"`
	ActionType      string               `json:"action_type"`
	Params          map[string]any       `json:"params"`
	Context         core.ApprovalContext `json:"context"`
	RequestedBy     core.RequestedBy     `json:"requested_by"`
	UserID          string               `json:"user_id"`
	ExecutionStepID string               `json:"execution_step_id"`
	Wait            bool                 `json:"wait"`
	WaitTimeoutMs   int64                `json:"wait_timeout_ms"`
}

func (b intentBody) intent() core.ActionIntent {
	return core.ActionIntent{
		TenantID:        b.TenantID,
		ActionType:      b.ActionType,
		Params:          b.Params,
		Context:         b.Context,
		RequestedBy:     b.RequestedBy,
		UserID:          b.UserID,
		ExecutionStepID: b.ExecutionStepID,
		Wait:            b.Wait,
		WaitTimeout:     time.Duration(b.WaitTimeoutMs) * time.Millisecond,
	}
}

type reviewBody struct {
	ReviewedBy string `json:"reviewed_by"`
	Notes      string `json:"notes"`
}

type approvalBody struct {
	TenantID     string               `json:"tenant_id"`
	ActionType   string               `json:"action_type"`
	ActionParams map[string]any       `json:"action_params"`
	Context      core.ApprovalContext `json:"context"`
	RequestedBy  core.RequestedBy     `json:"requested_by"`
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.Catalog.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": defs,
		"total":   len(defs),
	})
}

// handleExecuteAction runs a catalog action through admission, so the risk
// policy still decides whether it needs a reviewer.
func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if !decodeBody(w, r, &body) {
		return
	}
	body.ActionType = chi.URLParam(r, "id")
	if _, ok := s.engine.Catalog.Get(body.ActionType); !ok {
		writeError(w, http.StatusNotFound, "Action "+body.ActionType+" not found")
		return
	}
	s.submit(w, r, body.intent())
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if !decodeBody(w, r, &body) {
		return
	}
	s.submit(w, r, body.intent())
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, intent core.ActionIntent) {
	adm, err := s.engine.Response.Submit(r.Context(), intent)
	if err != nil {
		if adm != nil {
			// caller went away while waiting; the request stays queued
			writeJSON(w, http.StatusAccepted, adm)
			return
		}
		writeCoreError(w, err)
		return
	}
	status := http.StatusOK
	if adm.Decision == core.DecisionPending || adm.Decision == core.DecisionTimedOut {
		status = http.StatusAccepted
	}
	writeJSON(w, status, adm)
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := s.engine.Response.SubmitForApproval(r.Context(), body.TenantID, body.ActionType,
		body.ActionParams, body.Context, body.RequestedBy)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.Response.ListPending(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": pending,
		"total":     len(pending),
	})
}

func (s *Server) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.Queue.History(r.Context(), r.URL.Query().Get("tenant"), queryLimit(r, 100))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": history,
		"total":     len(history),
	})
}

func (s *Server) handleApprovalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Response.GetStats(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) decodeReview(w http.ResponseWriter, r *http.Request) (reviewBody, bool) {
	var body reviewBody
	if !decodeBody(w, r, &body) {
		return body, false
	}
	if body.ReviewedBy == "" {
		writeCoreError(w, &core.ValidationError{Field: "reviewed_by"})
		return body, false
	}
	return body, true
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeReview(w, r)
	if !ok {
		return
	}
	req, res, err := s.engine.Response.Approve(r.Context(), chi.URLParam(r, "id"), body.ReviewedBy, body.Notes)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := map[string]interface{}{"request": req}
	if res != nil {
		out["result"] = res
	} else {
		out["dispatched_by"] = "submitter"
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeReview(w, r)
	if !ok {
		return
	}
	req, err := s.engine.Response.Reject(r.Context(), chi.URLParam(r, "id"), body.ReviewedBy, body.Notes)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	records := s.engine.Response.Records(queryLimit(r, 100), r.URL.Query().Get("tenant"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Response.StepLog().GetCurrentResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.engine.Dispatcher.Providers(),
		"mock_mode": s.engine.Dispatcher.MockMode(),
	})
}

func (s *Server) handleGetMockMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.Dispatcher.MockMode()})
}

func (s *Server) handleSetMockMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeCoreError(w, &core.ValidationError{Field: "enabled"})
		return
	}
	s.engine.Dispatcher.SetMockMode(*body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.Dispatcher.MockMode()})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.engine.Webhooks == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": []any{}, "total": 0})
		return
	}
	dl := s.engine.Webhooks.DeadLetters(queryLimit(r, 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": dl,
		"total":        len(dl),
	})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.engine.Webhooks == nil {
		writeError(w, http.StatusNotFound, "webhook notifications are disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if !s.engine.Webhooks.RetryDeadLetter(id) {
		writeError(w, http.StatusNotFound, "dead letter "+id+" not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "id": id})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.engine.Logs == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": []core.LogEntry{}, "total": 0})
		return
	}
	q := r.URL.Query()
	entries := s.engine.Logs.GetEntries(queryLimit(r, 100), core.LogFilter{
		Level:     q.Get("level"),
		Component: q.Get("component"),
		TenantID:  q.Get("tenant"),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.engine.ConfigPath == "" {
		writeError(w, http.StatusBadRequest, "engine was started without a config file")
		return
	}
	changes, err := core.ReloadConfig(s.engine)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}
