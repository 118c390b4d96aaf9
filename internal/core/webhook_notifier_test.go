package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testWebhookConfig(urls ...string) WebhookConfig {
	cfg := DefaultWebhookConfig()
	cfg.Enabled = true
	cfg.URLs = urls
	cfg.Workers = 1
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWebhookNotifier_DeliversSignedEnvelope(t *testing.T) {
	type received struct {
		header http.Header
		body   []byte
	}
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{r.Header.Clone(), body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testWebhookConfig(srv.URL)
	cfg.Secret = "hook-secret"
	n := NewWebhookNotifier(zerolog.Nop(), cfg)
	defer n.Stop()

	n.Broadcast("t1", EventApprovalRequested, &ApprovalRequest{ID: "r1", TenantID: "t1", Status: ApprovalPending})
	eventually(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	rcv := got[0]
	mu.Unlock()

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(rcv.body)
	if want := "sha256=" + hex.EncodeToString(mac.Sum(nil)); rcv.header.Get("X-1SEC-Signature") != want {
		t.Errorf("signature = %q, want %q", rcv.header.Get("X-1SEC-Signature"), want)
	}
	if rcv.header.Get("X-1SEC-Event") != EventApprovalRequested || rcv.header.Get("X-1SEC-Tenant") != "t1" {
		t.Errorf("headers = %v", rcv.header)
	}

	var env struct {
		Event    string          `json:"event"`
		TenantID string          `json:"tenant_id"`
		Payload  ApprovalRequest `json:"payload"`
	}
	if err := json.Unmarshal(rcv.body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != EventApprovalRequested || env.Payload.ID != "r1" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWebhookNotifier_TenantURLs(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := testWebhookConfig()
	cfg.TenantURLs = map[string][]string{"t1": {srv.URL}}
	n := NewWebhookNotifier(zerolog.Nop(), cfg)
	defer n.Stop()

	n.Broadcast("t2", EventApprovalResolved, nil)
	n.Broadcast("t1", EventApprovalResolved, nil)
	eventually(t, "tenant delivery", func() bool { return hits.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if hits.Load() != 1 {
		t.Errorf("hits = %d", hits.Load())
	}
}

func TestWebhookNotifier_ClientErrorDeadLetters(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(zerolog.Nop(), testWebhookConfig(srv.URL))
	defer n.Stop()

	n.Broadcast("t1", EventApprovalRequested, nil)
	eventually(t, "dead letter", func() bool { return len(n.DeadLetters(0)) == 1 })

	dl := n.DeadLetters(0)[0]
	if dl.LastError != "client error: HTTP 410" || dl.Delivery.Attempts != 1 || hits.Load() != 1 {
		t.Errorf("dead letter = %+v, hits %d", dl, hits.Load())
	}
}

func TestWebhookNotifier_ServerErrorRetriesThenDeadLetters(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(zerolog.Nop(), testWebhookConfig(srv.URL))
	defer n.Stop()

	n.Broadcast("t1", EventApprovalRequested, nil)
	eventually(t, "dead letter", func() bool { return len(n.DeadLetters(0)) == 1 })
	if hits.Load() != 3 {
		t.Errorf("attempts = %d, want 3", hits.Load())
	}
	if st := n.Stats(); st["dead_letters"] != 1 {
		t.Errorf("stats = %v", st)
	}
}

func TestWebhookNotifier_RetryDeadLetter(t *testing.T) {
	var healthy atomic.Bool
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		delivered.Add(1)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(zerolog.Nop(), testWebhookConfig(srv.URL))
	defer n.Stop()

	n.Broadcast("t1", EventApprovalResolved, nil)
	eventually(t, "dead letter", func() bool { return len(n.DeadLetters(0)) == 1 })

	if n.RetryDeadLetter("no-such-id") {
		t.Error("unknown id must not retry")
	}
	healthy.Store(true)
	id := n.DeadLetters(0)[0].Delivery.ID
	if !n.RetryDeadLetter(id) {
		t.Fatal("retry refused")
	}
	eventually(t, "redelivery", func() bool { return delivered.Load() == 1 })
	if len(n.DeadLetters(0)) != 0 {
		t.Error("retried entry still parked")
	}
}

func TestWebhookNotifier_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testWebhookConfig(srv.URL)
	cfg.MaxRetries = 0
	cfg.CircuitBreaker = 2
	cfg.CircuitPause = time.Hour
	n := NewWebhookNotifier(zerolog.Nop(), cfg)
	defer n.Stop()

	for i := 0; i < 4; i++ {
		n.Broadcast("t1", EventApprovalRequested, nil)
	}
	eventually(t, "dead letters", func() bool { return len(n.DeadLetters(0)) == 4 })
	if hits.Load() != 2 {
		t.Errorf("open circuit should stop calls; hits = %d", hits.Load())
	}
	if st := n.Stats(); st["open_circuits"] != 1 {
		t.Errorf("stats = %v", st)
	}
}

func TestWebhookNotifier_NoTargetsIsNoop(t *testing.T) {
	n := NewWebhookNotifier(zerolog.Nop(), testWebhookConfig())
	defer n.Stop()
	n.Broadcast("t1", EventApprovalRequested, nil)
	if st := n.Stats(); st["queue_depth"] != 0 {
		t.Errorf("stats = %v", st)
	}
}
