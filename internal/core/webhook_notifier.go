package core

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// webhook_notifier.go — approval notifications over HTTP webhooks.
//
// Broadcast only enqueues; workers deliver with exponential backoff, park
// permanent failures in a bounded dead letter buffer and stop hammering a
// URL that keeps failing (circuit breaker).
// ---------------------------------------------------------------------------

// WebhookConfig controls webhook notification delivery.
type WebhookConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// URLs receive every tenant's events; TenantURLs add per-tenant targets.
	URLs           []string            `yaml:"urls" json:"urls"`
	TenantURLs     map[string][]string `yaml:"tenant_urls" json:"tenant_urls,omitempty"`
	Secret         string              `yaml:"secret" json:"-"`
	MaxRetries     int                 `yaml:"max_retries" json:"max_retries"`
	InitialBackoff time.Duration       `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration       `yaml:"max_backoff" json:"max_backoff"`
	QueueSize      int                 `yaml:"queue_size" json:"queue_size"`
	Workers        int                 `yaml:"workers" json:"workers"`
	CircuitBreaker int                 `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitPause   time.Duration       `yaml:"circuit_pause" json:"circuit_pause"`
	Timeout        time.Duration       `yaml:"timeout" json:"timeout"`

	// Template shapes the body: generic, pagerduty, slack, teams, discord.
	Template   string `yaml:"template" json:"template,omitempty"`
	RoutingKey string `yaml:"routing_key" json:"-"`
}

// DefaultWebhookConfig returns sane defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Enabled:        false,
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		QueueSize:      1000,
		Workers:        4,
		CircuitBreaker: 5,
		CircuitPause:   60 * time.Second,
		Timeout:        15 * time.Second,
	}
}

// WebhookDelivery is one queued notification for one URL.
type WebhookDelivery struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	TenantID  string    `json:"tenant_id"`
	Event     string    `json:"event"`
	Body      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Status    string    `json:"status"` // pending, delivered, dead_letter
}

// DeadLetterEntry is a failed delivery kept for inspection.
type DeadLetterEntry struct {
	Delivery  WebhookDelivery `json:"delivery"`
	FailedAt  time.Time       `json:"failed_at"`
	LastError string          `json:"last_error"`
}

// WebhookNotifier is a NotificationGateway posting JSON envelopes.
type WebhookNotifier struct {
	logger zerolog.Logger
	cfg    WebhookConfig
	client   *http.Client
	queue    chan *WebhookDelivery
	template NotificationTemplate

	dlMu       sync.RWMutex
	deadLetter []*DeadLetterEntry
	maxDL      int

	cbMu       sync.Mutex
	cbFailures map[string]int
	cbOpenedAt map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookNotifier starts cfg.Workers delivery workers.
func NewWebhookNotifier(logger zerolog.Logger, cfg WebhookConfig) *WebhookNotifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CircuitBreaker <= 0 {
		cfg.CircuitBreaker = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	tmpl := GetNotificationTemplate(cfg.Template, cfg.RoutingKey)
	if tmpl == nil {
		logger.Warn().Str("template", cfg.Template).Msg("unknown webhook template, using generic")
		tmpl = &GenericTemplate{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		logger:     logger.With().Str("component", "webhook_notifier").Logger(),
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan *WebhookDelivery, cfg.QueueSize),
		template:   tmpl,
		deadLetter: make([]*DeadLetterEntry, 0, 64),
		maxDL:      500,
		cbFailures: make(map[string]int),
		cbOpenedAt: make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	n.logger.Info().Int("workers", cfg.Workers).Int("urls", len(cfg.URLs)).Str("template", tmpl.Name()).Msg("webhook notifier started")
	return n
}

func (n *WebhookNotifier) targets(tenantID string) []string {
	urls := make([]string, 0, len(n.cfg.URLs)+len(n.cfg.TenantURLs[tenantID]))
	urls = append(urls, n.cfg.URLs...)
	urls = append(urls, n.cfg.TenantURLs[tenantID]...)
	return urls
}

// Broadcast enqueues one delivery per configured URL and returns at once.
func (n *WebhookNotifier) Broadcast(tenantID, event string, payload any) {
	urls := n.targets(tenantID)
	if len(urls) == 0 {
		return
	}
	env := NotificationEnvelope{
		Event:     event,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	var body []byte
	var err error
	if _, generic := n.template.(*GenericTemplate); generic {
		body, err = json.Marshal(env)
	} else {
		body, err = json.Marshal(n.template.Format(env))
	}
	if err != nil {
		n.logger.Error().Err(err).Str("event", event).Msg("encoding webhook payload")
		return
	}
	for _, url := range urls {
		n.enqueue(&WebhookDelivery{
			ID:        uuid.New().String(),
			URL:       url,
			TenantID:  tenantID,
			Event:     event,
			Body:      body,
			CreatedAt: time.Now().UTC(),
			Status:    "pending",
		})
	}
}

func (n *WebhookNotifier) enqueue(d *WebhookDelivery) {
	select {
	case n.queue <- d:
		n.logger.Debug().Str("id", d.ID).Str("url", d.URL).Str("event", d.Event).Msg("webhook enqueued")
	default:
		n.addDeadLetter(d, "queue full")
	}
}

// DeadLetters returns up to limit of the most recent failed deliveries.
func (n *WebhookNotifier) DeadLetters(limit int) []*DeadLetterEntry {
	n.dlMu.RLock()
	defer n.dlMu.RUnlock()
	if limit <= 0 || limit > len(n.deadLetter) {
		limit = len(n.deadLetter)
	}
	out := make([]*DeadLetterEntry, limit)
	copy(out, n.deadLetter[len(n.deadLetter)-limit:])
	return out
}

// RetryDeadLetter re-enqueues the dead letter with the given delivery id.
func (n *WebhookNotifier) RetryDeadLetter(id string) bool {
	n.dlMu.Lock()
	defer n.dlMu.Unlock()
	for i, dl := range n.deadLetter {
		if dl.Delivery.ID != id {
			continue
		}
		d := dl.Delivery
		d.Attempts = 0
		d.LastError = ""
		d.Status = "pending"
		select {
		case n.queue <- &d:
			n.deadLetter = append(n.deadLetter[:i], n.deadLetter[i+1:]...)
			return true
		default:
			return false
		}
	}
	return false
}

// Stats returns notifier counters.
func (n *WebhookNotifier) Stats() map[string]interface{} {
	n.dlMu.RLock()
	dl := len(n.deadLetter)
	n.dlMu.RUnlock()

	n.cbMu.Lock()
	open := 0
	for _, openedAt := range n.cbOpenedAt {
		if time.Since(openedAt) < n.cfg.CircuitPause {
			open++
		}
	}
	n.cbMu.Unlock()

	return map[string]interface{}{
		"queue_depth":    len(n.queue),
		"queue_capacity": n.cfg.QueueSize,
		"dead_letters":   dl,
		"open_circuits":  open,
		"workers":        n.cfg.Workers,
		"template":       n.template.Name(),
	}
}

// Stop cancels in-flight deliveries and waits for workers to exit.
func (n *WebhookNotifier) Stop() {
	n.cancel()
	n.wg.Wait()
	n.logger.Info().Msg("webhook notifier stopped")
}

func (n *WebhookNotifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *WebhookNotifier) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(n.cfg.Secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (n *WebhookNotifier) deliver(d *WebhookDelivery) {
	if n.isCircuitOpen(d.URL) {
		n.addDeadLetter(d, "circuit breaker open")
		return
	}

	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		d.Attempts = attempt + 1

		req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, d.URL, bytes.NewReader(d.Body))
		if err != nil {
			n.addDeadLetter(d, fmt.Sprintf("building request: %v", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "1sec-respond-webhook/1.0")
		req.Header.Set("X-1SEC-Delivery-ID", d.ID)
		req.Header.Set("X-1SEC-Event", d.Event)
		req.Header.Set("X-1SEC-Tenant", d.TenantID)
		req.Header.Set("X-1SEC-Attempt", strconv.Itoa(d.Attempts))
		if n.cfg.Secret != "" {
			req.Header.Set("X-1SEC-Signature", n.sign(d.Body))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			d.LastError = fmt.Sprintf("request failed: %v", err)
			n.recordFailure(d.URL)
			if attempt < n.cfg.MaxRetries {
				n.backoff(attempt)
			}
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			d.Status = "delivered"
			n.recordSuccess(d.URL)
			webhookDeliveries.WithLabelValues("delivered").Inc()
			n.logger.Debug().Str("id", d.ID).Str("url", d.URL).Int("attempts", d.Attempts).Msg("webhook delivered")
			return
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			n.addDeadLetter(d, fmt.Sprintf("client error: HTTP %d", resp.StatusCode))
			return
		}

		d.LastError = fmt.Sprintf("server error: HTTP %d", resp.StatusCode)
		n.recordFailure(d.URL)
		if attempt < n.cfg.MaxRetries {
			n.backoff(attempt)
		}
	}
	n.addDeadLetter(d, d.LastError)
}

func (n *WebhookNotifier) backoff(attempt int) {
	delay := time.Duration(float64(n.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
	if n.cfg.MaxBackoff > 0 && delay > n.cfg.MaxBackoff {
		delay = n.cfg.MaxBackoff
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-n.ctx.Done():
	}
}

func (n *WebhookNotifier) addDeadLetter(d *WebhookDelivery, reason string) {
	d.Status = "dead_letter"
	d.LastError = reason
	n.dlMu.Lock()
	if len(n.deadLetter) >= n.maxDL {
		n.deadLetter = n.deadLetter[n.maxDL/10:]
	}
	n.deadLetter = append(n.deadLetter, &DeadLetterEntry{
		Delivery:  *d,
		FailedAt:  time.Now().UTC(),
		LastError: reason,
	})
	n.dlMu.Unlock()

	webhookDeliveries.WithLabelValues("dead_letter").Inc()
	n.logger.Warn().
		Str("id", d.ID).
		Str("url", d.URL).
		Str("event", d.Event).
		Int("attempts", d.Attempts).
		Str("error", reason).
		Msg("webhook moved to dead letter")
}

func (n *WebhookNotifier) isCircuitOpen(url string) bool {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	openedAt, ok := n.cbOpenedAt[url]
	if !ok {
		return false
	}
	if time.Since(openedAt) < n.cfg.CircuitPause {
		return true
	}
	// half-open: let the next delivery try the URL
	delete(n.cbOpenedAt, url)
	n.cbFailures[url] = 0
	return false
}

func (n *WebhookNotifier) recordFailure(url string) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.cbFailures[url]++
	if n.cbFailures[url] >= n.cfg.CircuitBreaker {
		if _, already := n.cbOpenedAt[url]; !already {
			n.logger.Warn().Str("url", url).Int("failures", n.cbFailures[url]).Msg("circuit breaker opened")
		}
		n.cbOpenedAt[url] = time.Now()
	}
}

func (n *WebhookNotifier) recordSuccess(url string) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.cbFailures[url] = 0
	delete(n.cbOpenedAt, url)
}
