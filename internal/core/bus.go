package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// BusConfig configures the NATS connection.
type BusConfig struct {
	URL      string `yaml:"url" json:"url"`
	Embedded bool   `yaml:"embedded" json:"embedded"`
	Port     int    `yaml:"port" json:"port"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`
}

// DefaultBusConfig starts an embedded server on the standard port.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:      "nats://127.0.0.1:4222",
		Embedded: true,
		Port:     4222,
		DataDir:  "./data/nats",
	}
}

// EventBus wraps NATS JetStream for approval notifications, response
// records and the approval KV bucket.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.Mutex
	subs   []*nats.Subscription

	published atomic.Int64
	failed    atomic.Int64
}

var busStreams = []*nats.StreamConfig{
	{
		Name:      "SECURITY_APPROVALS",
		Subjects:  []string{"sec.approvals.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
	{
		Name:      "SECURITY_RESPONSES",
		Subjects:  []string{"sec.responses.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
}

// NewEventBus connects to NATS, starting an embedded server first when
// cfg.Embedded is set, and ensures the response streams exist.
func NewEventBus(cfg BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}
		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("1sec-respond"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	for _, sc := range busStreams {
		if err := bus.ensureStream(sc); err != nil {
			bus.Close()
			return nil, err
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ensureStream creates sc, or updates it when an older config is present.
func (b *EventBus) ensureStream(sc *nats.StreamConfig) error {
	if _, err := b.js.AddStream(sc); err != nil {
		if _, updateErr := b.js.UpdateStream(sc); updateErr != nil {
			return fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
		}
	}
	return nil
}

// JetStream exposes the context for the approval KV store.
func (b *EventBus) JetStream() nats.JetStreamContext { return b.js }

// PublishJSON marshals v and publishes it on subject.
func (b *EventBus) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message for %s: %w", subject, err)
	}
	if _, err := b.js.Publish(subject, data); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.published.Add(1)
	b.logger.Debug().Str("subject", subject).Int("bytes", len(data)).Msg("published")
	return nil
}

// Subscribe creates a JetStream subscription on subject. A durable name
// makes the consumer survive restarts.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Metrics returns publish counters.
func (b *EventBus) Metrics() map[string]int64 {
	return map[string]int64{
		"published": b.published.Load(),
		"failed":    b.failed.Load(),
	}
}

// Close drains subscriptions and stops the embedded server, if any.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns == nil {
		return
	}
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
	b.ns = nil
	b.logger.Info().Msg("embedded NATS server stopped")
}

// SubjectToken makes s safe as a single NATS subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
