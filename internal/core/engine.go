package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/1sec-project/1sec-respond/internal/crypto"
)

// Engine is the composition root: it owns every component and their
// lifecycles. Nothing in the package keeps global instances.
type Engine struct {
	Config     *Config
	Logger     zerolog.Logger
	Bus        *EventBus
	Catalog    *ActionCatalog
	Policy     *RiskPolicy
	Queue      *ApprovalQueue
	Dispatcher *ActionDispatcher
	Response   *ResponseEngine
	Webhooks   *WebhookNotifier
	Escalator  *ApprovalEscalator
	Logs       *LogRingBuffer

	// ConfigPath is the file ReloadConfig re-reads. Empty disables reload.
	ConfigPath string

	reloadMu sync.Mutex
	store    ApprovalStore
	steps    ExecutionStepLog
	creds    CredentialStore
	notifier *MultiNotifier

	ctx    context.Context
	cancel context.CancelFunc
}

// EngineOption customizes NewEngine.
type EngineOption func(*Engine)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.Logger = l }
}

// WithStepLog sets the execution step log (e.g. the SQLite store).
func WithStepLog(l ExecutionStepLog) EngineOption {
	return func(e *Engine) { e.steps = l }
}

// WithApprovalStore sets the approval store, overriding storage.approvals.
func WithApprovalStore(s ApprovalStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithCredentialStore overrides the credential store built from config.
func WithCredentialStore(c CredentialStore) EngineOption {
	return func(e *Engine) { e.creds = c }
}

// NewEngine builds every component. It starts nothing; call Start.
func NewEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logs := NewLogRingBuffer(1000)
	e := &Engine{
		Config: cfg,
		Logger: NewLogger(cfg.Logging, nil, logs),
		Logs:   logs,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.Catalog = NewActionCatalog(e.Logger)
	RegisterBuiltinActions(e.Catalog, e.Logger)
	e.Policy = NewRiskPolicyFromConfig(cfg.Policy)
	e.notifier = NewMultiNotifier(e.Logger)

	if e.store == nil {
		e.store = NewMemoryApprovalStore()
	}
	if e.steps == nil {
		e.steps = NewMemoryStepLog()
	}
	if e.creds == nil {
		creds, err := e.buildCredentialStore()
		if err != nil {
			cancel()
			return nil, err
		}
		e.creds = creds
	}

	if cfg.Notifications.Webhook.Enabled {
		e.Webhooks = NewWebhookNotifier(e.Logger, cfg.Notifications.Webhook)
		e.notifier.Add(e.Webhooks)
	}
	if cfg.Approvals.Escalation.Enabled {
		lookup := func(ctx context.Context, id string) (*ApprovalRequest, error) { return e.Queue.Get(ctx, id) }
		e.Escalator = NewApprovalEscalator(e.Logger, cfg.Approvals.Escalation, lookup, e.notifier)
		e.notifier.Add(e.Escalator)
	}

	e.Dispatcher = NewActionDispatcher(e.Logger, cfg.Dispatch, e.Catalog, e.creds, e.steps)
	e.wire()
	return e, nil
}

func (e *Engine) buildCredentialStore() (CredentialStore, error) {
	if e.Config.Crypto.MasterKey == "" {
		return StaticCredentialStore{}, nil
	}
	keys, err := crypto.NewDerivedProvider(e.Config.Crypto.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("loading master key: %w", err)
	}
	store := NewEncryptedCredentialStore(crypto.NewService(keys), e.Config.Crypto.CredentialCacheTTL, e.Logger)
	store.Load(e.Config.Integrations)
	return store, nil
}

// wire (re)builds the queue and façade over the current store.
func (e *Engine) wire() {
	e.Queue = NewApprovalQueue(e.Logger, e.Config.Approvals, e.store, WithNotifier(e.notifier))
	var pub RecordPublisher
	if e.Bus != nil {
		pub = e.Bus
	}
	e.Response = NewResponseEngine(e.Logger, e.Policy, e.Queue, e.Dispatcher, e.Catalog, pub)
}

func (e *Engine) needsBus() bool {
	return e.Config.Notifications.Bus || e.Config.Storage.Approvals == "nats"
}

// Start connects the bus when configured and starts the cleanup loop.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting 1SEC Respond engine")

	if e.needsBus() {
		bus, err := NewEventBus(e.Config.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus

		if e.Config.Notifications.Bus {
			e.notifier.Add(NewBusNotifier(bus, e.Logger))
		}
		if e.Config.Storage.Approvals == "nats" {
			if _, isMem := e.store.(*MemoryApprovalStore); isMem {
				kv, err := NewNATSApprovalStore(bus.JetStream(), e.Config.Storage.ApprovalBucket, e.Config.Storage.ApprovalRetention, e.Logger)
				if err != nil {
					return fmt.Errorf("opening approval store: %w", err)
				}
				e.store = kv
			}
		}
		e.wire()
	}

	e.Queue.Start(e.ctx)

	e.Logger.Info().
		Int("actions", e.Catalog.Len()).
		Bool("mock_mode", e.Dispatcher.MockMode()).
		Int("notifiers", e.notifier.Len()).
		Str("approval_store", fmt.Sprintf("%T", e.store)).
		Msg("1SEC Respond engine started")
	return nil
}

// Run starts the engine and blocks until a shutdown signal arrives.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}
	return e.Shutdown()
}

// Shutdown stops every component in reverse start order.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down 1SEC Respond engine")
	e.cancel()

	e.Queue.Stop()
	if e.Escalator != nil {
		e.Escalator.Stop()
	}
	if e.Webhooks != nil {
		e.Webhooks.Stop()
	}
	if err := e.store.Close(); err != nil {
		e.Logger.Error().Err(err).Msg("error closing approval store")
	}
	if c, ok := e.steps.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing step log")
		}
	}
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}

	e.Logger.Info().Msg("1SEC Respond engine stopped")
	return nil
}

// Context returns the engine's context, cancelled by Shutdown.
func (e *Engine) Context() context.Context {
	return e.ctx
}
