package core

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// NotificationGateway is the best-effort broadcast sink the approval queue
// informs of new and resolved requests. Implementations must not block on
// delivery.
type NotificationGateway interface {
	Broadcast(tenantID, event string, payload any)
}

// NotificationEnvelope is the JSON body published for every broadcast.
type NotificationEnvelope struct {
	Event     string    `json:"event"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NopNotifier discards every broadcast.
type NopNotifier struct{}

func (NopNotifier) Broadcast(string, string, any) {}

// MultiNotifier fans a broadcast out to several gateways. A panicking
// gateway does not stop the others.
type MultiNotifier struct {
	gateways []NotificationGateway
	logger   zerolog.Logger
}

// NewMultiNotifier builds a fan-out over gws, skipping nil entries.
func NewMultiNotifier(logger zerolog.Logger, gws ...NotificationGateway) *MultiNotifier {
	m := &MultiNotifier{logger: logger.With().Str("component", "notifier").Logger()}
	for _, gw := range gws {
		if gw != nil {
			m.gateways = append(m.gateways, gw)
		}
	}
	return m
}

// Add appends another gateway.
func (m *MultiNotifier) Add(gw NotificationGateway) {
	if gw != nil {
		m.gateways = append(m.gateways, gw)
	}
}

// Len returns the number of gateways.
func (m *MultiNotifier) Len() int { return len(m.gateways) }

func (m *MultiNotifier) Broadcast(tenantID, event string, payload any) {
	for _, gw := range m.gateways {
		m.safeBroadcast(gw, tenantID, event, payload)
	}
}

func (m *MultiNotifier) safeBroadcast(gw NotificationGateway, tenantID, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("tenant_id", tenantID).
				Str("event", event).
				Str("gateway", fmt.Sprintf("%T", gw)).
				Interface("panic", r).
				Msg("notification gateway panicked, recovered")
		}
	}()
	gw.Broadcast(tenantID, event, payload)
}

// BusNotifier publishes broadcasts on sec.approvals.<tenant>.<event>.
type BusNotifier struct {
	bus    *EventBus
	logger zerolog.Logger
}

// NewBusNotifier creates a notifier on top of the event bus.
func NewBusNotifier(bus *EventBus, logger zerolog.Logger) *BusNotifier {
	return &BusNotifier{
		bus:    bus,
		logger: logger.With().Str("component", "bus_notifier").Logger(),
	}
}

func (n *BusNotifier) Broadcast(tenantID, event string, payload any) {
	if n.bus == nil || !n.bus.IsConnected() {
		return
	}
	env := NotificationEnvelope{
		Event:     event,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	subject := fmt.Sprintf("sec.approvals.%s.%s", SubjectToken(tenantID), SubjectToken(event))
	if err := n.bus.PublishJSON(subject, env); err != nil {
		n.logger.Warn().Err(err).Str("subject", subject).Msg("approval notification publish failed")
	}
}
