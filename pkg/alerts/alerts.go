package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/events"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/metrics"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/types"
)

// DefaultCoalesceWindow bounds how long an open alert keeps absorbing
// identical (cluster, kind) raises before a fresh one is opened.
const DefaultCoalesceWindow = 10 * time.Minute

// Sink receives alert notifications. Delivery is fire-and-forget; a sink
// that needs retries or ordering implements them itself.
type Sink interface {
	Notify(alert *types.Alert)
}

// Manager owns the alert log: append-only with idempotent coalescing.
// Writes are serialized; reads go straight to the store.
type Manager struct {
	store  storage.Store
	broker *events.Broker
	window time.Duration

	mu    sync.Mutex
	sinks []Sink

	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates an alert manager. window <= 0 selects the default
// coalescing window.
func NewManager(store storage.Store, broker *events.Broker, window time.Duration) *Manager {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Manager{
		store:  store,
		broker: broker,
		window: window,
		logger: log.WithComponent("alerts"),
		now:    time.Now,
	}
}

// AddSink registers an external notification sink.
func (m *Manager) AddSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Raise opens an alert, or refreshes the open alert of the same
// (clusterID, kind) when one was seen within the coalescing window.
// Severity only escalates while coalescing, never downgrades.
func (m *Manager) Raise(clusterID string, severity types.AlertSeverity, kind, message string) (*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()

	existing, err := m.store.FindOpenAlert(clusterID, kind)
	if err == nil && now.Sub(existing.LastSeenAt) <= m.window {
		existing.LastSeenAt = now
		existing.Message = message
		if severityRank(severity) > severityRank(existing.Severity) {
			existing.Severity = severity
		}
		if err := m.store.SaveAlert(existing); err != nil {
			return nil, fmt.Errorf("failed to update alert: %w", err)
		}
		m.publish(events.EventAlertUpdated, existing)
		return existing, nil
	}
	if err != nil && !errdefs.IsNotFound(err) {
		return nil, err
	}

	alert := &types.Alert{
		ID:         uuid.New().String(),
		ClusterID:  clusterID,
		Severity:   severity,
		Kind:       kind,
		Message:    message,
		OpenedAt:   now,
		LastSeenAt: now,
	}
	if err := m.store.SaveAlert(alert); err != nil {
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}

	metrics.AlertsOpenedTotal.WithLabelValues(string(severity)).Inc()
	m.logger.Warn().
		Str("cluster_id", clusterID).
		Str("kind", kind).
		Str("severity", string(severity)).
		Msg(message)

	m.publish(events.EventAlertOpened, alert)
	return alert, nil
}

// Resolve closes an alert by id with a resolution note.
func (m *Manager) Resolve(alertID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, err := m.store.GetAlert(alertID)
	if err != nil {
		return err
	}
	if alert.Resolved() {
		return errdefs.IllegalState("alert %s already resolved", alertID)
	}

	now := m.now().UTC()
	alert.ResolvedAt = &now
	alert.ResolutionNote = note
	if err := m.store.SaveAlert(alert); err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	m.publish(events.EventAlertResolved, alert)
	return nil
}

// ResolveOpen closes the open alert of a (clusterID, kind) pair, if any.
// Returns NotFound when there is nothing open to resolve.
func (m *Manager) ResolveOpen(clusterID, kind, note string) error {
	m.mu.Lock()
	alert, err := m.store.FindOpenAlert(clusterID, kind)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Resolve(alert.ID, note)
}

// List returns every alert of a cluster, oldest first. Empty clusterID
// lists all alerts.
func (m *Manager) List(clusterID string) ([]*types.Alert, error) {
	return m.store.ListAlerts(clusterID)
}

// ListOpen returns every unresolved alert.
func (m *Manager) ListOpen() ([]*types.Alert, error) {
	return m.store.ListOpenAlerts()
}

func (m *Manager) publish(eventType events.EventType, alert *types.Alert) {
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      eventType,
			ClusterID: alert.ClusterID,
			Message:   alert.Message,
			Metadata: map[string]string{
				"alert_id": alert.ID,
				"kind":     alert.Kind,
				"severity": string(alert.Severity),
			},
			Payload: alert,
		})
	}
	for _, sink := range m.sinks {
		go sink.Notify(alert)
	}
}

func severityRank(s types.AlertSeverity) int {
	switch s {
	case types.AlertSeverityLow:
		return 1
	case types.AlertSeverityMedium:
		return 2
	case types.AlertSeverityHigh:
		return 3
	case types.AlertSeverityCritical:
		return 4
	}
	return 0
}
