package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventClusterCreated  EventType = "cluster.created"
	EventClusterStarted  EventType = "cluster.started"
	EventClusterStopped  EventType = "cluster.stopped"
	EventClusterFailed   EventType = "cluster.failed"
	EventClusterDeleted  EventType = "cluster.deleted"
	EventClusterUpdated  EventType = "cluster.updated"
	EventClusterRecovery EventType = "cluster.recovery"
	EventAlertOpened     EventType = "alert.opened"
	EventAlertUpdated    EventType = "alert.updated"
	EventAlertResolved   EventType = "alert.resolved"
	EventMetricsSample   EventType = "metrics.sample"
	EventBackupCreated   EventType = "backup.created"
	EventBackupFailed    EventType = "backup.failed"
	EventBackupRestored  EventType = "backup.restored"
)

// Event represents a control-plane event
type Event struct {
	ID        string
	Type      EventType
	ClusterID string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
	// Payload carries the full entity for subscribers that need more than
	// metadata strings (metrics samples, alerts). May be nil.
	Payload any
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
