/*
Package events provides the in-memory event broker for ClusterForge's
pub/sub messaging.

The broker is a topic-agnostic fan-out bus: publishers push to a
buffered channel and a single broadcast loop copies each event to every
subscriber channel. Publish never blocks; a subscriber whose buffer is
full misses the event. Delivery is therefore best-effort, suitable for
notifications and monitoring but never for the operations themselves.

Event types cover cluster lifecycle transitions (cluster.*), alert
lifecycle (alert.opened, alert.updated, alert.resolved), live metrics
pushes (metrics.sample) and backup outcomes (backup.*). Events carry a
Metadata string map plus an optional typed Payload for subscribers that
need the full entity.

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:      events.EventClusterCreated,
		ClusterID: "c1",
		Message:   "cluster web-nginx-a1b2c3 created",
	})
*/
package events
