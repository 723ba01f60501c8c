package alerts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/events"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/types"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []*types.Alert
}

func (s *recordingSink) Notify(alert *types.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, nil, 10*time.Minute)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestRaiseOpensAlert(t *testing.T) {
	m, _ := newTestManager(t)

	alert, err := m.Raise("c1", types.AlertSeverityMedium, "container-dead", "container exited with code 137")
	require.NoError(t, err)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, alert.OpenedAt, alert.LastSeenAt)
	assert.False(t, alert.Resolved())
}

func TestRaiseCoalescesWithinWindow(t *testing.T) {
	m, clock := newTestManager(t)

	first, err := m.Raise("c1", types.AlertSeverityMedium, "container-dead", "exit 1")
	require.NoError(t, err)

	*clock = clock.Add(5 * time.Minute)
	second, err := m.Raise("c1", types.AlertSeverityCritical, "container-dead", "exit 1 again")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, types.AlertSeverityCritical, second.Severity)
	assert.Equal(t, "exit 1 again", second.Message)
	assert.True(t, second.LastSeenAt.After(second.OpenedAt))

	all, err := m.List("c1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRaiseSeverityNeverDowngrades(t *testing.T) {
	m, clock := newTestManager(t)

	_, err := m.Raise("c1", types.AlertSeverityCritical, "restart-exhausted", "cooldown entered")
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	updated, err := m.Raise("c1", types.AlertSeverityLow, "restart-exhausted", "still cooling down")
	require.NoError(t, err)
	assert.Equal(t, types.AlertSeverityCritical, updated.Severity)
}

func TestRaiseOpensNewAlertAfterWindow(t *testing.T) {
	m, clock := newTestManager(t)

	first, err := m.Raise("c1", types.AlertSeverityMedium, "container-dead", "exit 1")
	require.NoError(t, err)

	*clock = clock.Add(11 * time.Minute)
	second, err := m.Raise("c1", types.AlertSeverityMedium, "container-dead", "exit 1")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	all, err := m.List("c1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRaiseDistinctKindsStaySeparate(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Raise("c1", types.AlertSeverityMedium, "container-dead", "exit 1")
	require.NoError(t, err)
	_, err = m.Raise("c1", types.AlertSeverityLow, "backup-failed", "archive error")
	require.NoError(t, err)

	open, err := m.ListOpen()
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestResolve(t *testing.T) {
	m, _ := newTestManager(t)

	alert, err := m.Raise("c1", types.AlertSeverityMedium, "container-dead", "exit 1")
	require.NoError(t, err)

	require.NoError(t, m.Resolve(alert.ID, "healthy again"))

	err = m.Resolve(alert.ID, "twice")
	assert.True(t, errdefs.IsIllegalState(err))

	open, err := m.ListOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveOpen(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.ResolveOpen("c1", "container-dead", "nothing open")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = m.Raise("c1", types.AlertSeverityMedium, "container-dead", "exit 1")
	require.NoError(t, err)

	require.NoError(t, m.ResolveOpen("c1", "container-dead", "healthy again"))

	all, err := m.List("c1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Resolved())
	assert.Equal(t, "healthy again", all[0].ResolutionNote)

	// coalescing never revives a resolved alert
	again, err := m.Raise("c1", types.AlertSeverityMedium, "container-dead", "exit 1")
	require.NoError(t, err)
	assert.NotEqual(t, all[0].ID, again.ID)
}

func TestEventsAndSinks(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	m := NewManager(store, broker, time.Minute)
	sink := &recordingSink{}
	m.AddSink(sink)

	alert, err := m.Raise("c1", types.AlertSeverityMedium, "container-dead", "exit 1")
	require.NoError(t, err)
	require.NoError(t, m.Resolve(alert.ID, "healthy"))

	wantTypes := []events.EventType{events.EventAlertOpened, events.EventAlertResolved}
	for _, want := range wantTypes {
		select {
		case event := <-sub:
			assert.Equal(t, want, event.Type)
			assert.Equal(t, "c1", event.ClusterID)
			assert.Equal(t, alert.ID, event.Metadata["alert_id"])
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 10*time.Millisecond)
}
