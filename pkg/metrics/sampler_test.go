package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kami-note/clusterforge/pkg/config"
	"github.com/kami-note/clusterforge/pkg/runtime"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/types"
	"github.com/kami-note/clusterforge/pkg/workspace"
)

type fakeDriver struct {
	stats  types.RuntimeStats
	status types.RuntimeStatus
}

func (f *fakeDriver) Run(ctx context.Context, spec runtime.RunSpec) (string, error) {
	return "container-1", nil
}
func (f *fakeDriver) Stop(ctx context.Context, id string, grace time.Duration) error { return nil }
func (f *fakeDriver) Remove(ctx context.Context, id string) error                    { return nil }
func (f *fakeDriver) Inspect(ctx context.Context, id string) (types.RuntimeStatus, error) {
	return f.status, nil
}
func (f *fakeDriver) Stats(ctx context.Context, id string) (types.RuntimeStats, error) {
	return f.stats, nil
}
func (f *fakeDriver) Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (types.ExecResult, error) {
	return types.ExecResult{}, nil
}
func (f *fakeDriver) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) Pause(ctx context.Context, id string) error                            { return nil }
func (f *fakeDriver) Unpause(ctx context.Context, id string) error                          { return nil }
func (f *fakeDriver) UpdateLimits(ctx context.Context, id string, q types.Quotas) error     { return nil }
func (f *fakeDriver) Close() error                                                          { return nil }

func testConfig() config.MetricsConfig {
	return config.MetricsConfig{
		Interval:         5 * time.Second,
		HistorySize:      100,
		ChangeEpsilonPct: 1.0,
		MaxSilence:       30 * time.Second,
	}
}

func newTestSampler(t *testing.T, driver *fakeDriver) (*Sampler, storage.Store, *time.Time) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	workspaces, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)

	s := NewSampler(store, driver, workspaces, nil, testConfig(), 5*time.Second)
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, store, &clock
}

func runningCluster(id, owner string) *types.Cluster {
	return &types.Cluster{
		ID:          id,
		Name:        "web-" + id,
		OwnerID:     owner,
		State:       types.ClusterStateRunning,
		ContainerID: "container-" + id,
		Quotas:      types.Quotas{CPUCores: 2, MemoryMB: 1024, DiskGB: 10},
	}
}

func TestChanged(t *testing.T) {
	base := &types.MetricsSample{
		CPUPercent:      50,
		MemoryPercent:   40,
		DiskPercent:     10,
		ContainerStatus: "running",
		HealthState:     types.HealthStateHealthy,
	}
	tests := []struct {
		name string
		mut  func(s *types.MetricsSample)
		want bool
	}{
		{"identical", func(s *types.MetricsSample) {}, false},
		{"cpu within epsilon", func(s *types.MetricsSample) { s.CPUPercent = 50.5 }, false},
		{"cpu beyond epsilon", func(s *types.MetricsSample) { s.CPUPercent = 52 }, true},
		{"memory beyond epsilon", func(s *types.MetricsSample) { s.MemoryPercent = 45 }, true},
		{"disk beyond epsilon", func(s *types.MetricsSample) { s.DiskPercent = 12 }, true},
		{"health flipped", func(s *types.MetricsSample) { s.HealthState = types.HealthStateUnhealthy }, true},
		{"status flipped", func(s *types.MetricsSample) { s.ContainerStatus = "exited" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := *base
			tt.mut(&cur)
			assert.Equal(t, tt.want, changed(base, &cur, 1.0))
		})
	}
	assert.True(t, changed(nil, base, 1.0), "first sample always counts as changed")
}

func TestCollectPersistsSamples(t *testing.T) {
	driver := &fakeDriver{
		stats:  types.RuntimeStats{CPUPercent: 100, MemoryBytes: 512 * 1024 * 1024},
		status: types.RuntimeStatus{State: "running", Running: true},
	}
	s, store, _ := newTestSampler(t, driver)
	require.NoError(t, store.SaveCluster(runningCluster("c1", "u1")))

	s.collect(context.Background())

	sample, err := store.LatestMetricsSample("c1")
	require.NoError(t, err)
	// 100% of one core against a 2-core quota
	assert.InDelta(t, 50.0, sample.CPUPercent, 0.01)
	assert.InDelta(t, 50.0, sample.MemoryPercent, 0.01)
	assert.Equal(t, types.HealthStateUnknown, sample.HealthState)
}

func TestSubscribeResyncAndPush(t *testing.T) {
	driver := &fakeDriver{
		stats:  types.RuntimeStats{CPUPercent: 100},
		status: types.RuntimeStatus{State: "running", Running: true},
	}
	s, store, _ := newTestSampler(t, driver)
	require.NoError(t, store.SaveCluster(runningCluster("c1", "u1")))

	sub := s.Subscribe(types.Principal{UserID: "u1"})
	defer sub.Close()

	// resync snapshot arrives immediately, empty before the first collect
	snap := <-sub.C()
	assert.Empty(t, snap)

	s.collect(context.Background())

	select {
	case snap = <-sub.C():
		require.Contains(t, snap, "c1")
	case <-time.After(time.Second):
		t.Fatal("expected a push after the first collect")
	}
}

func TestPushSuppressedWhenUnchanged(t *testing.T) {
	driver := &fakeDriver{
		stats:  types.RuntimeStats{CPUPercent: 100},
		status: types.RuntimeStatus{State: "running", Running: true},
	}
	s, store, clock := newTestSampler(t, driver)
	require.NoError(t, store.SaveCluster(runningCluster("c1", "u1")))

	sub := s.Subscribe(types.Principal{UserID: "u1", IsAdmin: true})
	defer sub.Close()
	<-sub.C() // resync

	s.collect(context.Background())
	<-sub.C() // first sample always pushes

	// identical stats, silence below the threshold: suppressed
	*clock = clock.Add(5 * time.Second)
	s.collect(context.Background())
	select {
	case <-sub.C():
		t.Fatal("push should be suppressed when nothing changed")
	default:
	}

	// change beyond epsilon: pushed
	driver.stats.CPUPercent = 150
	*clock = clock.Add(5 * time.Second)
	s.collect(context.Background())
	select {
	case snap := <-sub.C():
		assert.InDelta(t, 75.0, snap["c1"].CPUPercent, 0.01)
	default:
		t.Fatal("expected a push after a change beyond epsilon")
	}
}

func TestMaxSilenceForcesPush(t *testing.T) {
	driver := &fakeDriver{
		stats:  types.RuntimeStats{CPUPercent: 100},
		status: types.RuntimeStatus{State: "running", Running: true},
	}
	s, store, clock := newTestSampler(t, driver)
	require.NoError(t, store.SaveCluster(runningCluster("c1", "u1")))

	sub := s.Subscribe(types.Principal{IsAdmin: true})
	defer sub.Close()
	<-sub.C()

	s.collect(context.Background())
	<-sub.C()

	*clock = clock.Add(31 * time.Second)
	s.collect(context.Background())
	select {
	case <-sub.C():
	default:
		t.Fatal("expected a push after max-silence elapsed")
	}
}

func TestPushFiltersByPrincipal(t *testing.T) {
	driver := &fakeDriver{
		stats:  types.RuntimeStats{CPUPercent: 100},
		status: types.RuntimeStatus{State: "running", Running: true},
	}
	s, store, _ := newTestSampler(t, driver)
	require.NoError(t, store.SaveCluster(runningCluster("c1", "u1")))
	require.NoError(t, store.SaveCluster(runningCluster("c2", "u2")))

	owner := s.Subscribe(types.Principal{UserID: "u1"})
	admin := s.Subscribe(types.Principal{UserID: "root", IsAdmin: true})
	defer owner.Close()
	defer admin.Close()
	<-owner.C()
	<-admin.C()

	s.collect(context.Background())

	snap := <-owner.C()
	assert.Contains(t, snap, "c1")
	assert.NotContains(t, snap, "c2")

	snap = <-admin.C()
	assert.Len(t, snap, 2)
}

func TestSlowSubscriberSeesLatest(t *testing.T) {
	driver := &fakeDriver{
		stats:  types.RuntimeStats{CPUPercent: 100},
		status: types.RuntimeStatus{State: "running", Running: true},
	}
	s, store, clock := newTestSampler(t, driver)
	require.NoError(t, store.SaveCluster(runningCluster("c1", "u1")))

	sub := s.Subscribe(types.Principal{IsAdmin: true})
	defer sub.Close()
	<-sub.C()

	// never drained between collects: snapshots coalesce, latest wins
	for i := 0; i < 3; i++ {
		driver.stats.CPUPercent += 50
		*clock = clock.Add(5 * time.Second)
		s.collect(context.Background())
	}

	snap := <-sub.C()
	assert.InDelta(t, 125.0, snap["c1"].CPUPercent, 0.01)
	select {
	case <-sub.C():
		t.Fatal("expected exactly one coalesced snapshot")
	default:
	}
}
