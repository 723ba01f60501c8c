package monitor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kami-note/clusterforge/pkg/alerts"
	"github.com/kami-note/clusterforge/pkg/config"
	"github.com/kami-note/clusterforge/pkg/engine"
	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/ports"
	"github.com/kami-note/clusterforge/pkg/runtime"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/template"
	"github.com/kami-note/clusterforge/pkg/types"
	"github.com/kami-note/clusterforge/pkg/workspace"
)

type fakeDriver struct {
	mu       sync.Mutex
	status   types.RuntimeStatus
	runErr   error
	runCalls int
	logs     []string
	nextID   int
}

func (f *fakeDriver) Run(ctx context.Context, spec runtime.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runErr != nil {
		return "", f.runErr
	}
	f.nextID++
	return fmt.Sprintf("container-%d", f.nextID), nil
}
func (f *fakeDriver) Stop(ctx context.Context, id string, grace time.Duration) error { return nil }
func (f *fakeDriver) Remove(ctx context.Context, id string) error                    { return nil }
func (f *fakeDriver) Inspect(ctx context.Context, id string) (types.RuntimeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}
func (f *fakeDriver) Stats(ctx context.Context, id string) (types.RuntimeStats, error) {
	return types.RuntimeStats{}, nil
}
func (f *fakeDriver) Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (types.ExecResult, error) {
	return types.ExecResult{}, nil
}
func (f *fakeDriver) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}
func (f *fakeDriver) Pause(ctx context.Context, id string) error                        { return nil }
func (f *fakeDriver) Unpause(ctx context.Context, id string) error                      { return nil }
func (f *fakeDriver) UpdateLimits(ctx context.Context, id string, q types.Quotas) error { return nil }
func (f *fakeDriver) Close() error                                                      { return nil }

func (f *fakeDriver) setStatus(status types.RuntimeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeDriver) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCalls
}

type testEnv struct {
	store   storage.Store
	engine  *engine.Engine
	driver  *fakeDriver
	alerts  *alerts.Manager
	monitor *Monitor
	clock   *time.Time
}

func writeTemplate(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	manifest := "image: nginx:1.25\ncontainer_port: 80\nquotas:\n  cpu: 1\n  memory_mb: 512\n  disk_gb: 5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cluster.yaml"), []byte(manifest), 0644))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Templates.Root = t.TempDir()
	cfg.Workspaces.Root = t.TempDir()
	cfg.Ports = config.PortsConfig{Lo: 40000, Hi: 40100}
	cfg.Recovery = config.RecoveryConfig{MaxAttempts: 3, RetryInterval: time.Millisecond, Cooldown: time.Minute}
	writeTemplate(t, cfg.Templates.Root, "nginx")

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := template.NewRegistry(cfg.Templates.Root)
	require.NoError(t, err)
	workspaces, err := workspace.NewManager(cfg.Workspaces.Root)
	require.NoError(t, err)
	allocator := ports.NewAllocator(cfg.Ports.Lo, cfg.Ports.Hi)
	driver := &fakeDriver{status: types.RuntimeStatus{State: "running", Running: true}}

	eng := engine.New(store, registry, allocator, workspaces, driver, nil, cfg)
	alertMgr := alerts.NewManager(store, nil, 10*time.Minute)

	m := New(store, eng, driver, registry, alertMgr, config.HealthConfig{
		Interval: 30 * time.Second,
		Timeout:  500 * time.Millisecond,
	}, 100)

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	return &testEnv{store: store, engine: eng, driver: driver, alerts: alertMgr, monitor: m, clock: &clock}
}

func (env *testEnv) createCluster(t *testing.T) *types.Cluster {
	t.Helper()
	cluster, err := env.engine.Create(context.Background(), types.Principal{UserID: "u1"}, engine.CreateRequest{
		Template: "nginx",
	})
	require.NoError(t, err)
	return cluster
}

func (env *testEnv) cluster(t *testing.T, id string) *types.Cluster {
	t.Helper()
	cluster, err := env.store.GetCluster(id)
	require.NoError(t, err)
	return cluster
}

func openAlert(t *testing.T, mgr *alerts.Manager, clusterID, kind string) *types.Alert {
	t.Helper()
	all, err := mgr.List(clusterID)
	require.NoError(t, err)
	for _, a := range all {
		if a.Kind == kind && !a.Resolved() {
			return a
		}
	}
	return nil
}

func TestDeadContainerMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	env.driver.setStatus(types.RuntimeStatus{State: "exited", Running: false, ExitCode: 1})
	env.monitor.tick(context.Background())

	got := env.cluster(t, cluster.ID)
	assert.Equal(t, types.ClusterStateFailed, got.State)

	alert := openAlert(t, env.alerts, cluster.ID, AlertKindUnhealthy)
	require.NotNil(t, alert)
	assert.Equal(t, types.AlertSeverityMedium, alert.Severity)

	samples, err := env.store.ListHealthSamples(cluster.ID, 1)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, types.HealthStateUnhealthy, samples[0].State)
	assert.Equal(t, "container-dead", samples[0].Reason)
}

func TestClosedPortMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	// container reports running but nothing listens on the assigned port
	env.monitor.tick(context.Background())

	got := env.cluster(t, cluster.ID)
	assert.Equal(t, types.ClusterStateFailed, got.State)

	samples, err := env.store.ListHealthSamples(cluster.ID, 1)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "port-closed", samples[0].Reason)
}

func TestHealthyProbeResolvesAlert(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	// fail once
	env.driver.setStatus(types.RuntimeStatus{State: "exited", Running: false, ExitCode: 1})
	env.monitor.tick(context.Background())
	require.NotNil(t, openAlert(t, env.alerts, cluster.ID, AlertKindUnhealthy))

	// recover: restart succeeds, container healthy, port listens
	env.driver.setStatus(types.RuntimeStatus{State: "running", Running: true})
	*env.clock = env.clock.Add(time.Second)
	env.monitor.tick(context.Background()) // restart

	got := env.cluster(t, cluster.ID)
	require.Equal(t, types.ClusterStateRunning, got.State)
	assert.Equal(t, 1, got.RestartAttempts)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", got.Port))
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	*env.clock = env.clock.Add(time.Second)
	env.monitor.tick(context.Background()) // healthy probe

	assert.Nil(t, openAlert(t, env.alerts, cluster.ID, AlertKindUnhealthy))
	samples, err := env.store.ListHealthSamples(cluster.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStateHealthy, samples[0].State)
}

func TestCooldownAfterExhaustedAttempts(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	// long cooldown so the advancing test clock stays inside it
	got := env.cluster(t, cluster.ID)
	got.Recovery.Cooldown = time.Hour
	require.NoError(t, env.store.SaveCluster(got))

	// container dead and every restart fails
	env.driver.setStatus(types.RuntimeStatus{State: "exited", Running: false, ExitCode: 1})
	env.driver.mu.Lock()
	env.driver.runErr = errdefs.Runtime("image vanished")
	env.driver.mu.Unlock()

	// first tick marks FAILED, following ticks burn the attempt budget
	for i := 0; i < 5; i++ {
		env.monitor.tick(context.Background())
		*env.clock = env.clock.Add(35 * time.Second)
	}

	got = env.cluster(t, cluster.ID)
	assert.Equal(t, types.ClusterStateFailed, got.State)
	assert.Equal(t, 3, got.RestartAttempts)
	assert.False(t, got.CooldownUntil.IsZero())

	alert := openAlert(t, env.alerts, cluster.ID, AlertKindExhausted)
	require.NotNil(t, alert)
	assert.Equal(t, types.AlertSeverityCritical, alert.Severity)

	// ticks within cooldown must not call start
	before := env.driver.runCount()
	env.monitor.tick(context.Background())
	env.monitor.tick(context.Background())
	assert.Equal(t, before, env.driver.runCount())
}

func TestRecoveryResumesAfterCooldown(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	got := env.cluster(t, cluster.ID)
	got.State = types.ClusterStateFailed
	got.RestartAttempts = 3
	got.CooldownUntil = env.clock.Add(-time.Second) // already served
	require.NoError(t, env.store.SaveCluster(got))

	env.driver.setStatus(types.RuntimeStatus{State: "running", Running: true})
	env.monitor.tick(context.Background())

	got = env.cluster(t, cluster.ID)
	assert.Equal(t, types.ClusterStateRunning, got.State)
	assert.Equal(t, 1, got.RestartAttempts)
	assert.True(t, got.CooldownUntil.IsZero())
}

func TestHealthyStreakSpanningCooldownResetsCounter(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	got := env.cluster(t, cluster.ID)
	got.RestartAttempts = 2
	require.NoError(t, env.store.SaveCluster(got))

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", got.Port))
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	// first healthy tick starts the streak; counter survives
	env.monitor.tick(context.Background())
	assert.Equal(t, 2, env.cluster(t, cluster.ID).RestartAttempts)

	// streak shorter than the cooldown: still no reset
	*env.clock = env.clock.Add(30 * time.Second)
	env.monitor.tick(context.Background())
	assert.Equal(t, 2, env.cluster(t, cluster.ID).RestartAttempts)

	// streak spans the full cooldown: counter clears
	*env.clock = env.clock.Add(time.Minute)
	env.monitor.tick(context.Background())
	assert.Equal(t, 0, env.cluster(t, cluster.ID).RestartAttempts)
}

func TestRepeatedIdenticalFailureSkipsToCooldown(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	// container starts fine but keeps dying the same way
	env.driver.setStatus(types.RuntimeStatus{State: "exited", Running: false, ExitCode: 2})
	env.driver.mu.Lock()
	env.driver.logs = []string{"fatal: config parse error at line 3"}
	env.driver.mu.Unlock()

	env.monitor.tick(context.Background()) // FAILED, first classification
	*env.clock = env.clock.Add(35 * time.Second)
	env.monitor.tick(context.Background()) // restart succeeds
	*env.clock = env.clock.Add(35 * time.Second)
	env.monitor.tick(context.Background()) // dies identically: cooldown

	got := env.cluster(t, cluster.ID)
	assert.False(t, got.CooldownUntil.IsZero())
	assert.Less(t, got.RestartAttempts, 3, "cooldown must preempt the attempt budget")
	require.NotNil(t, openAlert(t, env.alerts, cluster.ID, AlertKindExhausted))
}

func TestProbeIntervalOverrideSkipsTicks(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	got := env.cluster(t, cluster.ID)
	got.Recovery.ProbeInterval = 2 * time.Minute
	require.NoError(t, env.store.SaveCluster(got))

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", got.Port))
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	samples := func() int {
		all, err := env.store.ListHealthSamples(cluster.ID, 0)
		require.NoError(t, err)
		return len(all)
	}

	env.monitor.tick(context.Background())
	assert.Equal(t, 1, samples())

	// scheduler ticks inside the cluster's own interval skip it
	*env.clock = env.clock.Add(30 * time.Second)
	env.monitor.tick(context.Background())
	*env.clock = env.clock.Add(30 * time.Second)
	env.monitor.tick(context.Background())
	assert.Equal(t, 1, samples())

	// the override interval elapses: probed again
	*env.clock = env.clock.Add(time.Minute)
	env.monitor.tick(context.Background())
	assert.Equal(t, 2, samples())
}

func TestRecoverySkipsWhenStateChangedConcurrently(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	// recovery acting on a stale FAILED snapshot while the store says RUNNING
	stale := *env.cluster(t, cluster.ID)
	stale.State = types.ClusterStateFailed

	before := env.driver.runCount()
	env.monitor.recover(context.Background(), &stale)
	assert.Equal(t, before, env.driver.runCount())

	// no follow-up attempt gets scheduled for a cluster that left FAILED
	env.monitor.mu.Lock()
	_, scheduled := env.monitor.nextAttempt[cluster.ID]
	env.monitor.mu.Unlock()
	assert.False(t, scheduled)
	assert.Equal(t, types.ClusterStateRunning, env.cluster(t, cluster.ID).State)
}

func TestBackoff(t *testing.T) {
	env := newTestEnv(t)
	policy := types.RecoveryPolicy{RetryInterval: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, env.monitor.backoff(policy, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestStoppedClustersAreNotProbed(t *testing.T) {
	env := newTestEnv(t)
	cluster := env.createCluster(t)

	require.NoError(t, env.engine.Stop(context.Background(), types.Principal{UserID: "u1"}, cluster.ID, time.Second))

	env.driver.setStatus(types.RuntimeStatus{State: "exited", Running: false, ExitCode: 1})
	env.monitor.tick(context.Background())

	got := env.cluster(t, cluster.ID)
	assert.Equal(t, types.ClusterStateStopped, got.State)
	samples, err := env.store.ListHealthSamples(cluster.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, samples)
}
