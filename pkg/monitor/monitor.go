package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/kami-note/clusterforge/pkg/alerts"
	"github.com/kami-note/clusterforge/pkg/config"
	"github.com/kami-note/clusterforge/pkg/engine"
	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/metrics"
	"github.com/kami-note/clusterforge/pkg/probe"
	"github.com/kami-note/clusterforge/pkg/runtime"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/template"
	"github.com/kami-note/clusterforge/pkg/types"
)

// Alert kinds the monitor owns.
const (
	AlertKindUnhealthy = "cluster-unhealthy"
	AlertKindExhausted = "recovery-exhausted"
)

// maxBackoff caps the exponential inter-attempt delay.
const maxBackoff = 30 * time.Second

// logTail is how many recent log lines failure classification reads.
const logTail = 20

// Monitor walks every cluster on a fixed interval, records health
// samples, and drives the recovery policy for FAILED clusters.
type Monitor struct {
	store    storage.Store
	engine   *engine.Engine
	driver   runtime.Driver
	registry *template.Registry
	alerts   *alerts.Manager
	cfg      config.HealthConfig
	keep     int

	breaker *gobreaker.CircuitBreaker

	mu sync.Mutex
	// lastProbe gates clusters whose ProbeInterval is slower than the tick.
	lastProbe map[string]time.Time
	// healthySince tracks the start of the current healthy streak.
	healthySince map[string]time.Time
	// nextAttempt is the earliest instant a restart may be tried.
	nextAttempt map[string]time.Time
	// lastFailureSig detects the same error repeating across attempts.
	lastFailureSig map[string]string

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
	now    func() time.Time
}

// New wires a health monitor.
func New(store storage.Store, eng *engine.Engine, driver runtime.Driver,
	registry *template.Registry, alertMgr *alerts.Manager, cfg config.HealthConfig, keep int) *Monitor {
	return &Monitor{
		store:    store,
		engine:   eng,
		driver:   driver,
		registry: registry,
		alerts:   alertMgr,
		cfg:      cfg,
		keep:     keep,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "runtime-daemon",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		lastProbe:      make(map[string]time.Time),
		healthySince:   make(map[string]time.Time),
		nextAttempt:    make(map[string]time.Time),
		lastFailureSig: make(map[string]string),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		logger:         log.WithComponent("monitor"),
		now:            time.Now,
	}
}

// Start begins the probe loop.
func (m *Monitor) Start() {
	go func() {
		defer close(m.doneCh)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.tick(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop drains the probe loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// tick probes RUNNING clusters and applies recovery to FAILED ones.
// Distinct clusters run in parallel; per-cluster work stays serialized by
// the engine's lock map.
func (m *Monitor) tick(ctx context.Context) {
	clusters, err := m.store.ListClusters()
	if err != nil {
		m.logger.Error().Err(err).Msg("cannot list clusters")
		return
	}

	var wg sync.WaitGroup
	for _, cluster := range clusters {
		switch cluster.State {
		case types.ClusterStateRunning:
			if !m.shouldProbe(cluster) {
				continue
			}
			wg.Add(1)
			go func(c *types.Cluster) {
				defer wg.Done()
				m.probeCluster(ctx, c)
			}(cluster)
		case types.ClusterStateFailed:
			wg.Add(1)
			go func(c *types.Cluster) {
				defer wg.Done()
				m.recover(ctx, c)
			}(cluster)
		}
	}
	wg.Wait()
}

// shouldProbe honors a per-cluster probe interval. The scheduler tick is
// the cadence floor: intervals at or below it probe every tick, slower
// ones skip ticks until their own interval has elapsed.
func (m *Monitor) shouldProbe(cluster *types.Cluster) bool {
	interval := cluster.Recovery.ProbeInterval
	if interval <= m.cfg.Interval {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if last, ok := m.lastProbe[cluster.ID]; ok && now.Sub(last) < interval {
		return false
	}
	m.lastProbe[cluster.ID] = now
	return true
}

// probeCluster computes one HealthSample for a RUNNING cluster and reacts
// to the outcome.
func (m *Monitor) probeCluster(ctx context.Context, cluster *types.Cluster) {
	sample := m.takeSample(ctx, cluster)

	if err := m.store.AppendHealthSample(sample, m.keep); err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("cannot persist health sample")
	}
	metrics.ProbesTotal.WithLabelValues(string(sample.State)).Inc()

	switch sample.State {
	case types.HealthStateHealthy:
		m.onHealthy(cluster, sample)
	case types.HealthStateUnhealthy:
		m.onUnhealthy(ctx, cluster, sample)
	default:
		// UNKNOWN: the daemon was unreachable; no transition on guesswork.
	}
}

// takeSample runs the probe chain: container inspection, TCP connect,
// optional HTTP check.
func (m *Monitor) takeSample(ctx context.Context, cluster *types.Cluster) *types.HealthSample {
	sample := &types.HealthSample{
		ClusterID: cluster.ID,
		Timestamp: m.now().UTC(),
	}

	status, err := m.inspect(ctx, cluster.ContainerID)
	if err != nil {
		if errdefs.IsRuntimeNotFound(err) {
			sample.State = types.HealthStateUnhealthy
			sample.Reason = "container-dead"
			return sample
		}
		sample.State = types.HealthStateUnknown
		sample.Reason = fmt.Sprintf("daemon-unavailable: %v", err)
		return sample
	}

	sample.ContainerState = status.State
	sample.ExitCode = status.ExitCode
	if !status.Running || status.ExitCode != 0 {
		sample.State = types.HealthStateUnhealthy
		sample.Reason = "container-dead"
		return sample
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cluster.Port)
	result := probe.NewTCPChecker(addr).WithTimeout(m.cfg.Timeout).Check(ctx)
	sample.Latency = result.Latency
	if !result.Healthy {
		sample.State = types.HealthStateUnhealthy
		sample.Reason = "port-closed"
		return sample
	}

	if path := m.healthPath(cluster); path != "" {
		url := fmt.Sprintf("http://%s%s", addr, path)
		result = probe.NewHTTPChecker(url).WithTimeout(m.cfg.Timeout).Check(ctx)
		sample.Latency = result.Latency
		if !result.Healthy {
			sample.State = types.HealthStateUnhealthy
			sample.Reason = "http-unhealthy"
			return sample
		}
	}

	sample.State = types.HealthStateHealthy
	return sample
}

func (m *Monitor) healthPath(cluster *types.Cluster) string {
	if tmpl, err := m.registry.Get(cluster.TemplateName); err == nil && tmpl.HealthPath != "" {
		return tmpl.HealthPath
	}
	return m.cfg.HTTPPath
}

// onHealthy resolves open health alerts and clears the restart counter
// once the healthy streak spans a full cooldown.
func (m *Monitor) onHealthy(cluster *types.Cluster, sample *types.HealthSample) {
	now := sample.Timestamp

	m.mu.Lock()
	since, ok := m.healthySince[cluster.ID]
	if !ok {
		since = now
		m.healthySince[cluster.ID] = now
	}
	delete(m.lastFailureSig, cluster.ID)
	delete(m.nextAttempt, cluster.ID)
	m.mu.Unlock()

	for _, kind := range []string{AlertKindUnhealthy, AlertKindExhausted} {
		if err := m.alerts.ResolveOpen(cluster.ID, kind, "cluster healthy again"); err != nil && !errdefs.IsNotFound(err) {
			m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("cannot resolve alert")
		}
	}

	streak := now.Sub(since)
	applied, err := m.engine.TryMutate(cluster.ID, func(c *types.Cluster) error {
		c.LastHealthyAt = now
		if c.RestartAttempts > 0 && streak >= c.Recovery.Cooldown {
			c.RestartAttempts = 0
			c.CooldownUntil = time.Time{}
		}
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("cannot record healthy observation")
	}
	_ = applied // contended: the next tick records it
}

// onUnhealthy transitions the cluster to FAILED, raises the alert, and
// classifies the failure to schedule the first recovery attempt.
func (m *Monitor) onUnhealthy(ctx context.Context, cluster *types.Cluster, sample *types.HealthSample) {
	m.mu.Lock()
	delete(m.healthySince, cluster.ID)
	m.mu.Unlock()

	applied, err := m.engine.TryMutate(cluster.ID, func(c *types.Cluster) error {
		if c.State != types.ClusterStateRunning {
			return errdefs.IllegalState("cluster left RUNNING concurrently")
		}
		c.State = types.ClusterStateFailed
		return nil
	})
	if !applied {
		return // lifecycle operation in flight; skip this tick
	}
	if err != nil {
		if !errdefs.IsIllegalState(err) {
			m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("cannot mark cluster failed")
		}
		return
	}

	m.logger.Warn().
		Str("cluster_id", cluster.ID).
		Str("reason", sample.Reason).
		Msg("cluster unhealthy")

	if _, err := m.alerts.Raise(cluster.ID, types.AlertSeverityMedium, AlertKindUnhealthy,
		fmt.Sprintf("cluster %s unhealthy: %s", cluster.Name, sample.Reason)); err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("cannot raise alert")
	}

	m.scheduleRecovery(ctx, cluster, 1)
}

// inspect wraps the daemon call in the circuit breaker. An absent
// container counts as an answer, not a daemon failure, so it never trips
// the breaker.
func (m *Monitor) inspect(ctx context.Context, containerID string) (types.RuntimeStatus, error) {
	out, err := m.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
		status, err := m.driver.Inspect(callCtx, containerID)
		if err != nil && errdefs.IsRuntimeNotFound(err) {
			return (*types.RuntimeStatus)(nil), nil
		}
		return &status, err
	})
	if err != nil {
		return types.RuntimeStatus{}, errdefs.RuntimeUnavailable("%v", err)
	}
	status := out.(*types.RuntimeStatus)
	if status == nil {
		return types.RuntimeStatus{}, errdefs.RuntimeNotFound("container %s", containerID)
	}
	return *status, nil
}
