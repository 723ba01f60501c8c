package metrics

import (
	"context"
	"io/fs"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kami-note/clusterforge/pkg/config"
	"github.com/kami-note/clusterforge/pkg/events"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/runtime"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/types"
	"github.com/kami-note/clusterforge/pkg/workspace"
)

// Snapshot is the full per-cluster sample map a subscriber receives,
// filtered to the clusters its principal may see.
type Snapshot map[string]*types.MetricsSample

// Subscription is one observer's handle on the push stream. Delivery is
// latest-wins: a slow consumer sees coalesced snapshots, never a backlog.
type Subscription struct {
	principal types.Principal
	ch        chan Snapshot
	sampler   *Sampler
	closeOnce sync.Once
}

// C returns the snapshot channel.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.sampler.unsubscribe(s)
}

// Sampler periodically reads live resource usage for every RUNNING
// cluster, persists bounded history, and pushes change-detected snapshots
// to subscribers.
type Sampler struct {
	store      storage.Store
	driver     runtime.Driver
	workspaces *workspace.Manager
	broker     *events.Broker
	cfg        config.MetricsConfig

	statsTimeout time.Duration

	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	latest     map[string]*types.MetricsSample
	lastPushed map[string]*types.MetricsSample
	lastPushAt map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
	now    func() time.Time
}

// NewSampler wires a metrics sampler.
func NewSampler(store storage.Store, driver runtime.Driver, workspaces *workspace.Manager,
	broker *events.Broker, cfg config.MetricsConfig, statsTimeout time.Duration) *Sampler {
	return &Sampler{
		store:        store,
		driver:       driver,
		workspaces:   workspaces,
		broker:       broker,
		cfg:          cfg,
		statsTimeout: statsTimeout,
		subs:         make(map[*Subscription]struct{}),
		latest:       make(map[string]*types.MetricsSample),
		lastPushed:   make(map[string]*types.MetricsSample),
		lastPushAt:   make(map[string]time.Time),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       log.WithComponent("metrics"),
		now:          time.Now,
	}
}

// Start begins the sampling loop.
func (s *Sampler) Start() {
	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		// Collect immediately on start
		s.collect(context.Background())

		for {
			select {
			case <-ticker.C:
				s.collect(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop drains the sampling loop.
func (s *Sampler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Subscribe registers an observer. The subscriber immediately receives a
// resync snapshot of the current per-cluster samples it may see.
func (s *Sampler) Subscribe(principal types.Principal) *Subscription {
	sub := &Subscription{
		principal: principal,
		ch:        make(chan Snapshot, 1),
		sampler:   s,
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	resync := s.snapshotFor(sub)
	s.mu.Unlock()

	sub.ch <- resync
	return sub
}

func (s *Sampler) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// collect runs one sampling pass: stats for every RUNNING cluster, state
// gauge refresh, change-detection push.
func (s *Sampler) collect(ctx context.Context) {
	clusters, err := s.store.ListClusters()
	if err != nil {
		s.logger.Error().Err(err).Msg("cannot list clusters")
		return
	}

	updateStateGauge(clusters)

	// Owner lookup for subscriber filtering, and the set of live ids so
	// stale entries age out of the push state.
	owners := make(map[string]string, len(clusters))
	live := make(map[string]bool, len(clusters))

	var wg sync.WaitGroup
	samples := make(chan *types.MetricsSample, len(clusters))

	for _, cluster := range clusters {
		if cluster.State == types.ClusterStateDeleted {
			continue
		}
		owners[cluster.ID] = cluster.OwnerID
		live[cluster.ID] = true

		if cluster.State != types.ClusterStateRunning {
			continue
		}
		wg.Add(1)
		go func(cluster *types.Cluster) {
			defer wg.Done()
			sample, err := s.sample(ctx, cluster)
			if err != nil {
				// One cluster's failure never stops the others.
				s.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("sampling failed")
				return
			}
			samples <- sample
		}(cluster)
	}
	wg.Wait()
	close(samples)

	now := s.now()

	s.mu.Lock()
	for id := range s.latest {
		if !live[id] {
			delete(s.latest, id)
			delete(s.lastPushed, id)
			delete(s.lastPushAt, id)
		}
	}

	var dirty []*types.MetricsSample
	for sample := range samples {
		s.latest[sample.ClusterID] = sample
		prev := s.lastPushed[sample.ClusterID]
		silence := now.Sub(s.lastPushAt[sample.ClusterID])
		if changed(prev, sample, s.cfg.ChangeEpsilonPct) || silence >= s.cfg.MaxSilence {
			dirty = append(dirty, sample)
		}
	}

	if len(dirty) == 0 {
		s.mu.Unlock()
		return
	}

	for id, sample := range s.latest {
		s.lastPushed[id] = sample
		s.lastPushAt[id] = now
	}
	s.push(owners)
	s.mu.Unlock()

	for _, sample := range dirty {
		s.publish(sample)
	}
}

// sample takes one reading for a RUNNING cluster and persists it into the
// rolling window.
func (s *Sampler) sample(ctx context.Context, cluster *types.Cluster) (*types.MetricsSample, error) {
	statusCtx, cancel := context.WithTimeout(ctx, s.statsTimeout)
	defer cancel()

	status, err := s.driver.Inspect(statusCtx, cluster.ContainerID)
	if err != nil {
		return nil, err
	}
	stats, err := s.driver.Stats(statusCtx, cluster.ContainerID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	sample := &types.MetricsSample{
		ClusterID:       cluster.ID,
		Timestamp:       now,
		MemoryBytes:     stats.MemoryBytes,
		NetworkRxBytes:  stats.NetworkRx,
		NetworkTxBytes:  stats.NetworkTx,
		RestartCount:    cluster.RestartAttempts,
		ContainerStatus: status.State,
		HealthState:     s.latestHealthState(cluster.ID),
	}

	if cluster.Quotas.CPUCores > 0 {
		sample.CPUPercent = stats.CPUPercent / cluster.Quotas.CPUCores
	}
	if limit := cluster.Quotas.MemoryMB * 1024 * 1024; limit > 0 {
		sample.MemoryPercent = float64(stats.MemoryBytes) / float64(limit) * 100
	}
	sample.DiskBytes = dirSize(s.workspaces.Path(cluster.ID))
	if limit := cluster.Quotas.DiskGB * 1024 * 1024 * 1024; limit > 0 {
		sample.DiskPercent = float64(sample.DiskBytes) / float64(limit) * 100
	}
	if status.Running && !status.StartedAt.IsZero() {
		sample.Uptime = now.Sub(status.StartedAt)
	}

	if err := s.store.AppendMetricsSample(sample, s.cfg.HistorySize); err != nil {
		return nil, err
	}
	SamplesTotal.Inc()
	return sample, nil
}

func (s *Sampler) latestHealthState(clusterID string) types.HealthState {
	samples, err := s.store.ListHealthSamples(clusterID, 1)
	if err != nil || len(samples) == 0 {
		return types.HealthStateUnknown
	}
	return samples[0].State
}

// push delivers the current snapshot to every subscriber, filtered by
// ownership. Caller holds s.mu.
func (s *Sampler) push(owners map[string]string) {
	for sub := range s.subs {
		snap := make(Snapshot, len(s.latest))
		for id, sample := range s.latest {
			if sub.principal.CanAccess(owners[id]) {
				snap[id] = sample
			}
		}
		deliver(sub.ch, snap)
		PushesTotal.Inc()
	}
}

// snapshotFor builds the resync snapshot for a new subscriber. Caller
// holds s.mu. Ownership is resolved from the store; on error the snapshot
// is empty rather than over-shared.
func (s *Sampler) snapshotFor(sub *Subscription) Snapshot {
	snap := make(Snapshot)
	if sub.principal.IsAdmin {
		for id, sample := range s.latest {
			snap[id] = sample
		}
		return snap
	}
	clusters, err := s.store.ListClustersByOwner(sub.principal.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot resolve subscriber clusters for resync")
		return snap
	}
	for _, cluster := range clusters {
		if sample, ok := s.latest[cluster.ID]; ok {
			snap[cluster.ID] = sample
		}
	}
	return snap
}

// deliver is latest-wins: a full buffer is drained and replaced so the
// sampler never blocks on a slow subscriber.
func deliver(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (s *Sampler) publish(sample *types.MetricsSample) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:      events.EventMetricsSample,
		ClusterID: sample.ClusterID,
		Payload:   sample,
	})
}

// changed reports whether any tracked field moved by more than epsilon
// percentage points, or a discrete field flipped.
func changed(prev, cur *types.MetricsSample, epsilonPct float64) bool {
	if prev == nil {
		return true
	}
	return math.Abs(cur.CPUPercent-prev.CPUPercent) > epsilonPct ||
		math.Abs(cur.MemoryPercent-prev.MemoryPercent) > epsilonPct ||
		math.Abs(cur.DiskPercent-prev.DiskPercent) > epsilonPct ||
		cur.HealthState != prev.HealthState ||
		cur.ContainerStatus != prev.ContainerStatus
}

func updateStateGauge(clusters []*types.Cluster) {
	counts := make(map[types.ClusterState]int)
	for _, c := range clusters {
		counts[c.State]++
	}
	for _, state := range []types.ClusterState{
		types.ClusterStateCreated, types.ClusterStateStarting, types.ClusterStateRunning,
		types.ClusterStateStopping, types.ClusterStateStopped, types.ClusterStateFailed,
		types.ClusterStateRestarting, types.ClusterStateDeleting, types.ClusterStateDeleted,
	} {
		ClustersByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
