package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kami-note/clusterforge/pkg/config"
	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/events"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/metrics"
	"github.com/kami-note/clusterforge/pkg/ports"
	"github.com/kami-note/clusterforge/pkg/runtime"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/template"
	"github.com/kami-note/clusterforge/pkg/types"
	"github.com/kami-note/clusterforge/pkg/workspace"
)

// nameAttempts bounds suffix regeneration on name collisions.
const nameAttempts = 5

// defaultStopGrace is the SIGTERM grace used when the caller passes zero.
const defaultStopGrace = 10 * time.Second

// CreateRequest carries the caller's parameters for a new cluster.
type CreateRequest struct {
	Template string
	// BaseName, when set, prefixes the generated name.
	BaseName string
	// Quotas override the template defaults field-by-field; nil keeps them.
	Quotas *types.Quotas
}

// Engine orchestrates the template registry, port allocator, workspace
// manager and runtime driver into the cluster lifecycle operations, and
// owns the Cluster record's state machine.
type Engine struct {
	store      storage.Store
	registry   *template.Registry
	allocator  *ports.Allocator
	workspaces *workspace.Manager
	driver     runtime.Driver
	broker     *events.Broker
	cfg        *config.Config

	// locks holds one mutex per cluster id, allocated on demand and never
	// freed within a process lifetime.
	locks sync.Map

	closing atomic.Bool
	logger  zerolog.Logger
}

// New wires a lifecycle engine.
func New(store storage.Store, registry *template.Registry, allocator *ports.Allocator,
	workspaces *workspace.Manager, driver runtime.Driver, broker *events.Broker, cfg *config.Config) *Engine {
	return &Engine{
		store:      store,
		registry:   registry,
		allocator:  allocator,
		workspaces: workspaces,
		driver:     driver,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("engine"),
	}
}

// Shutdown stops the engine accepting new lifecycle operations. In-flight
// operations complete; running containers keep running.
func (e *Engine) Shutdown() {
	e.closing.Store(true)
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (e *Engine) checkOpen() error {
	if e.closing.Load() {
		return errdefs.IllegalState("control plane is shutting down")
	}
	return nil
}

// Create provisions a cluster from a template: allocate a port, render the
// workspace, start the container, persist the record in RUNNING. On any
// failure every partial side effect is rolled back before the error
// surfaces.
func (e *Engine) Create(ctx context.Context, principal types.Principal, req CreateRequest) (*types.Cluster, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	tmpl, err := e.registry.Get(req.Template)
	if err != nil {
		return nil, err
	}

	quotas := mergeQuotas(tmpl.DefaultQuotas, req.Quotas)
	if !quotas.Valid() {
		return nil, errdefs.IllegalState("invalid quotas: cpu, memory and disk must be positive")
	}

	id := uuid.New().String()
	name, err := e.pickName(req.BaseName, req.Template, id)
	if err != nil {
		return nil, err
	}

	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	port, err := e.allocator.Acquire()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cluster := &types.Cluster{
		ID:             id,
		Name:           name,
		TemplateName:   tmpl.Name,
		OwnerID:        principal.UserID,
		CreatedAt:      now,
		Port:           port,
		State:          types.ClusterStateCreated,
		LastTransition: now,
		Quotas:         quotas,
		Recovery:       e.cfg.RecoveryPolicy(),
		Backup:         e.cfg.BackupPolicy(),
	}

	wsPath, err := e.workspaces.Create(cluster, e.registry.Dir(tmpl.Name), workspace.RuntimeManifest{
		ClusterID:     id,
		Name:          name,
		Template:      tmpl.Name,
		Image:         tmpl.Image,
		Port:          port,
		ContainerPort: tmpl.ContainerPort,
		Quotas:        quotas,
		Env:           tmpl.Env,
		CreatedAt:     now,
	})
	if err != nil {
		e.allocator.Release(port)
		return nil, err
	}
	cluster.WorkspacePath = wsPath

	if err := e.transition(cluster, types.ClusterStateStarting); err != nil {
		e.rollbackCreate(ctx, cluster)
		return nil, err
	}

	containerID, err := e.driver.Run(ctx, e.runSpec(cluster, tmpl.Image, tmpl.ContainerPort, tmpl.Env))
	if err != nil {
		e.rollbackCreate(ctx, cluster)
		return nil, err
	}
	cluster.ContainerID = containerID

	if err := e.transition(cluster, types.ClusterStateRunning); err != nil {
		_ = e.driver.Stop(ctx, containerID, defaultStopGrace)
		_ = e.driver.Remove(ctx, containerID)
		e.rollbackCreate(ctx, cluster)
		return nil, err
	}

	metrics.LifecycleOps.WithLabelValues("create").Inc()
	e.logger.Info().
		Str("cluster_id", id).
		Str("name", name).
		Str("template", tmpl.Name).
		Int("port", port).
		Msg("cluster created")
	e.publish(events.EventClusterCreated, cluster, "cluster "+name+" created")

	return cluster, nil
}

// Start brings a STOPPED or FAILED cluster back to RUNNING, reapplying the
// persisted quotas. The previous container, if any, is replaced.
func (e *Engine) Start(ctx context.Context, principal types.Principal, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cluster, err := e.authorized(principal, id)
	if err != nil {
		return err
	}
	if cluster.State != types.ClusterStateStopped && cluster.State != types.ClusterStateFailed {
		return errdefs.IllegalState("cannot start cluster in %s", cluster.State)
	}

	if err := e.transition(cluster, types.ClusterStateStarting); err != nil {
		return err
	}
	if err := e.startContainer(ctx, cluster); err != nil {
		// Back to a stable operable state; the caller may retry.
		cluster.ContainerID = ""
		_ = e.transition(cluster, types.ClusterStateFailed)
		return err
	}
	if err := e.transition(cluster, types.ClusterStateRunning); err != nil {
		return err
	}

	metrics.LifecycleOps.WithLabelValues("start").Inc()
	e.publish(events.EventClusterStarted, cluster, "cluster "+cluster.Name+" started")
	return nil
}

// Stop halts a RUNNING cluster's container. Nothing is freed: port,
// workspace and record survive for a later start.
func (e *Engine) Stop(ctx context.Context, principal types.Principal, id string, grace time.Duration) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if grace <= 0 {
		grace = defaultStopGrace
	}

	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cluster, err := e.authorized(principal, id)
	if err != nil {
		return err
	}
	if cluster.State != types.ClusterStateRunning {
		return errdefs.IllegalState("cannot stop cluster in %s", cluster.State)
	}

	if err := e.transition(cluster, types.ClusterStateStopping); err != nil {
		return err
	}
	if err := e.driver.Stop(ctx, cluster.ContainerID, grace); err != nil && !errdefs.IsRuntimeNotFound(err) {
		// The container is presumably still up. FAILED is reserved for
		// health-driven transitions, so stay RUNNING and let the caller
		// retry; the monitor observes the real outcome either way.
		_ = e.transition(cluster, types.ClusterStateRunning)
		return err
	}
	if err := e.transition(cluster, types.ClusterStateStopped); err != nil {
		return err
	}

	metrics.LifecycleOps.WithLabelValues("stop").Inc()
	e.publish(events.EventClusterStopped, cluster, "cluster "+cluster.Name+" stopped")
	return nil
}

// Delete tears a cluster down in converge-able order: stop, remove
// container, remove workspace, release port, persist DELETED.
func (e *Engine) Delete(ctx context.Context, principal types.Principal, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cluster, err := e.authorized(principal, id)
	if err != nil {
		return err
	}
	if cluster.State.IsTransient() {
		return errdefs.IllegalState("cannot delete cluster in %s", cluster.State)
	}

	if err := e.transition(cluster, types.ClusterStateDeleting); err != nil {
		return err
	}
	if err := e.finishDelete(ctx, cluster); err != nil {
		return err
	}

	metrics.LifecycleOps.WithLabelValues("delete").Inc()
	e.publish(events.EventClusterDeleted, cluster, "cluster "+cluster.Name+" deleted")
	return nil
}

// finishDelete completes the delete ordering for a cluster already in
// DELETING. Also used by startup reconciliation to resume an interrupted
// delete. Caller holds the cluster lock.
func (e *Engine) finishDelete(ctx context.Context, cluster *types.Cluster) error {
	if cluster.ContainerID != "" {
		if err := e.driver.Stop(ctx, cluster.ContainerID, defaultStopGrace); err != nil && !errdefs.IsRuntimeNotFound(err) {
			return err
		}
		if err := e.driver.Remove(ctx, cluster.ContainerID); err != nil {
			return err
		}
		cluster.ContainerID = ""
	}
	if err := e.workspaces.Destroy(cluster); err != nil {
		return err
	}
	e.allocator.Release(cluster.Port)
	return e.transition(cluster, types.ClusterStateDeleted)
}

// UpdateLimits persists new quotas and, when the cluster is RUNNING,
// reapplies cpu/memory to the live container. Identical quotas are a
// no-op.
func (e *Engine) UpdateLimits(ctx context.Context, principal types.Principal, id string, quotas types.Quotas) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if !quotas.Valid() {
		return errdefs.IllegalState("invalid quotas: cpu, memory and disk must be positive")
	}

	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cluster, err := e.authorized(principal, id)
	if err != nil {
		return err
	}
	if cluster.State.IsTransient() {
		return errdefs.IllegalState("cannot update limits of cluster in %s", cluster.State)
	}
	if cluster.Quotas == quotas {
		return nil
	}

	cluster.Quotas = quotas
	if err := e.store.SaveCluster(cluster); err != nil {
		return fmt.Errorf("failed to persist quotas: %w", err)
	}

	if cluster.State == types.ClusterStateRunning {
		if err := e.driver.UpdateLimits(ctx, cluster.ContainerID, quotas); err != nil {
			return err
		}
	}

	metrics.LifecycleOps.WithLabelValues("update_limits").Inc()
	e.publish(events.EventClusterUpdated, cluster, "cluster "+cluster.Name+" limits updated")
	return nil
}

// Get returns a cluster the principal may see.
func (e *Engine) Get(principal types.Principal, id string) (*types.Cluster, error) {
	return e.authorized(principal, id)
}

// List returns every non-DELETED cluster visible to the principal.
func (e *Engine) List(principal types.Principal) ([]*types.Cluster, error) {
	var (
		clusters []*types.Cluster
		err      error
	)
	if principal.IsAdmin {
		clusters, err = e.store.ListClusters()
	} else {
		clusters, err = e.store.ListClustersByOwner(principal.UserID)
	}
	if err != nil {
		return nil, err
	}

	out := clusters[:0]
	for _, c := range clusters {
		if c.State != types.ClusterStateDeleted {
			out = append(out, c)
		}
	}
	return out, nil
}

// TryRestart performs a health-driven restart of a FAILED cluster. It
// acquires the cluster lock non-blockingly: (false, nil) means the lock
// was contended and the caller should retry on its next tick.
func (e *Engine) TryRestart(ctx context.Context, id string) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}

	mu := e.lockFor(id)
	if !mu.TryLock() {
		return false, nil
	}
	defer mu.Unlock()

	cluster, err := e.store.GetCluster(id)
	if err != nil {
		return true, err
	}
	if cluster.State != types.ClusterStateFailed {
		return true, errdefs.IllegalState("cannot restart cluster in %s", cluster.State)
	}

	cluster.RestartAttempts++
	if err := e.transition(cluster, types.ClusterStateRestarting); err != nil {
		return true, err
	}
	if err := e.startContainer(ctx, cluster); err != nil {
		cluster.ContainerID = ""
		_ = e.transition(cluster, types.ClusterStateFailed)
		return true, err
	}
	if err := e.transition(cluster, types.ClusterStateRunning); err != nil {
		return true, err
	}

	metrics.RestartsTotal.Inc()
	e.logger.Info().
		Str("cluster_id", id).
		Int("attempt", cluster.RestartAttempts).
		Msg("cluster restarted by recovery")
	e.publish(events.EventClusterRecovery, cluster, "cluster "+cluster.Name+" restarted by recovery")
	return true, nil
}

// TryMutate runs a health-driven mutation of the cluster record under the
// cluster lock, non-blockingly. Recovery uses it for FAILED transitions,
// counter resets and cooldown stamps. (false, nil) means contended.
func (e *Engine) TryMutate(id string, mutate func(*types.Cluster) error) (bool, error) {
	mu := e.lockFor(id)
	if !mu.TryLock() {
		return false, nil
	}
	defer mu.Unlock()

	cluster, err := e.store.GetCluster(id)
	if err != nil {
		return true, err
	}
	prev := cluster.State
	if err := mutate(cluster); err != nil {
		return true, err
	}
	if cluster.State != prev {
		cluster.LastTransition = time.Now().UTC()
	}
	if err := e.store.SaveCluster(cluster); err != nil {
		return true, fmt.Errorf("failed to persist cluster: %w", err)
	}
	if cluster.State == types.ClusterStateFailed && prev != types.ClusterStateFailed {
		e.publish(events.EventClusterFailed, cluster, "cluster "+cluster.Name+" failed")
	}
	return true, nil
}

// WithLock runs fn holding the cluster's lifecycle lock. The backup
// engine uses it to keep the archive critical section mutually exclusive
// with lifecycle operations on the same cluster.
func (e *Engine) WithLock(id string, fn func() error) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// startContainer replaces the cluster's container with a fresh one built
// from the workspace manifest and the persisted quotas. Caller holds the
// cluster lock and has already moved the state machine.
func (e *Engine) startContainer(ctx context.Context, cluster *types.Cluster) error {
	manifest, err := e.workspaces.ReadManifest(cluster.ID)
	if err != nil {
		return err
	}

	if cluster.ContainerID != "" {
		if err := e.driver.Remove(ctx, cluster.ContainerID); err != nil {
			return err
		}
		cluster.ContainerID = ""
	}

	containerID, err := e.driver.Run(ctx, e.runSpec(cluster, manifest.Image, manifest.ContainerPort, manifest.Env))
	if err != nil {
		return err
	}
	cluster.ContainerID = containerID
	return nil
}

func (e *Engine) runSpec(cluster *types.Cluster, image string, containerPort int, env map[string]string) runtime.RunSpec {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	return runtime.RunSpec{
		Name:          cluster.Name,
		Image:         image,
		Env:           envList,
		HostPort:      cluster.Port,
		ContainerPort: containerPort,
		WorkspacePath: e.workspaces.Path(cluster.ID),
		Quotas:        cluster.Quotas,
		Labels: map[string]string{
			"io.clusterforge.cluster_id": cluster.ID,
			"io.clusterforge.template":   cluster.TemplateName,
		},
	}
}

// transition persists a state change with a monotonic timestamp.
func (e *Engine) transition(cluster *types.Cluster, next types.ClusterState) error {
	cluster.State = next
	cluster.LastTransition = time.Now().UTC()
	if err := e.store.SaveCluster(cluster); err != nil {
		return fmt.Errorf("failed to persist %s transition: %w", next, err)
	}
	return nil
}

// rollbackCreate unwinds a partially created cluster: workspace, port and,
// when the record was persisted, the record itself ends in DELETED.
func (e *Engine) rollbackCreate(ctx context.Context, cluster *types.Cluster) {
	if cluster.ContainerID != "" {
		_ = e.driver.Remove(ctx, cluster.ContainerID)
	}
	cluster.State = types.ClusterStateDeleting
	if err := e.workspaces.Destroy(cluster); err != nil {
		e.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("rollback: cannot remove workspace")
	}
	e.allocator.Release(cluster.Port)
	cluster.State = types.ClusterStateDeleted
	if err := e.store.SaveCluster(cluster); err != nil {
		e.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("rollback: cannot persist DELETED")
	}
}

func (e *Engine) authorized(principal types.Principal, id string) (*types.Cluster, error) {
	cluster, err := e.store.GetCluster(id)
	if err != nil {
		return nil, err
	}
	if cluster.State == types.ClusterStateDeleted {
		return nil, errdefs.NotFound("cluster %s", id)
	}
	if !principal.CanAccess(cluster.OwnerID) {
		return nil, errdefs.Unauthorized("user %s may not act on cluster %s", principal.UserID, id)
	}
	return cluster, nil
}

// pickName derives the cluster name, regenerating the suffix on collision.
func (e *Engine) pickName(baseName, templateName, id string) (string, error) {
	suffix := nameSuffix(id)
	for attempt := 0; attempt < nameAttempts; attempt++ {
		var name string
		if baseName != "" {
			name = baseName + "-" + templateName + "-" + suffix
		} else {
			name = templateName + "-" + suffix
		}
		if _, err := e.store.GetClusterByName(name); errdefs.IsNotFound(err) {
			return name, nil
		} else if err != nil {
			return "", err
		}
		suffix = nameSuffix(uuid.New().String())
	}
	return "", errdefs.Conflict("could not derive a unique name for base %q and template %q", baseName, templateName)
}

func nameSuffix(id string) string {
	return strings.ReplaceAll(id, "-", "")[:6]
}

func (e *Engine) publish(eventType events.EventType, cluster *types.Cluster, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:      eventType,
		ClusterID: cluster.ID,
		Message:   message,
		Metadata: map[string]string{
			"name":  cluster.Name,
			"state": string(cluster.State),
		},
	})
}

// mergeQuotas overrides template defaults field-by-field with positive
// values from the request. NetworkMBps overrides on any non-negative set
// value only when the caller provided quotas at all.
func mergeQuotas(defaults types.Quotas, override *types.Quotas) types.Quotas {
	if override == nil {
		return defaults
	}
	merged := defaults
	if override.CPUCores > 0 {
		merged.CPUCores = override.CPUCores
	}
	if override.MemoryMB > 0 {
		merged.MemoryMB = override.MemoryMB
	}
	if override.DiskGB > 0 {
		merged.DiskGB = override.DiskGB
	}
	if override.NetworkMBps >= 0 {
		merged.NetworkMBps = override.NetworkMBps
	}
	return merged
}
