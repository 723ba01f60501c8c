package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kami-note/clusterforge/pkg/alerts"
	"github.com/kami-note/clusterforge/pkg/config"
	"github.com/kami-note/clusterforge/pkg/engine"
	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/events"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/metrics"
	"github.com/kami-note/clusterforge/pkg/runtime"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/types"
	"github.com/kami-note/clusterforge/pkg/workspace"
)

// AlertKindBackupFailed marks a snapshot run that left no archive behind.
const AlertKindBackupFailed = "backup-failed"

// Manager takes workspace snapshots, restores them, and runs the
// scheduler that honors each cluster's BackupPolicy.
type Manager struct {
	store      storage.Store
	engine     *engine.Engine
	driver     runtime.Driver
	workspaces *workspace.Manager
	alerts     *alerts.Manager
	broker     *events.Broker
	cfg        config.BackupsConfig

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager ensures the backup root exists and wires a backup manager.
func NewManager(store storage.Store, eng *engine.Engine, driver runtime.Driver,
	workspaces *workspace.Manager, alertMgr *alerts.Manager, broker *events.Broker,
	cfg config.BackupsConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup root: %w", err)
	}
	return &Manager{
		store:      store,
		engine:     eng,
		driver:     driver,
		workspaces: workspaces,
		alerts:     alertMgr,
		broker:     broker,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     log.WithComponent("backup"),
		now:        time.Now,
	}, nil
}

// Start begins the scheduler loop.
func (m *Manager) Start() {
	go func() {
		defer close(m.doneCh)

		ticker := time.NewTicker(m.cfg.SchedulerTick)
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

// Stop drains the scheduler loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// tick snapshots every cluster whose policy interval has elapsed.
func (m *Manager) tick(ctx context.Context) {
	clusters, err := m.store.ListClusters()
	if err != nil {
		m.logger.Error().Err(err).Msg("cannot list clusters")
		return
	}
	for _, cluster := range clusters {
		if !m.due(cluster) {
			continue
		}
		if _, err := m.Snapshot(ctx, cluster.ID, cluster.Backup.Kind, "scheduled backup"); err != nil {
			m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("scheduled backup failed")
		}
	}
}

func (m *Manager) due(cluster *types.Cluster) bool {
	policy := cluster.Backup
	if !policy.AutoBackupEnabled || policy.IntervalHours <= 0 {
		return false
	}
	if cluster.State.IsTransient() || cluster.State == types.ClusterStateDeleted {
		return false
	}
	if policy.LastBackupAt.IsZero() {
		return true
	}
	interval := time.Duration(policy.IntervalHours) * time.Hour
	return m.now().Sub(policy.LastBackupAt) >= interval
}

// Snapshot archives a cluster's workspace under the cluster lifecycle
// lock. A RUNNING container is paused for the duration when the runtime
// allows it; otherwise the live workspace is archived with a warning. A
// failed run leaves no partial artifacts and raises a LOW alert.
func (m *Manager) Snapshot(ctx context.Context, clusterID string, kind types.BackupKind, description string) (*types.Backup, error) {
	if kind == "" {
		kind = types.BackupKindFull
	}

	var backup *types.Backup
	err := m.engine.WithLock(clusterID, func() error {
		cluster, err := m.store.GetCluster(clusterID)
		if err != nil {
			return err
		}
		if cluster.State.IsTransient() || cluster.State == types.ClusterStateDeleted {
			return errdefs.IllegalState("cannot snapshot cluster in %s", cluster.State)
		}

		if cluster.State == types.ClusterStateRunning && cluster.ContainerID != "" {
			if err := m.driver.Pause(ctx, cluster.ContainerID); err != nil {
				m.logger.Warn().Err(err).Str("cluster_id", clusterID).
					Msg("cannot pause container, archiving live workspace")
			} else {
				defer func() {
					if err := m.driver.Unpause(ctx, cluster.ContainerID); err != nil {
						m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("cannot unpause container")
					}
				}()
			}
		}

		id := uuid.New().String()
		dir := filepath.Join(m.cfg.Root, clusterID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create backup dir: %w", err)
		}
		archivePath := filepath.Join(dir, id+".tar.gz")
		sidecarPath := filepath.Join(dir, id+".yaml")

		checksum, size, err := writeArchive(m.workspaces.Path(clusterID), archivePath, kindIncludes(kind))
		if err != nil {
			os.Remove(archivePath)
			return err
		}

		createdAt := m.now().UTC()
		if err := writeManifest(sidecarPath, Manifest{
			ID:          id,
			ClusterID:   clusterID,
			ClusterName: cluster.Name,
			Template:    cluster.TemplateName,
			Kind:        kind,
			Checksum:    checksum,
			CreatedAt:   createdAt,
		}); err != nil {
			os.Remove(archivePath)
			os.Remove(sidecarPath)
			return err
		}

		backup = &types.Backup{
			ID:           id,
			ClusterID:    clusterID,
			TemplateName: cluster.TemplateName,
			Kind:         kind,
			ArchivePath:  archivePath,
			SizeBytes:    size,
			Checksum:     checksum,
			CreatedAt:    createdAt,
			Description:  description,
			Verified:     true,
		}
		if err := m.store.SaveBackup(backup); err != nil {
			os.Remove(archivePath)
			os.Remove(sidecarPath)
			return err
		}

		cluster.Backup.LastBackupAt = createdAt
		if err := m.store.SaveCluster(cluster); err != nil {
			m.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("cannot stamp last backup time")
		}
		return nil
	})
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("failed").Inc()
		if m.alerts != nil {
			if _, aerr := m.alerts.Raise(clusterID, types.AlertSeverityLow, AlertKindBackupFailed,
				fmt.Sprintf("backup of cluster %s failed: %v", clusterID, err)); aerr != nil {
				m.logger.Warn().Err(aerr).Str("cluster_id", clusterID).Msg("cannot raise alert")
			}
		}
		m.publish(events.EventBackupFailed, clusterID, "", fmt.Sprintf("backup failed: %v", err))
		return nil, err
	}

	metrics.BackupsTotal.WithLabelValues("ok").Inc()
	m.logger.Info().
		Str("cluster_id", clusterID).
		Str("backup_id", backup.ID).
		Str("kind", string(backup.Kind)).
		Int64("size_bytes", backup.SizeBytes).
		Msg("backup created")
	m.publish(events.EventBackupCreated, clusterID, backup.ID, "backup "+backup.ID+" created")

	m.applyRetention(clusterID)
	return backup, nil
}

// applyRetention prunes by age then by count. The most recent backup is
// never deleted.
func (m *Manager) applyRetention(clusterID string) {
	cluster, err := m.store.GetCluster(clusterID)
	if err != nil {
		return
	}
	backups, err := m.store.ListBackupsByCluster(clusterID)
	if err != nil || len(backups) == 0 {
		return
	}
	policy := cluster.Backup
	newest := backups[len(backups)-1].ID

	if policy.RetentionDays > 0 {
		cutoff := m.now().UTC().AddDate(0, 0, -policy.RetentionDays)
		expired, err := m.store.ListBackupsBefore(clusterID, cutoff)
		if err != nil {
			m.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("cannot list expired backups")
			return
		}
		pruned := make(map[string]bool, len(expired))
		for _, b := range expired {
			if b.ID == newest {
				continue
			}
			m.removeBackup(b)
			pruned[b.ID] = true
		}
		kept := backups[:0]
		for _, b := range backups {
			if !pruned[b.ID] {
				kept = append(kept, b)
			}
		}
		backups = kept
	}

	if policy.MaxBackups > 0 {
		for len(backups) > policy.MaxBackups && backups[0].ID != newest {
			m.removeBackup(backups[0])
			backups = backups[1:]
		}
	}
}

func (m *Manager) removeBackup(backup *types.Backup) {
	if err := os.Remove(backup.ArchivePath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("backup_id", backup.ID).Msg("cannot remove archive")
	}
	sidecar := strings.TrimSuffix(backup.ArchivePath, ".tar.gz") + ".yaml"
	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("backup_id", backup.ID).Msg("cannot remove backup manifest")
	}
	if err := m.store.DeleteBackup(backup.ID); err != nil {
		m.logger.Warn().Err(err).Str("backup_id", backup.ID).Msg("cannot delete backup record")
		return
	}
	m.logger.Info().Str("backup_id", backup.ID).Str("cluster_id", backup.ClusterID).Msg("backup pruned")
}

// Restore extracts a verified archive into a cluster's workspace and
// brings the cluster up from it. With an empty target a fresh cluster is
// created from the backup's template. The target's rendered runtime
// manifest is preserved: the archived one names the cluster the snapshot
// was taken from.
func (m *Manager) Restore(ctx context.Context, principal types.Principal, backupID, targetClusterID string) (*types.Cluster, error) {
	backup, err := m.store.GetBackup(backupID)
	if err != nil {
		return nil, m.restoreFailed(err)
	}

	sum, err := checksumFile(backup.ArchivePath)
	if err != nil {
		return nil, m.restoreFailed(err)
	}
	if sum != backup.Checksum {
		return nil, m.restoreFailed(errdefs.Integrity(
			"backup %s archive is corrupt: checksum %s, expected %s", backupID, sum, backup.Checksum))
	}

	staging, err := os.MkdirTemp("", "clusterforge-restore-")
	if err != nil {
		return nil, m.restoreFailed(fmt.Errorf("failed to create staging dir: %w", err))
	}
	defer os.RemoveAll(staging)
	if err := extractArchive(backup.ArchivePath, staging); err != nil {
		return nil, m.restoreFailed(err)
	}

	target := targetClusterID
	if target == "" {
		created, err := m.engine.Create(ctx, principal, engine.CreateRequest{
			Template: backup.TemplateName,
			BaseName: "restored",
		})
		if err != nil {
			return nil, m.restoreFailed(err)
		}
		target = created.ID
	}

	cluster, err := m.engine.Get(principal, target)
	if err != nil {
		return nil, m.restoreFailed(err)
	}
	if cluster.State == types.ClusterStateRunning {
		if err := m.engine.Stop(ctx, principal, target, 0); err != nil {
			return nil, m.restoreFailed(err)
		}
	}

	err = m.engine.WithLock(target, func() error {
		manifestPath := filepath.Join(m.workspaces.Path(target), workspace.RuntimeManifestName)
		manifest, err := os.ReadFile(manifestPath)
		if err != nil {
			return fmt.Errorf("failed to read runtime manifest: %w", err)
		}
		if err := m.workspaces.Replace(target, staging); err != nil {
			return err
		}
		return os.WriteFile(manifestPath, manifest, 0644)
	})
	if err != nil {
		return nil, m.restoreFailed(err)
	}

	if err := m.engine.Start(ctx, principal, target); err != nil {
		return nil, m.restoreFailed(err)
	}

	metrics.RestoresTotal.WithLabelValues("ok").Inc()
	m.logger.Info().
		Str("cluster_id", target).
		Str("backup_id", backupID).
		Msg("backup restored")
	m.publish(events.EventBackupRestored, target, backupID, "backup "+backupID+" restored")

	return m.engine.Get(principal, target)
}

func (m *Manager) restoreFailed(err error) error {
	metrics.RestoresTotal.WithLabelValues("failed").Inc()
	return err
}

func (m *Manager) publish(eventType events.EventType, clusterID, backupID, message string) {
	if m.broker == nil {
		return
	}
	event := &events.Event{
		Type:      eventType,
		ClusterID: clusterID,
		Message:   message,
	}
	if backupID != "" {
		event.Metadata = map[string]string{"backup_id": backupID}
	}
	m.broker.Publish(event)
}
