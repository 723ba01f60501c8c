package storage

import (
	"time"

	"github.com/kami-note/clusterforge/pkg/types"
)

// Store is the persistence contract the control plane depends on.
// Operations are synchronous: they either commit or return an error; there
// is no implicit caching and no cross-entity joins beyond cluster id
// lookups. Per-cluster policies travel inside the Cluster record.
type Store interface {
	// Clusters
	SaveCluster(cluster *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	GetClusterByName(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	ListClustersByOwner(ownerID string) ([]*types.Cluster, error)

	// Health samples (append-only, rolling window per cluster)
	AppendHealthSample(sample *types.HealthSample, keep int) error
	ListHealthSamples(clusterID string, limit int) ([]*types.HealthSample, error)

	// Metrics samples (append-only, rolling window per cluster)
	AppendMetricsSample(sample *types.MetricsSample, keep int) error
	ListMetricsSamples(clusterID string, limit int) ([]*types.MetricsSample, error)
	LatestMetricsSample(clusterID string) (*types.MetricsSample, error)

	// Alerts
	SaveAlert(alert *types.Alert) error
	GetAlert(id string) (*types.Alert, error)
	ListAlerts(clusterID string) ([]*types.Alert, error)
	ListOpenAlerts() ([]*types.Alert, error)
	FindOpenAlert(clusterID, kind string) (*types.Alert, error)

	// Backups
	SaveBackup(backup *types.Backup) error
	GetBackup(id string) (*types.Backup, error)
	ListBackupsByCluster(clusterID string) ([]*types.Backup, error)
	ListBackupsBefore(clusterID string, cutoff time.Time) ([]*types.Backup, error)
	DeleteBackup(id string) error

	Close() error
}
