package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/types"
)

var (
	// Bucket names
	bucketClusters       = []byte("clusters")
	bucketHealthSamples  = []byte("health_samples")
	bucketMetricsSamples = []byte("metrics_samples")
	bucketAlerts         = []byte("alerts")
	bucketBackups        = []byte("backups")
)

// sampleKey orders samples chronologically within a cluster prefix.
func sampleKey(clusterID string, ts time.Time) []byte {
	return []byte(clusterID + "/" + ts.UTC().Format(time.RFC3339Nano))
}

func samplePrefix(clusterID string) []byte {
	return []byte(clusterID + "/")
}

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "clusterforge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketClusters,
			bucketHealthSamples,
			bucketMetricsSamples,
			bucketAlerts,
			bucketBackups,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Cluster operations

func (s *BoltStore) SaveCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data, err := json.Marshal(cluster)
		if err != nil {
			return err
		}
		return b.Put([]byte(cluster.ID), data)
	})
}

func (s *BoltStore) GetCluster(id string) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("cluster %s", id)
		}
		return json.Unmarshal(data, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) GetClusterByName(name string) (*types.Cluster, error) {
	var found *types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		return b.ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			if cluster.Name == name && cluster.State != types.ClusterStateDeleted {
				found = &cluster
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("cluster named %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		return b.ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			clusters = append(clusters, &cluster)
			return nil
		})
	})
	return clusters, err
}

func (s *BoltStore) ListClustersByOwner(ownerID string) ([]*types.Cluster, error) {
	clusters, err := s.ListClusters()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Cluster
	for _, c := range clusters {
		if c.OwnerID == ownerID {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// Health sample operations

func (s *BoltStore) AppendHealthSample(sample *types.HealthSample, keep int) error {
	return s.appendSample(bucketHealthSamples, sample.ClusterID, sample.Timestamp, sample, keep)
}

func (s *BoltStore) ListHealthSamples(clusterID string, limit int) ([]*types.HealthSample, error) {
	var samples []*types.HealthSample
	err := s.listSamples(bucketHealthSamples, clusterID, limit, func(v []byte) error {
		var sample types.HealthSample
		if err := json.Unmarshal(v, &sample); err != nil {
			return err
		}
		samples = append(samples, &sample)
		return nil
	})
	return samples, err
}

// Metrics sample operations

func (s *BoltStore) AppendMetricsSample(sample *types.MetricsSample, keep int) error {
	return s.appendSample(bucketMetricsSamples, sample.ClusterID, sample.Timestamp, sample, keep)
}

func (s *BoltStore) ListMetricsSamples(clusterID string, limit int) ([]*types.MetricsSample, error) {
	var samples []*types.MetricsSample
	err := s.listSamples(bucketMetricsSamples, clusterID, limit, func(v []byte) error {
		var sample types.MetricsSample
		if err := json.Unmarshal(v, &sample); err != nil {
			return err
		}
		samples = append(samples, &sample)
		return nil
	})
	return samples, err
}

func (s *BoltStore) LatestMetricsSample(clusterID string) (*types.MetricsSample, error) {
	samples, err := s.ListMetricsSamples(clusterID, 1)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errdefs.NotFound("no metrics samples for cluster %s", clusterID)
	}
	return samples[0], nil
}

// appendSample writes one sample under the cluster's chronological prefix
// and prunes the oldest entries beyond keep. keep <= 0 disables pruning.
func (s *BoltStore) appendSample(bucket []byte, clusterID string, ts time.Time, sample any, keep int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		if err := b.Put(sampleKey(clusterID, ts), data); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}

		prefix := samplePrefix(clusterID)
		c := b.Cursor()
		count := 0
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		for k, _ := c.Seek(prefix); count > keep && k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			count--
		}
		return nil
	})
}

// listSamples visits up to limit samples for a cluster, newest first.
// limit <= 0 returns all.
func (s *BoltStore) listSamples(bucket []byte, clusterID string, limit int, visit func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		prefix := samplePrefix(clusterID)
		c := b.Cursor()

		// Position at the last key of the prefix range.
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := len(keys) - 1; i >= 0; i-- {
			if limit > 0 && len(keys)-1-i >= limit {
				break
			}
			if err := visit(b.Get(keys[i])); err != nil {
				return err
			}
		}
		return nil
	})
}

// Alert operations

func (s *BoltStore) SaveAlert(alert *types.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		return b.Put([]byte(alert.ID), data)
	})
}

func (s *BoltStore) GetAlert(id string) (*types.Alert, error) {
	var alert types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("alert %s", id)
		}
		return json.Unmarshal(data, &alert)
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *BoltStore) ListAlerts(clusterID string) ([]*types.Alert, error) {
	var alerts []*types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		return b.ForEach(func(k, v []byte) error {
			var alert types.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return err
			}
			if clusterID == "" || alert.ClusterID == clusterID {
				alerts = append(alerts, &alert)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].OpenedAt.Before(alerts[j].OpenedAt) })
	return alerts, nil
}

func (s *BoltStore) ListOpenAlerts() ([]*types.Alert, error) {
	alerts, err := s.ListAlerts("")
	if err != nil {
		return nil, err
	}
	var open []*types.Alert
	for _, a := range alerts {
		if !a.Resolved() {
			open = append(open, a)
		}
	}
	return open, nil
}

func (s *BoltStore) FindOpenAlert(clusterID, kind string) (*types.Alert, error) {
	alerts, err := s.ListAlerts(clusterID)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		if a.Kind == kind && !a.Resolved() {
			return a, nil
		}
	}
	return nil, errdefs.NotFound("no open %s alert for cluster %s", kind, clusterID)
}

// Backup operations

func (s *BoltStore) SaveBackup(backup *types.Backup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data, err := json.Marshal(backup)
		if err != nil {
			return err
		}
		return b.Put([]byte(backup.ID), data)
	})
}

func (s *BoltStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("backup %s", id)
		}
		return json.Unmarshal(data, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) ListBackupsByCluster(clusterID string) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		return b.ForEach(func(k, v []byte) error {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if backup.ClusterID == clusterID {
				backups = append(backups, &backup)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt.Before(backups[j].CreatedAt) })
	return backups, nil
}

func (s *BoltStore) ListBackupsBefore(clusterID string, cutoff time.Time) ([]*types.Backup, error) {
	backups, err := s.ListBackupsByCluster(clusterID)
	if err != nil {
		return nil, err
	}
	var old []*types.Backup
	for _, b := range backups {
		if b.CreatedAt.Before(cutoff) {
			old = append(old, b)
		}
	}
	return old, nil
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		return b.Delete([]byte(id))
	})
}
