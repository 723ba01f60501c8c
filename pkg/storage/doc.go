/*
Package storage persists ClusterForge state in an embedded bbolt database.

One bucket per entity, JSON-encoded values:

  - clusters:        Cluster records keyed by id (policies embedded)
  - health_samples:  HealthSample keyed by "clusterID/RFC3339Nano"
  - metrics_samples: MetricsSample keyed the same way
  - alerts:          Alert records keyed by id
  - backups:         Backup records keyed by id

Sample buckets are rolling windows: every append prunes the oldest
entries of that cluster beyond the caller's keep count, so reads stay
bounded without a separate compaction pass. The composite key keeps a
cluster's samples contiguous and chronologically ordered under a cursor
prefix scan.

The Store interface is the repository contract of the control plane;
operations either commit or return an error. Callers never share entity
pointers across aggregates — cross-references are by cluster id only.
*/
package storage
