/*
Package types defines the core data structures used throughout ClusterForge.

This package contains the fundamental types of the control plane's domain
model: clusters, templates, quotas, health and metrics samples, alerts,
backups, and the per-cluster recovery and backup policies. All other
packages consume these types for state management and orchestration logic.

# Core Types

Cluster lifecycle:
  - Cluster: one managed container instance with its workspace, port,
    quotas, counters and policies
  - ClusterState: CREATED → STARTING → RUNNING and the stop/fail/delete
    transitions; DELETED is terminal
  - Quotas: cpu/memory/disk/network upper bounds

Templates:
  - Template: named on-disk descriptor a cluster is instantiated from

Observability:
  - HealthSample: one probe outcome (state, exit code, latency, reason)
  - MetricsSample: one resource snapshot with quota-relative percentages
  - Alert: threshold crossing with severity and coalescing metadata

Backups:
  - Backup: archived workspace snapshot with checksum and size
  - BackupKind: FULL, INCREMENTAL, CONFIG_ONLY, DATA_ONLY

Runtime driver views:
  - RuntimeStatus, RuntimeStats, ExecResult: the driver's raw readings,
    consumed by the lifecycle engine, health loop and metrics sampler

# Ownership

Entities are owned by their repository and referenced elsewhere by id only.
The lifecycle engine exclusively mutates a Cluster's placement fields; the
health loop mutates only its state/counter fields. The two sets are
disjoint, so the writers never conflict.
*/
package types
