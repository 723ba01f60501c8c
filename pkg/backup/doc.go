/*
Package backup snapshots cluster workspaces and restores them.

A snapshot is a gzipped tar of the workspace plus a YAML sidecar carrying
the archive's sha256 and enough metadata to restore into a fresh cluster.
Archives are taken under the cluster's lifecycle lock; a RUNNING container
is paused for the duration when the runtime allows it.

The scheduler ticks once a minute and snapshots every cluster whose
BackupPolicy interval has elapsed. After each successful snapshot the
retention rules prune by age and then by count, never touching the most
recent backup.

Restore verifies the checksum before touching anything: a mismatch aborts
with an integrity error and the target cluster is left as it was.
*/
package backup
