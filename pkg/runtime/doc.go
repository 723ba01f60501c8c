/*
Package runtime wraps the container runtime behind the Driver capability set.

The control plane needs exactly: run, stop, remove, inspect, stats, exec,
logs, pause/unpause and live limit updates. DockerDriver implements these
against a Docker-compatible daemon through the official client SDK with
API version negotiation.

# Timeouts

Every call is bounded by a wall-clock timeout (default 10s, stats 5s, stop
additionally granted its grace period). Expiry surfaces as
errdefs.ErrRuntimeTimeout so a hung daemon can never stall lifecycle
operations for other clusters.

# Error mapping

Daemon errors collapse onto the shared taxonomy:

  - missing container            → errdefs.ErrRuntimeNotFound
  - unreachable daemon           → errdefs.ErrRuntimeUnavailable (retryable)
  - deadline expiry              → errdefs.ErrRuntimeTimeout
  - everything else              → errdefs.ErrRuntime with the daemon's message

# Limits

CPU and memory quotas map to NanoCPUs and Memory and are reapplied live via
container update. Disk and network quotas are recorded as container labels;
the daemon offers no portable way to change them on a running container, so
they take effect on the next start.
*/
package runtime
