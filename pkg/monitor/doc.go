/*
Package monitor implements the health-check and auto-recovery loop.

Every tick the monitor walks all clusters. RUNNING clusters get a probe
chain: container inspection, a TCP connect against the assigned host
port, and an optional HTTP check when the template declares a health
path. Each outcome is persisted as a HealthSample in a rolling window.

An UNHEALTHY sample transitions the cluster to FAILED and opens a
MEDIUM alert. FAILED clusters enter recovery: restarts are attempted
with an exponential inter-attempt backoff until the policy's attempt
budget is spent, at which point the cluster enters cooldown and a
CRITICAL alert opens. A healthy streak spanning a full cooldown clears
the attempt counter.

Failure classification reads the container's exit code and a log tail
before scheduling a restart: known transient patterns (out-of-memory,
bind address in use) wait out the backoff instead of restarting
immediately, and the same concrete failure signature repeating across
attempts skips straight to cooldown.

Recovery never blocks lifecycle operations. All health-driven writes go
through the engine's non-blocking lock acquisition and simply skip the
tick when a user operation holds the cluster; daemon access is wrapped
in a circuit breaker so an unreachable runtime yields UNKNOWN samples
instead of spurious FAILED transitions.
*/
package monitor
