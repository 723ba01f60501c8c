/*
Package metrics carries both observability surfaces of the control plane.

The Prometheus collectors in metrics.go instrument the control plane
itself: lifecycle operation counts, probe outcomes, restarts, cooldowns,
alert volume, backup results and cluster counts by state. They register
on the default registry at init and are exposed by the server command
via Handler().

The Sampler implements per-cluster resource collection. Every tick it
reads stats for each RUNNING cluster, derives percent-of-quota ratios,
persists a bounded per-cluster history, and decides whether to push: a
snapshot goes out when a tracked field moved by more than the configured
epsilon, a discrete field flipped, or the max-silence interval elapsed.

Subscribers receive the full per-cluster sample map filtered to the
clusters their principal may see, with an immediate resync snapshot on
subscribe. Delivery is latest-wins over a one-slot channel, so a slow
subscriber sees coalesced updates and the sampler never blocks.
*/
package metrics
