/*
Package probe provides the low-level health checkers the monitor loop
composes into per-cluster probes.

Two checkers are implemented:

  - TCPChecker: connects to the cluster's assigned host port. Reachable
    within the timeout means healthy.
  - HTTPChecker: issues a request against a template-declared health
    path and validates the status code range (2xx by default).

A Checker is stateless and safe for reuse across ticks; the caller owns
timeouts via the checker configuration and the passed context. The
Result carries the measured latency, which the monitor records into the
cluster's health history.
*/
package probe
