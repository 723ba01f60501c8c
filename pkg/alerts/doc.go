/*
Package alerts implements the alert log and its broadcast path.

Alerts are append-only with idempotent coalescing: while an open alert of
the same (cluster id, kind) pair was last seen within the coalescing
window, a new Raise refreshes its last-seen timestamp and message instead
of opening a duplicate. Severity may only escalate during coalescing.

Every open, update and resolve publishes an event on the broker and
fans out to registered Sinks. Sinks are opaque notification targets
(webhooks, email); delivery is fire-and-forget and never blocks the
raiser.
*/
package alerts
