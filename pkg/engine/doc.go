/*
Package engine implements the cluster lifecycle: create, start, stop,
delete and limit updates, orchestrating the template registry, port
allocator, workspace manager and runtime driver.

The engine exclusively owns the Cluster record's state machine:

	CREATED → STARTING → RUNNING → STOPPING → STOPPED
	                   ↘ FAILED → RESTARTING → RUNNING
	any non-DELETED → DELETING → DELETED

Transient states (STARTING, STOPPING, RESTARTING, DELETING) accept no
external operation; callers get IllegalState and retry. DELETED is
terminal.

Every cluster has one logical lock, allocated on demand in a process-wide
map and never freed. Lifecycle operations take it blocking; the recovery
loop goes through TryRestart and TryMutate, which take it non-blockingly
and report contention instead of waiting, so health-driven work never
stalls a user operation.

Create is transactional from the caller's view: port acquisition,
workspace materialization and container start unwind completely on
failure. Delete follows a converge-able order (stop, remove container,
remove workspace, release port, persist DELETED) so that Reconcile can
resume it after a crash between steps.

Sweep of startup reconciliation also covers workspaces with no backing
cluster record and staging directories left by an interrupted create.
*/
package engine
