/*
Package errdefs defines the failure taxonomy shared by all ClusterForge
components.

Each design kind is a sentinel error. Components wrap a sentinel with
call-site context and callers classify with errors.Is or the Is*
predicates:

	if err := engine.Stop(ctx, p, id, grace); errdefs.IsIllegalState(err) {
		// transient-state collision, retry after a short wait
	}

Runtime failures carry four distinct kinds so the health loop can tell a
dead container (ErrRuntimeNotFound) from a dead daemon
(ErrRuntimeUnavailable) from a hung daemon (ErrRuntimeTimeout).
*/
package errdefs
