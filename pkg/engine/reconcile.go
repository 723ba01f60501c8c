package engine

import (
	"context"

	"github.com/kami-note/clusterforge/pkg/types"
)

// Reconcile converges persisted state with the world after a process
// start: ports held by live clusters are reserved, interrupted transient
// states are demoted to their stable outcome, interrupted deletes are
// resumed, and orphan workspaces are swept.
func (e *Engine) Reconcile(ctx context.Context) error {
	clusters, err := e.store.ListClusters()
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(clusters))
	for _, cluster := range clusters {
		if cluster.State == types.ClusterStateDeleted {
			continue
		}
		live[cluster.ID] = true
		e.allocator.Reserve(cluster.Port)

		switch cluster.State {
		case types.ClusterStateStarting, types.ClusterStateRestarting:
			// The start never finished; the container may or may not exist.
			// FAILED puts recovery in charge.
			if err := e.transition(cluster, types.ClusterStateFailed); err != nil {
				return err
			}
			e.logger.Warn().Str("cluster_id", cluster.ID).Msg("demoted interrupted start to FAILED")
		case types.ClusterStateStopping:
			if err := e.transition(cluster, types.ClusterStateStopped); err != nil {
				return err
			}
			e.logger.Warn().Str("cluster_id", cluster.ID).Msg("demoted interrupted stop to STOPPED")
		case types.ClusterStateDeleting:
			e.logger.Warn().Str("cluster_id", cluster.ID).Msg("resuming interrupted delete")
			if err := e.finishDelete(ctx, cluster); err != nil {
				e.logger.Error().Err(err).Str("cluster_id", cluster.ID).Msg("cannot resume delete")
				continue
			}
			delete(live, cluster.ID)
			// finishDelete released the port already.
		}
	}

	// Workspaces with no live cluster behind them are orphans.
	onDisk, err := e.workspaces.List()
	if err != nil {
		return err
	}
	var orphans []string
	for _, id := range onDisk {
		if !live[id] {
			orphans = append(orphans, id)
		}
	}
	e.workspaces.Sweep(orphans)

	e.logger.Info().
		Int("clusters", len(live)).
		Int("orphan_workspaces", len(orphans)).
		Msg("reconciliation complete")
	return nil
}
