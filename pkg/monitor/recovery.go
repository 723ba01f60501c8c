package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/metrics"
	"github.com/kami-note/clusterforge/pkg/types"
)

type decision int

const (
	decisionImmediate decision = iota
	decisionDelayed
	decisionCooldown
)

// recover drives one recovery step for a FAILED cluster: serve or reset
// cooldown, honor the inter-attempt backoff, then try the restart.
func (m *Monitor) recover(ctx context.Context, cluster *types.Cluster) {
	policy := cluster.Recovery
	if !policy.RestartsEnabled {
		return
	}
	now := m.now()

	if !cluster.CooldownUntil.IsZero() {
		if now.Before(cluster.CooldownUntil) {
			return
		}
		// Cooldown served: a fresh attempt cycle begins.
		applied, err := m.engine.TryMutate(cluster.ID, func(c *types.Cluster) error {
			c.RestartAttempts = 0
			c.CooldownUntil = time.Time{}
			return nil
		})
		if !applied || err != nil {
			return
		}
		cluster.RestartAttempts = 0
		cluster.CooldownUntil = time.Time{}
		m.mu.Lock()
		delete(m.lastFailureSig, cluster.ID)
		delete(m.nextAttempt, cluster.ID)
		m.mu.Unlock()
		m.logger.Info().Str("cluster_id", cluster.ID).Msg("cooldown served, resuming recovery")
	}

	if cluster.RestartAttempts >= policy.MaxAttempts {
		m.enterCooldown(cluster, "restart attempts exhausted")
		return
	}

	m.mu.Lock()
	next, scheduled := m.nextAttempt[cluster.ID]
	m.mu.Unlock()
	if scheduled && now.Before(next) {
		return
	}

	acquired, err := m.engine.TryRestart(ctx, cluster.ID)
	if !acquired {
		return // lifecycle operation in flight; the next tick retries
	}
	if err != nil {
		// A retryable failure (state changed under us, daemon unreachable)
		// consumed nothing; the next tick re-evaluates from fresh state.
		if errdefs.Retryable(err) {
			m.logger.Debug().Err(err).Str("cluster_id", cluster.ID).Msg("restart attempt deferred")
			return
		}
		m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("restart attempt failed")
		fresh, gerr := m.store.GetCluster(cluster.ID)
		if gerr != nil {
			return
		}
		if fresh.RestartAttempts >= policy.MaxAttempts {
			m.enterCooldown(fresh, "restart attempts exhausted")
			return
		}
		m.scheduleRecovery(ctx, fresh, fresh.RestartAttempts+1)
		return
	}

	m.mu.Lock()
	delete(m.nextAttempt, cluster.ID)
	m.mu.Unlock()
}

// scheduleRecovery classifies the failure and stamps the earliest instant
// the next restart may run. attempt is the number of the attempt being
// scheduled, 1-based.
func (m *Monitor) scheduleRecovery(ctx context.Context, cluster *types.Cluster, attempt int) {
	dec, sig := m.classify(ctx, cluster)
	now := m.now()

	switch dec {
	case decisionCooldown:
		m.logger.Warn().
			Str("cluster_id", cluster.ID).
			Str("signature", sig).
			Msg("identical failure repeating, skipping to cooldown")
		m.enterCooldown(cluster, "identical failure repeating: "+sig)
	case decisionDelayed:
		m.setNextAttempt(cluster.ID, now.Add(m.backoff(cluster.Recovery, attempt)))
	default:
		if attempt <= 1 {
			m.setNextAttempt(cluster.ID, now)
		} else {
			m.setNextAttempt(cluster.ID, now.Add(m.backoff(cluster.Recovery, attempt)))
		}
	}
}

// classify inspects the exit code and recent log lines to pick a restart
// strategy. Known transient patterns wait out the backoff; the same real
// signature repeating across attempts skips straight to cooldown.
func (m *Monitor) classify(ctx context.Context, cluster *types.Cluster) (decision, string) {
	var (
		exitCode int
		lines    []string
	)
	if cluster.ContainerID != "" {
		if status, err := m.inspect(ctx, cluster.ContainerID); err == nil {
			exitCode = status.ExitCode
		}
		logCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		lines, _ = m.driver.Logs(logCtx, cluster.ContainerID, logTail)
		cancel()
	}

	sig := ""
	if exitCode != 0 || len(lines) > 0 {
		sig = fmt.Sprintf("exit=%d", exitCode)
		if len(lines) > 0 {
			sig += "|" + strings.TrimSpace(lines[len(lines)-1])
		}
	}

	m.mu.Lock()
	prev := m.lastFailureSig[cluster.ID]
	m.lastFailureSig[cluster.ID] = sig
	m.mu.Unlock()

	// An indeterminate signature (no container, clean exit, no logs) never
	// counts as a repeat; the attempt counter bounds those.
	if sig != "" && sig == prev {
		return decisionCooldown, sig
	}

	joined := strings.ToLower(strings.Join(lines, "\n"))
	switch {
	case exitCode == 137, strings.Contains(joined, "out of memory"), strings.Contains(joined, "oom-kill"):
		return decisionDelayed, sig
	case strings.Contains(joined, "address already in use"):
		return decisionDelayed, sig
	}
	return decisionImmediate, sig
}

// enterCooldown stamps the cooldown window and raises the CRITICAL alert.
func (m *Monitor) enterCooldown(cluster *types.Cluster, reason string) {
	until := m.now().Add(cluster.Recovery.Cooldown)
	applied, err := m.engine.TryMutate(cluster.ID, func(c *types.Cluster) error {
		c.CooldownUntil = until
		return nil
	})
	if !applied || err != nil {
		return
	}

	metrics.CooldownsTotal.Inc()
	m.logger.Error().
		Str("cluster_id", cluster.ID).
		Time("until", until).
		Str("reason", reason).
		Msg("recovery entering cooldown")

	if _, err := m.alerts.Raise(cluster.ID, types.AlertSeverityCritical, AlertKindExhausted,
		fmt.Sprintf("cluster %s recovery suspended until %s: %s",
			cluster.Name, until.Format(time.RFC3339), reason)); err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("cannot raise alert")
	}
}

func (m *Monitor) setNextAttempt(clusterID string, at time.Time) {
	m.mu.Lock()
	m.nextAttempt[clusterID] = at
	m.mu.Unlock()
}

// backoff is retryInterval * 2^(attempt-1), capped.
func (m *Monitor) backoff(policy types.RecoveryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := policy.RetryInterval << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
