package runtime

import (
	"context"
	"time"

	"github.com/kami-note/clusterforge/pkg/types"
)

// RunSpec describes the container a cluster materializes into.
type RunSpec struct {
	// Name is the runtime-visible container name (the cluster name).
	Name  string
	Image string
	Env   []string

	// HostPort is published on 0.0.0.0 and forwarded to ContainerPort.
	HostPort      int
	ContainerPort int

	// WorkspacePath is bind-mounted read-write at /workspace.
	WorkspacePath string

	Quotas types.Quotas

	// Labels annotate the container for reconciliation and debugging.
	Labels map[string]string
}

// Driver is the capability set the control plane needs from a container
// runtime. Any implementation providing these operations is substitutable;
// all calls are bounded by per-call timeouts and surface the errdefs
// runtime taxonomy.
type Driver interface {
	// Run creates and starts a container, returning its runtime id.
	Run(ctx context.Context, spec RunSpec) (string, error)

	// Stop sends SIGTERM, waits up to grace, then kills.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Remove deletes a container. Removing an absent container is not an error.
	Remove(ctx context.Context, containerID string) error

	// Inspect reports the container's current state.
	Inspect(ctx context.Context, containerID string) (types.RuntimeStatus, error)

	// Stats takes a single resource usage reading.
	Stats(ctx context.Context, containerID string) (types.RuntimeStats, error)

	// Exec runs argv inside the container and captures its output.
	Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (types.ExecResult, error)

	// Logs returns up to tail recent log lines.
	Logs(ctx context.Context, containerID string, tail int) ([]string, error)

	// Pause freezes the container's processes; Unpause resumes them.
	Pause(ctx context.Context, containerID string) error
	Unpause(ctx context.Context, containerID string) error

	// UpdateLimits reapplies cpu/memory quotas to a running container.
	UpdateLimits(ctx context.Context, containerID string, quotas types.Quotas) error

	Close() error
}
