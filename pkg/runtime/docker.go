package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/types"
)

const (
	// DefaultTimeout bounds every driver call except Stats.
	DefaultTimeout = 10 * time.Second

	// DefaultStatsTimeout bounds Stats calls.
	DefaultStatsTimeout = 5 * time.Second

	// workspaceMountPath is where a cluster's workspace appears inside
	// its container.
	workspaceMountPath = "/workspace"
)

// DockerDriver implements Driver against a Docker-compatible daemon.
type DockerDriver struct {
	cli          client.APIClient
	timeout      time.Duration
	statsTimeout time.Duration
}

// NewDockerDriver connects to the daemon using the standard environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewDockerDriver(timeout, statsTimeout time.Duration) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if statsTimeout <= 0 {
		statsTimeout = DefaultStatsTimeout
	}
	return &DockerDriver{cli: cli, timeout: timeout, statsTimeout: statsTimeout}, nil
}

// Close closes the daemon connection.
func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

// Run creates and starts a container for the given spec. The image is
// pulled on demand when the daemon does not have it locally.
func (d *DockerDriver) Run(ctx context.Context, spec RunSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cfg, hostCfg, err := buildContainerConfig(spec)
	if err != nil {
		return "", err
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if client.IsErrNotFound(err) {
		// Image absent locally; pull and retry once.
		if pullErr := d.pullImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return "", d.mapErr("create container", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Leave no half-started container behind.
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", d.mapErr("start container", err)
	}

	return created.ID, nil
}

// Stop sends SIGTERM and escalates to SIGKILL after grace.
func (d *DockerDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	// Stop must be allowed the full grace period on top of the call bound.
	ctx, cancel := context.WithTimeout(ctx, d.timeout+grace)
	defer cancel()

	seconds := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	return d.mapErr("stop container", err)
}

// Remove deletes a container; an already-absent container is not an error.
func (d *DockerDriver) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return d.mapErr("remove container", err)
}

// Inspect reports the container's state, exit code and restart count.
func (d *DockerDriver) Inspect(ctx context.Context, containerID string) (types.RuntimeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return types.RuntimeStatus{}, d.mapErr("inspect container", err)
	}

	status := types.RuntimeStatus{RestartCount: resp.RestartCount}
	if resp.State != nil {
		status.State = resp.State.Status
		status.Running = resp.State.Running
		status.ExitCode = resp.State.ExitCode
		if t, perr := time.Parse(time.RFC3339Nano, resp.State.StartedAt); perr == nil {
			status.StartedAt = t
		}
	}
	return status, nil
}

// Stats takes one non-streaming usage reading.
func (d *DockerDriver) Stats(ctx context.Context, containerID string) (types.RuntimeStats, error) {
	ctx, cancel := context.WithTimeout(ctx, d.statsTimeout)
	defer cancel()

	reader, err := d.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return types.RuntimeStats{}, d.mapErr("container stats", err)
	}
	defer reader.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&raw); err != nil {
		return types.RuntimeStats{}, d.mapErr("decode stats", err)
	}
	return convertStats(&raw), nil
}

// Exec runs argv inside the container and waits for completion.
func (d *DockerDriver) Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (types.ExecResult, error) {
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return types.ExecResult{}, d.mapErr("exec create", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return types.ExecResult{}, d.mapErr("exec attach", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return types.ExecResult{}, d.mapErr("exec read", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return types.ExecResult{}, d.mapErr("exec inspect", err)
	}

	return types.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Logs returns up to tail recent log lines, stdout and stderr interleaved.
func (d *DockerDriver) Logs(ctx context.Context, containerID string, tail int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, d.mapErr("container logs", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, d.mapErr("read logs", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// Pause freezes the container's cgroup.
func (d *DockerDriver) Pause(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.mapErr("pause container", d.cli.ContainerPause(ctx, containerID))
}

// Unpause resumes a paused container.
func (d *DockerDriver) Unpause(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.mapErr("unpause container", d.cli.ContainerUnpause(ctx, containerID))
}

// UpdateLimits reapplies cpu and memory quotas to a live container. Disk
// and network quotas are recorded on the cluster and take effect on the
// next start; the daemon cannot change them in place.
func (d *DockerDriver) UpdateLimits(ctx context.Context, containerID string, quotas types.Quotas) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.cli.ContainerUpdate(ctx, containerID, container.UpdateConfig{
		Resources: container.Resources{
			NanoCPUs:   int64(quotas.CPUCores * 1e9),
			Memory:     quotas.MemoryMB * 1024 * 1024,
			MemorySwap: quotas.MemoryMB * 1024 * 1024,
		},
	})
	return d.mapErr("update limits", err)
}

func (d *DockerDriver) pullImage(ctx context.Context, ref string) error {
	logger := log.WithComponent("runtime")
	logger.Info().Str("image", ref).Msg("pulling image")

	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return d.mapErr("pull image", err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return d.mapErr("pull image", err)
	}
	return nil
}

// mapErr collapses daemon errors onto the control plane's runtime taxonomy.
func (d *DockerDriver) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, errdefs.ErrRuntimeTimeout)
	case client.IsErrNotFound(err):
		return fmt.Errorf("%s: %w", op, errdefs.ErrRuntimeNotFound)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w", op, errdefs.ErrRuntimeUnavailable)
	default:
		return fmt.Errorf("%s: %v: %w", op, err, errdefs.ErrRuntime)
	}
}

// buildContainerConfig translates a RunSpec into daemon create parameters.
func buildContainerConfig(spec RunSpec) (*container.Config, *container.HostConfig, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
	}

	labels := map[string]string{
		"io.clusterforge.managed":      "true",
		"io.clusterforge.disk_gb":      strconv.FormatInt(spec.Quotas.DiskGB, 10),
		"io.clusterforge.network_mbps": strconv.FormatInt(spec.Quotas.NetworkMBps, 10),
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		Binds: []string{spec.WorkspacePath + ":" + workspaceMountPath},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		// The health loop owns restarts; the daemon must not race it.
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			NanoCPUs:   int64(spec.Quotas.CPUCores * 1e9),
			Memory:     spec.Quotas.MemoryMB * 1024 * 1024,
			MemorySwap: spec.Quotas.MemoryMB * 1024 * 1024,
		},
	}

	return cfg, hostCfg, nil
}

// convertStats reduces the daemon's stats JSON to the sampler's view.
// CPU percent is relative to one host core; the sampler rescales against
// the cluster's quota.
func convertStats(raw *container.StatsResponse) types.RuntimeStats {
	stats := types.RuntimeStats{
		MemoryBytes: int64(raw.MemoryStats.Usage),
		MemoryLimit: int64(raw.MemoryStats.Limit),
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus == 0 {
			cpus = 1
		}
		stats.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}

	for _, netStats := range raw.Networks {
		stats.NetworkRx += int64(netStats.RxBytes)
		stats.NetworkTx += int64(netStats.TxBytes)
	}

	for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			stats.BlockRead += int64(entry.Value)
		case "write":
			stats.BlockWrite += int64(entry.Value)
		}
	}

	return stats
}
