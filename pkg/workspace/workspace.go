package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cp "github.com/otiai10/copy"
	"gopkg.in/yaml.v3"

	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/types"
)

// RuntimeManifestName is the rendered per-cluster manifest written into
// every workspace.
const RuntimeManifestName = "runtime.yaml"

// RuntimeManifest is the cluster-specific rendering of a template: the
// template's declaration with the cluster's identity, port and quotas
// substituted in.
type RuntimeManifest struct {
	ClusterID     string            `yaml:"cluster_id"`
	Name          string            `yaml:"name"`
	Template      string            `yaml:"template"`
	Image         string            `yaml:"image"`
	Port          int               `yaml:"port"`
	ContainerPort int               `yaml:"container_port"`
	Quotas        types.Quotas      `yaml:"quotas"`
	Env           map[string]string `yaml:"env,omitempty"`
	CreatedAt     time.Time         `yaml:"created_at"`
}

// Manager creates, owns and tears down per-cluster working directories
// under a configured root. Templates are read; workspaces are owned.
type Manager struct {
	root string
}

// NewManager ensures the workspaces root exists and returns a manager.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Path returns the workspace directory for a cluster id.
func (m *Manager) Path(clusterID string) string {
	return filepath.Join(m.root, clusterID)
}

// Create materializes a workspace for the cluster: the template directory
// is copied in and the runtime manifest rendered. The directory appears
// atomically (populate a temp dir, then rename); on any failure nothing
// is left behind.
func (m *Manager) Create(cluster *types.Cluster, templateDir string, manifest RuntimeManifest) (string, error) {
	final := m.Path(cluster.ID)
	if _, err := os.Stat(final); err == nil {
		return "", errdefs.Conflict("workspace %s already exists", final)
	}

	tmp, err := os.MkdirTemp(m.root, ".tmp-"+cluster.ID+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := cp.Copy(templateDir, tmp); err != nil {
		return "", fmt.Errorf("failed to copy template into workspace: %w", err)
	}

	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return "", fmt.Errorf("failed to render runtime manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, RuntimeManifestName), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write runtime manifest: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("failed to publish workspace: %w", err)
	}
	return final, nil
}

// ReadManifest loads the rendered manifest from a workspace.
func (m *Manager) ReadManifest(clusterID string) (*RuntimeManifest, error) {
	data, err := os.ReadFile(filepath.Join(m.Path(clusterID), RuntimeManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime manifest: %w", err)
	}
	var manifest RuntimeManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse runtime manifest: %w", err)
	}
	return &manifest, nil
}

// Destroy removes a cluster's workspace recursively. Only clusters in
// DELETING may lose their workspace.
func (m *Manager) Destroy(cluster *types.Cluster) error {
	if cluster.State != types.ClusterStateDeleting {
		return errdefs.IllegalState("cannot destroy workspace of cluster in %s", cluster.State)
	}
	return m.remove(cluster.ID)
}

// Replace swaps the workspace contents with the contents of src. Used by
// restore after the archive has been verified and extracted.
func (m *Manager) Replace(clusterID, src string) error {
	final := m.Path(clusterID)

	tmp, err := os.MkdirTemp(m.root, ".tmp-"+clusterID+"-")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := cp.Copy(src, tmp); err != nil {
		return fmt.Errorf("failed to stage restored workspace: %w", err)
	}

	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("failed to remove old workspace: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to publish restored workspace: %w", err)
	}
	return nil
}

// List returns the cluster ids that currently have a workspace. Staging
// directories are reported too so startup can sweep them.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Sweep removes leftover staging directories and the workspaces of the
// given ids. Used by startup reconciliation to converge after a crash
// mid-delete.
func (m *Manager) Sweep(orphanIDs []string) {
	logger := log.WithComponent("workspace")

	entries, err := os.ReadDir(m.root)
	if err != nil {
		logger.Warn().Err(err).Msg("sweep: cannot read workspaces root")
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), ".tmp-") {
			if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
				logger.Warn().Err(err).Str("dir", e.Name()).Msg("sweep: cannot remove staging dir")
			}
		}
	}

	for _, id := range orphanIDs {
		clusterLog := log.WithClusterID(id)
		if err := m.remove(id); err != nil {
			clusterLog.Warn().Err(err).Msg("sweep: cannot remove orphan workspace")
		} else {
			clusterLog.Info().Msg("removed orphan workspace")
		}
	}
}

func (m *Manager) remove(clusterID string) error {
	path := m.Path(clusterID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", path, err)
	}
	return nil
}
