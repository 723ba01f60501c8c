package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kami-note/clusterforge/pkg/errdefs"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/types"
)

// ManifestFileName is the declarative file every template directory must contain.
const ManifestFileName = "cluster.yaml"

// manifest is the on-disk template descriptor. The registry reads only the
// metadata; the workspace manager consumes the rest of the template
// directory when a cluster is materialized.
type manifest struct {
	Image         string            `yaml:"image"`
	ContainerPort int               `yaml:"container_port"`
	Env           map[string]string `yaml:"env"`
	HealthPath    string            `yaml:"health_path"`
	Quotas        types.Quotas      `yaml:"quotas"`
}

// Registry enumerates named templates under a root directory. Each
// subdirectory is one template; its name is the directory name.
type Registry struct {
	root string

	mu        sync.RWMutex
	templates map[string]*types.Template
}

// NewRegistry creates a registry and performs the initial scan.
func NewRegistry(root string) (*Registry, error) {
	r := &Registry{
		root:      root,
		templates: make(map[string]*types.Template),
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rescans the templates root, replacing the previous snapshot.
// Template directories with unreadable or invalid manifests are skipped
// with a warning rather than failing the whole scan.
func (r *Registry) Refresh() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("failed to scan templates root %s: %w", r.root, err)
	}

	logger := log.WithComponent("template")
	scanned := make(map[string]*types.Template)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		manifestPath := filepath.Join(r.root, name, ManifestFileName)

		tmpl, err := loadTemplate(name, manifestPath)
		if err != nil {
			logger.Warn().Err(err).Str("template", name).Msg("skipping invalid template")
			continue
		}
		scanned[name] = tmpl
	}

	r.mu.Lock()
	r.templates = scanned
	r.mu.Unlock()

	logger.Info().Int("count", len(scanned)).Str("root", r.root).Msg("templates loaded")
	return nil
}

// List returns all known templates sorted by name.
func (r *Registry) List() []*types.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get resolves a template by name.
func (r *Registry) Get(name string) (*types.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return nil, errdefs.NotFound("template %s", name)
	}
	return t, nil
}

// Dir returns the template's directory path.
func (r *Registry) Dir(name string) string {
	return filepath.Join(r.root, name)
}

func loadTemplate(name, manifestPath string) (*types.Template, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Image == "" {
		return nil, fmt.Errorf("manifest has no image")
	}
	if m.ContainerPort <= 0 || m.ContainerPort > 65535 {
		return nil, fmt.Errorf("manifest has invalid container_port %d", m.ContainerPort)
	}
	if !m.Quotas.Valid() {
		return nil, fmt.Errorf("manifest has invalid default quotas")
	}

	return &types.Template{
		Name:          name,
		ManifestPath:  manifestPath,
		Image:         m.Image,
		ContainerPort: m.ContainerPort,
		Env:           m.Env,
		HealthPath:    m.HealthPath,
		DefaultQuotas: m.Quotas,
	}, nil
}
