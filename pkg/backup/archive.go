package backup

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/kami-note/clusterforge/pkg/types"
)

// Manifest is the YAML sidecar written next to every archive. It carries
// enough metadata to restore into a fresh cluster when the original is
// gone.
type Manifest struct {
	ID          string           `yaml:"id"`
	ClusterID   string           `yaml:"cluster_id"`
	ClusterName string           `yaml:"cluster_name"`
	Template    string           `yaml:"template"`
	Kind        types.BackupKind `yaml:"kind"`
	Checksum    string           `yaml:"checksum"`
	CreatedAt   time.Time        `yaml:"created_at"`
}

func writeManifest(path string, manifest Manifest) error {
	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return fmt.Errorf("failed to render backup manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup manifest: %w", err)
	}
	return nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse backup manifest: %w", err)
	}
	return &manifest, nil
}

// kindIncludes selects which workspace entries a snapshot kind archives.
// Paths are slash-separated and relative to the workspace root.
func kindIncludes(kind types.BackupKind) func(rel string) bool {
	isConfig := func(rel string) bool {
		switch filepath.Ext(rel) {
		case ".yaml", ".yml", ".conf", ".toml", ".ini", ".json":
			return true
		}
		return false
	}
	switch kind {
	case types.BackupKindConfigOnly:
		return isConfig
	case types.BackupKindDataOnly:
		return func(rel string) bool { return !isConfig(rel) }
	default:
		return func(string) bool { return true }
	}
}

// writeArchive tars and gzips srcDir into destPath, keeping the files
// include accepts, and returns the archive's sha256 and size.
func writeArchive(srcDir, destPath string, include func(rel string) bool) (string, int64, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive: %w", err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel + "/"
			return tw.WriteHeader(hdr)
		case !info.Mode().IsRegular():
			return nil // sockets, fifos and symlinks are not archived
		case !include(rel):
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := gz.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := out.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		return "", 0, fmt.Errorf("failed to archive %s: %w", srcDir, walkErr)
	}

	sum, err := checksumFile(destPath)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return sum, info.Size(), nil
}

// extractArchive unpacks a gzipped tar into destDir, rejecting entries
// that would escape it.
func extractArchive(archivePath, destDir string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	root := filepath.Clean(destDir)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes extraction root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// checksumFile streams the file through sha256.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
