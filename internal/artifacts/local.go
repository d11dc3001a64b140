// Package artifacts archives run outputs: captured step logs and the
// files collected by step artifact patterns.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/stagehand-ci/stagehand/internal/core/ports"
)

// LocalStore archives artifacts under a base directory, one
// subdirectory per run.
type LocalStore struct {
	base string
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(base string) (*LocalStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{base: base}, nil
}

// RunDir returns the archive directory for a run.
func (s *LocalStore) RunDir(runID string) string {
	return filepath.Join(s.base, runID)
}

// Put implements ports.ArtifactStore.
func (s *LocalStore) Put(ctx context.Context, runID, name string, r io.Reader) error {
	if err := validName(name); err != nil {
		return err
	}
	path := filepath.Join(s.RunDir(runID), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", name, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}

// Open implements ports.ArtifactStore.
func (s *LocalStore) Open(ctx context.Context, runID, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.RunDir(runID), filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	return f, nil
}

// List implements ports.ArtifactStore.
func (s *LocalStore) List(ctx context.Context, runID string) ([]string, error) {
	root := s.RunDir(runID)
	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return names, nil
}

// Purge implements ports.ArtifactStore. It removes the run's whole
// archive directory.
func (s *LocalStore) Purge(ctx context.Context, runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return os.RemoveAll(s.RunDir(runID))
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

var _ ports.ArtifactStore = (*LocalStore)(nil)
