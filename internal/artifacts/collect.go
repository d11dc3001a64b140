package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stagehand-ci/stagehand/internal/core/ports"
)

// Collect matches the patterns against files under dir and archives
// every match into the store under the run's archive. Patterns use
// doublestar globs ("target/**/*.jar"). It returns the archived
// names.
func Collect(ctx context.Context, store ports.ArtifactStore, runID, dir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	if dir == "" {
		dir = "."
	}
	fsys := os.DirFS(dir)

	var matches []string
	for _, pattern := range patterns {
		found, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		matches = append(matches, found...)
	}
	slices.Sort(matches)
	matches = slices.Compact(matches)

	var archived []string
	for _, name := range matches {
		info, err := fs.Stat(fsys, name)
		if err != nil {
			return archived, fmt.Errorf("stat %s: %w", name, err)
		}
		if info.IsDir() {
			continue
		}
		f, err := fsys.Open(name)
		if err != nil {
			return archived, fmt.Errorf("open %s: %w", name, err)
		}
		err = store.Put(ctx, runID, name, f)
		f.Close()
		if err != nil {
			return archived, err
		}
		archived = append(archived, name)
	}
	return archived, nil
}
