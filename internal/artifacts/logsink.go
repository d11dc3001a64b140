package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileLogSink writes each step's captured output to
// <base>/<run>/logs/<stage>/<step>.log and hands back the path as the
// report's log reference. It satisfies the engine's LogSink.
type FileLogSink struct {
	store *LocalStore
}

// NewFileLogSink creates a sink rooted in the local artifact store so
// retention purges logs and artifacts together.
func NewFileLogSink(store *LocalStore) *FileLogSink {
	return &FileLogSink{store: store}
}

// Create opens the log file for one step.
func (s *FileLogSink) Create(runID, stage, step string) (io.WriteCloser, string, error) {
	path := filepath.Join(s.store.RunDir(runID), "logs", pathSafe(stage), pathSafe(step)+".log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create log file: %w", err)
	}
	return f, path, nil
}

// pathSafe keeps stage and step names from escaping the log tree.
func pathSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		default:
			return r
		}
	}, name)
}
