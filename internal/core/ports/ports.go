// Package ports defines the interfaces the engine core depends on.
// Adapters under internal/adapters and internal/storage implement them.
package ports

import (
	"context"
	"io"
	"time"

	"github.com/stagehand-ci/stagehand/internal/core/domain"
)

// StepRunner executes a single external command. The engine is
// agnostic to what the command does; it only sees the exit status and
// the captured output written to Output.
type StepRunner interface {
	Run(ctx context.Context, spec RunSpec) (*RunOutcome, error)
}

// RunSpec describes one command invocation.
type RunSpec struct {
	Command string
	WorkDir string
	// Env is the full resolved environment for the command.
	Env map[string]string
	// Timeout bounds the invocation. Zero means no bound.
	Timeout time.Duration
	// Output receives combined stdout and stderr as it is produced.
	Output io.Writer
}

// RunOutcome is what a single invocation produced.
type RunOutcome struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// SecretEnvPrefix marks the environment variables the env-backed
// secret store resolves credentials from. Runners strip these from
// any inherited process environment so secret values reach a step
// only through its declared credential bindings.
const SecretEnvPrefix = "STAGEHAND_SECRET_"

// SecretStore resolves credential ids to secret values. It is queried
// only inside an active credential scope.
type SecretStore interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// RunStore persists run reports and enforces the retention policy.
type RunStore interface {
	SaveRun(ctx context.Context, report *domain.RunReport) error
	GetRun(ctx context.Context, runID string) (*domain.RunReport, error)
	ListRuns(ctx context.Context, pipeline string, limit int) ([]*domain.RunReport, error)

	// ApplyRetention keeps the newest keep runs of a pipeline and
	// deletes the rest, returning the ids of the purged runs so their
	// archives can be removed too.
	ApplyRetention(ctx context.Context, pipeline string, keep int) ([]string, error)

	Close() error
}

// ArtifactStore archives opaque byte blobs per run.
type ArtifactStore interface {
	// Put stores one artifact under the run's archive.
	Put(ctx context.Context, runID, name string, r io.Reader) error

	// Open retrieves a previously stored artifact.
	Open(ctx context.Context, runID, name string) (io.ReadCloser, error)

	// List returns the artifact names archived for a run.
	List(ctx context.Context, runID string) ([]string, error)

	// Purge removes a run's archive entirely.
	Purge(ctx context.Context, runID string) error
}
