// Package domain holds the canonical pipeline model shared by the
// resolver, engine, storage, and server layers.
package domain

// Pipeline is the parsed form of a pipeline definition. It is parsed
// once per run and immutable afterwards.
type Pipeline struct {
	Name    string            `yaml:"name" json:"name"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Options Options           `yaml:"options,omitempty" json:"options,omitempty"`
	Stages  []Stage           `yaml:"stages" json:"stages"`
}

// Options are pipeline-wide execution settings.
type Options struct {
	// Concurrency caps the number of parallel branches executing at
	// once across the whole run. Zero means unlimited.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	// Retention is how many archived runs to keep. Zero disables purging.
	Retention int `yaml:"retention,omitempty" json:"retention,omitempty"`

	// Timeout bounds the whole run. Zero means no global bound.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// StepTimeout is the default per-step timeout, overridable per step.
	StepTimeout Duration `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty"`

	// DisableConcurrentRuns refuses to start a run while another run of
	// the same pipeline is in flight.
	DisableConcurrentRuns bool `yaml:"disable_concurrent_runs,omitempty" json:"disable_concurrent_runs,omitempty"`
}

// Stage is one named unit of pipeline work. Exactly one of Steps or
// Parallel is set: a stage either runs an ordered step sequence or
// fans out a set of branch stages.
type Stage struct {
	Name string `yaml:"name" json:"name"`

	// Steps is the sequential form of a stage.
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Parallel is the branch-set form of a stage. Branches are
	// independent and join before the next stage starts.
	Parallel []Stage `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// When guards the stage: a template over run parameters that must
	// render to "true" for the stage to be scheduled.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// Lock names a shared resource the stage must hold while running.
	Lock string `yaml:"lock,omitempty" json:"lock,omitempty"`

	// BestEffort stops a failure here from failing the run outright;
	// the run is marked UNSTABLE instead.
	BestEffort bool `yaml:"best_effort,omitempty" json:"best_effort,omitempty"`

	// Post holds hooks keyed by the stage's terminal outcome.
	Post Hooks `yaml:"post,omitempty" json:"post,omitempty"`
}

// IsParallel reports whether the stage is a parallel branch group.
func (s *Stage) IsParallel() bool { return len(s.Parallel) > 0 }

// Hooks are steps triggered by a stage's terminal outcome. Always
// runs first, then Success or Failure depending on the outcome.
type Hooks struct {
	Always  []Step `yaml:"always,omitempty" json:"always,omitempty"`
	Success []Step `yaml:"success,omitempty" json:"success,omitempty"`
	Failure []Step `yaml:"failure,omitempty" json:"failure,omitempty"`
}

// Empty reports whether no hooks are declared.
func (h *Hooks) Empty() bool {
	return len(h.Always) == 0 && len(h.Success) == 0 && len(h.Failure) == 0
}

// Step is the smallest schedulable action: one shell command rendered
// from a template, with its retry, timeout, and credential policy.
type Step struct {
	Name string `yaml:"name" json:"name"`

	// Run is the command template, rendered against run parameters
	// before execution.
	Run string `yaml:"run" json:"run"`

	WorkDir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Credentials are resolved from the secret store and exposed to
	// the command for the duration of the step only.
	Credentials []CredentialBinding `yaml:"credentials,omitempty" json:"credentials,omitempty"`

	// Retries is the number of re-invocations after an initial
	// failure. Zero means exactly one attempt.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// RetryDelay is the pause between attempts. Zero means none.
	RetryDelay Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`

	// Timeout overrides the pipeline default step timeout.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Artifacts are doublestar patterns collected from the working
	// directory after the step succeeds.
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// CredentialBinding references a secret by opaque id and names the
// environment variable it is exposed under. The secret value itself
// never appears in a definition.
type CredentialBinding struct {
	ID  string `yaml:"id" json:"id"`
	Var string `yaml:"var" json:"var"`
}
