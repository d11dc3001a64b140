package domain

import (
	"time"
)

// Status is the lifecycle state of a run, stage, or step.
// Transitions are PENDING -> RUNNING -> terminal; terminal states
// never transition again.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusUnstable Status = "UNSTABLE"
	StatusAborted  Status = "ABORTED"
	// StatusSkipped marks stages whose guard evaluated false.
	StatusSkipped Status = "SKIPPED"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusUnstable, StatusAborted, StatusSkipped:
		return true
	}
	return false
}

// severity orders statuses for aggregation; higher wins.
func (s Status) severity() int {
	switch s {
	case StatusAborted:
		return 4
	case StatusFailure:
		return 3
	case StatusUnstable:
		return 2
	case StatusSuccess, StatusSkipped:
		return 1
	default:
		return 0
	}
}

// Combine returns the worse of two statuses. The aggregate status of
// a branch group is the fold of Combine over its branches.
func Combine(a, b Status) Status {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// StepResult captures the outcome of one step, including all retry
// attempts.
type StepResult struct {
	Stage    string        `json:"stage"`
	Step     string        `json:"step"`
	Status   Status        `json:"status"`
	Attempts int           `json:"attempts"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`

	// LogRef points at the captured (credential-scrubbed) output.
	LogRef string `json:"log_ref,omitempty"`

	// Reason carries the failure or abort explanation, if any.
	Reason string `json:"reason,omitempty"`

	StartedAt time.Time `json:"started_at"`
}

// StageResult is the terminal record of one stage instance.
type StageResult struct {
	Stage    string        `json:"stage"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Steps    []StepResult  `json:"steps,omitempty"`

	// Branches holds the results of a parallel group's branches.
	Branches []StageResult `json:"branches,omitempty"`

	// Hooks holds post-hook step results, in execution order.
	Hooks []StepResult `json:"hooks,omitempty"`
}

// RunReport aggregates everything one run produced. It is the unit
// persisted by the run store and returned by the status API.
type RunReport struct {
	RunID      string            `json:"run_id"`
	Pipeline   string            `json:"pipeline"`
	Status     Status            `json:"status"`
	Params     map[string]string `json:"params,omitempty"`
	Stages     []StageResult     `json:"stages"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Duration   time.Duration     `json:"duration"`

	// ArtifactDir is where this run's archived artifacts and logs live.
	ArtifactDir string `json:"artifact_dir,omitempty"`
}

// FailedSteps returns every step result that ended in FAILURE or
// ABORTED, in declaration order, for report rendering.
func (r *RunReport) FailedSteps() []StepResult {
	var out []StepResult
	var walk func(sr StageResult)
	walk = func(sr StageResult) {
		for _, st := range sr.Steps {
			if st.Status == StatusFailure || st.Status == StatusAborted {
				out = append(out, st)
			}
		}
		for _, b := range sr.Branches {
			walk(b)
		}
	}
	for _, sr := range r.Stages {
		walk(sr)
	}
	return out
}
