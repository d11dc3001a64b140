// Package engine interprets validated pipeline plans: it walks the
// stage tree, fans out parallel branches, applies retry, timeout, and
// credential policy to each step, and aggregates everything into a
// run report.
package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/stagehand-ci/stagehand/internal/artifacts"
	"github.com/stagehand-ci/stagehand/internal/core/domain"
	"github.com/stagehand-ci/stagehand/internal/core/ports"
	"github.com/stagehand-ci/stagehand/internal/credentials"
	"github.com/stagehand-ci/stagehand/internal/definition"
	"github.com/stagehand-ci/stagehand/internal/executor"
	"github.com/stagehand-ci/stagehand/internal/locks"
)

// LogSink creates the captured-output writer for one step and returns
// a reference callers can store in the report.
type LogSink interface {
	Create(runID, stage, step string) (io.WriteCloser, string, error)
}

// NopLogSink discards all captured output. Used when no archive is
// configured.
type NopLogSink struct{}

func (NopLogSink) Create(runID, stage, step string) (io.WriteCloser, string, error) {
	return nopWriteCloser{io.Discard}, "", nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Config wires an Engine's collaborators.
type Config struct {
	Runner  ports.StepRunner
	Secrets ports.SecretStore
	Locks   *locks.Manager
	Logs    LogSink
	Logger  *slog.Logger

	// Artifacts receives the files matched by step artifact patterns.
	// Nil disables collection.
	Artifacts ports.ArtifactStore
}

// Engine executes pipeline plans. One Engine serves many runs; the
// per-pipeline run mutex lives here.
type Engine struct {
	runner    ports.StepRunner
	secrets   ports.SecretStore
	locks     *locks.Manager
	logs      LogSink
	logger    *slog.Logger
	artifacts ports.ArtifactStore
	tracer    trace.Tracer

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates an Engine from config, applying defaults for any
// collaborator left nil.
func New(cfg Config) *Engine {
	e := &Engine{
		runner:    cfg.Runner,
		secrets:   cfg.Secrets,
		locks:     cfg.Locks,
		logs:      cfg.Logs,
		logger:    cfg.Logger,
		artifacts: cfg.Artifacts,
		tracer:    otel.Tracer("stagehand/engine"),
		inflight:  make(map[string]bool),
	}
	if e.locks == nil {
		e.locks = locks.NewManager()
	}
	if e.logs == nil {
		e.logs = NopLogSink{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// run carries the per-run state threaded through the stage walk.
// Everything here is fixed at run start; branches communicate only
// through their own results.
type run struct {
	id     string
	plan   *Plan
	data   definition.TemplateData
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// Run executes a plan to completion and returns its report. runID
// identifies the run in logs and the archive; when empty a fresh id
// is generated. Dispatchers honoring disable_concurrent_runs hold a
// Claim for the pipeline before calling Run.
func (e *Engine) Run(ctx context.Context, plan *Plan, runID string) (*domain.RunReport, error) {
	name := plan.Pipeline.Name

	if runID == "" {
		runID = uuid.NewString()
	}
	report := &domain.RunReport{
		RunID:     runID,
		Pipeline:  name,
		Status:    domain.StatusRunning,
		Params:    plan.Params,
		StartedAt: time.Now(),
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if t := plan.Pipeline.Options.Timeout.Std(); t > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	runCtx, span := e.tracer.Start(runCtx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("pipeline.name", name),
			attribute.String("run.id", runID),
		))
	defer span.End()

	st := &run{
		id:   runID,
		plan: plan,
		data: definition.TemplateData{
			Params:   plan.Params,
			Env:      plan.Pipeline.Env,
			RunID:    runID,
			Pipeline: name,
		},
		logger: e.logger.With(slog.String("pipeline", name), slog.String("run_id", runID)),
	}
	if c := plan.Pipeline.Options.Concurrency; c > 0 {
		st.sem = semaphore.NewWeighted(int64(c))
	}

	st.logger.Info("run started", slog.Int("stages", len(plan.Stages)))

	status := domain.StatusSuccess
	for i := range plan.Stages {
		ps := &plan.Stages[i]
		if ps.Skipped {
			report.Stages = append(report.Stages, domain.StageResult{
				Stage:  ps.Stage.Name,
				Status: domain.StatusSkipped,
			})
			st.logger.Info("stage skipped", slog.String("stage", ps.Stage.Name))
			continue
		}

		sr := e.runStage(runCtx, st, ps)
		report.Stages = append(report.Stages, sr)

		stageStatus := sr.Status
		if stageStatus == domain.StatusFailure && ps.Stage.BestEffort {
			stageStatus = domain.StatusUnstable
		}
		status = domain.Combine(status, stageStatus)

		// Stage N+1 never starts after a hard failure or abort.
		if status == domain.StatusFailure || status == domain.StatusAborted {
			break
		}
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		// The global timeout fired, not the caller.
		status = domain.StatusAborted
	}

	report.Status = status
	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	st.logger.Info("run finished",
		slog.String("status", string(status)),
		slog.Duration("duration", report.Duration))

	return report, nil
}

// Claim reserves the exclusive-run slot for a plan's pipeline when
// its options disable concurrent runs. Another run holding the slot
// yields ErrRunInProgress, so dispatchers can refuse a trigger before
// recording any run state. The returned release frees the slot once
// the run finishes; for pipelines allowing concurrent runs it is a
// no-op.
func (e *Engine) Claim(plan *Plan) (release func(), err error) {
	if !plan.Pipeline.Options.DisableConcurrentRuns {
		return func() {}, nil
	}
	name := plan.Pipeline.Name
	if !e.tryAcquireRun(name) {
		return nil, domain.ErrRunInProgress
	}
	return func() { e.releaseRun(name) }, nil
}

func (e *Engine) tryAcquireRun(pipeline string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[pipeline] {
		return false
	}
	e.inflight[pipeline] = true
	return true
}

func (e *Engine) releaseRun(pipeline string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, pipeline)
}

// runStage executes one stage (sequential or parallel) including its
// lock and post-hooks, and returns its terminal result.
func (e *Engine) runStage(ctx context.Context, st *run, ps *PlannedStage) domain.StageResult {
	stage := &ps.Stage
	start := time.Now()
	result := domain.StageResult{Stage: stage.Name}

	ctx, span := e.tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(attribute.String("stage.name", stage.Name)))
	defer span.End()

	logger := st.logger.With(slog.String("stage", stage.Name))
	logger.Info("stage started")

	if stage.Lock != "" {
		if err := e.locks.Acquire(ctx, stage.Lock); err != nil {
			logger.Warn("lock acquisition cancelled", slog.String("lock", stage.Lock))
			result.Status = domain.StatusAborted
			result.Duration = time.Since(start)
			return result
		}
		// Held for the stage's whole extent, released on every path.
		defer e.locks.Release(stage.Lock)
	}

	if stage.IsParallel() {
		result.Branches, result.Status = e.runBranches(ctx, st, ps.Branches)
	} else {
		result.Steps, result.Status = e.runSteps(ctx, st, stage.Name, stage.Steps)
	}

	result.Hooks = e.runHooks(ctx, st, stage, result.Status)
	result.Duration = time.Since(start)

	logger.Info("stage finished",
		slog.String("status", string(result.Status)),
		slog.Duration("duration", result.Duration))
	return result
}

// runBranches dispatches every branch concurrently and joins them all
// before returning. A failing branch never cancels its siblings; the
// group's status is the worst branch status.
func (e *Engine) runBranches(ctx context.Context, st *run, branches []PlannedStage) ([]domain.StageResult, domain.Status) {
	results := make([]domain.StageResult, len(branches))

	var wg sync.WaitGroup
	for i := range branches {
		br := &branches[i]
		if br.Skipped {
			results[i] = domain.StageResult{Stage: br.Stage.Name, Status: domain.StatusSkipped}
			continue
		}
		wg.Add(1)
		go func(i int, br *PlannedStage) {
			defer wg.Done()
			// Only leaf branches hold a permit. A nested group joins
			// its children, so holding one across the join could leave
			// those children waiting on a permit that never frees.
			if st.sem != nil && !br.Stage.IsParallel() {
				if err := st.sem.Acquire(ctx, 1); err != nil {
					results[i] = domain.StageResult{Stage: br.Stage.Name, Status: domain.StatusAborted}
					return
				}
				defer st.sem.Release(1)
			}
			results[i] = e.runStage(ctx, st, br)
		}(i, br)
	}
	wg.Wait()

	status := domain.StatusSuccess
	for i := range results {
		status = domain.Combine(status, results[i].Status)
	}
	return results, status
}

// runSteps executes a step sequence, stopping at the first failure.
func (e *Engine) runSteps(ctx context.Context, st *run, stage string, steps []domain.Step) ([]domain.StepResult, domain.Status) {
	var results []domain.StepResult
	status := domain.StatusSuccess

	for i := range steps {
		sr := e.runStep(ctx, st, stage, &steps[i])
		results = append(results, sr)
		status = domain.Combine(status, sr.Status)
		if sr.Status != domain.StatusSuccess {
			break
		}
	}
	return results, status
}

// runHooks evaluates a stage's post-hooks: always first, then the
// outcome-matched set. Hook failures are logged but never escalate.
func (e *Engine) runHooks(ctx context.Context, st *run, stage *domain.Stage, outcome domain.Status) []domain.StepResult {
	if stage.Post.Empty() {
		return nil
	}

	hooks := append([]domain.Step{}, stage.Post.Always...)
	if outcome == domain.StatusSuccess {
		hooks = append(hooks, stage.Post.Success...)
	} else {
		hooks = append(hooks, stage.Post.Failure...)
	}

	var results []domain.StepResult
	for i := range hooks {
		sr := e.runStep(ctx, st, stage.Name+"/post", &hooks[i])
		if sr.Status != domain.StatusSuccess {
			st.logger.Warn("post-hook failed",
				slog.String("stage", stage.Name),
				slog.String("hook", hooks[i].Name),
				slog.String("status", string(sr.Status)))
		}
		results = append(results, sr)
	}
	return results
}

// runStep executes one step with its credential scope, retry policy,
// and timeout, capturing output through the log sink.
func (e *Engine) runStep(ctx context.Context, st *run, stage string, step *domain.Step) domain.StepResult {
	result := domain.StepResult{
		Stage:     stage,
		Step:      step.Name,
		StartedAt: time.Now(),
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(
			attribute.String("stage.name", stage),
			attribute.String("step.name", step.Name),
		))
	defer span.End()

	logger := st.logger.With(slog.String("stage", stage), slog.String("step", step.Name))

	command, err := definition.RenderString(stage+"/"+step.Name, step.Run, st.data)
	if err != nil {
		result.Status = domain.StatusFailure
		result.Reason = err.Error()
		result.Duration = time.Since(result.StartedAt)
		return result
	}

	sink, ref, err := e.logs.Create(st.id, stage, step.Name)
	if err != nil {
		result.Status = domain.StatusFailure
		result.Reason = "create log sink: " + err.Error()
		result.Duration = time.Since(result.StartedAt)
		return result
	}
	defer sink.Close()
	result.LogRef = ref

	timeout := step.Timeout.Std()
	if timeout == 0 {
		timeout = st.plan.Pipeline.Options.StepTimeout.Std()
	}

	var lastOutcome *ports.RunOutcome
	scopeErr := credentials.With(ctx, e.secrets, step.Credentials, sink, func(credEnv map[string]string, out io.Writer) error {
		env := mergeEnv(st.plan.Pipeline.Env, step.Env, credEnv)
		env["STAGEHAND_RUN_ID"] = st.id

		attempts, _, retryErr := executor.Retry(ctx, step.Retries, step.RetryDelay.Std(), 0, func(ctx context.Context) (bool, error) {
			outcome, runErr := e.runner.Run(ctx, ports.RunSpec{
				Command: command,
				WorkDir: step.WorkDir,
				Env:     env,
				Timeout: timeout,
				Output:  out,
			})
			lastOutcome = outcome
			if runErr != nil {
				return false, runErr
			}
			if outcome.TimedOut {
				logger.Warn("step attempt timed out", slog.Duration("timeout", timeout))
				return false, nil
			}
			if outcome.ExitCode != 0 {
				logger.Warn("step attempt failed", slog.Int("exit_code", outcome.ExitCode))
			}
			return outcome.ExitCode == 0, nil
		})
		result.Attempts = attempts
		return retryErr
	})

	result.Duration = time.Since(result.StartedAt)
	if lastOutcome != nil {
		result.ExitCode = lastOutcome.ExitCode
	}

	switch {
	case scopeErr == nil && lastOutcome != nil && lastOutcome.ExitCode == 0 && !lastOutcome.TimedOut:
		result.Status = domain.StatusSuccess
	case ctx.Err() != nil:
		result.Status = domain.StatusAborted
		result.Reason = "cancelled"
	case scopeErr != nil:
		result.Status = domain.StatusFailure
		result.Reason = scopeErr.Error()
	case lastOutcome != nil && lastOutcome.TimedOut:
		result.Status = domain.StatusFailure
		result.Reason = (&domain.TimeoutError{Scope: "step", Name: step.Name, Limit: timeout}).Error()
	default:
		result.Status = domain.StatusFailure
		result.Reason = (&domain.StepError{Stage: stage, Step: step.Name, ExitCode: result.ExitCode, Attempts: result.Attempts}).Error()
	}

	if result.Status == domain.StatusSuccess && len(step.Artifacts) > 0 && e.artifacts != nil {
		archived, err := artifacts.Collect(ctx, e.artifacts, st.id, step.WorkDir, step.Artifacts)
		if err != nil {
			result.Status = domain.StatusFailure
			result.Reason = "archive artifacts: " + err.Error()
		} else {
			logger.Info("artifacts archived", slog.Int("count", len(archived)))
		}
	}

	return result
}

// mergeEnv layers environment maps, later maps winning.
func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
