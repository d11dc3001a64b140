// Package runtime owns the lifecycle of runs: it resolves
// definitions into plans, dispatches them to the engine, persists
// reports, serves status queries for in-flight and finished runs, and
// applies the retention policy after each run.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-ci/stagehand/internal/core/domain"
	"github.com/stagehand-ci/stagehand/internal/core/ports"
	"github.com/stagehand-ci/stagehand/internal/engine"
)

// Manager coordinates runs across the engine, the run store, and the
// artifact archive.
type Manager struct {
	engine    *engine.Engine
	store     ports.RunStore
	artifacts ports.ArtifactStore
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightRun
	wg       sync.WaitGroup
}

type inflightRun struct {
	report *domain.RunReport
	cancel context.CancelFunc
}

// NewManager wires a Manager. The artifact store may be nil when
// archiving is disabled.
func NewManager(eng *engine.Engine, store ports.RunStore, artifacts ports.ArtifactStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:    eng,
		store:     store,
		artifacts: artifacts,
		logger:    logger,
		inflight:  make(map[string]*inflightRun),
	}
}

// RunSync executes a pipeline to completion and returns the final
// report. This is the CLI path.
func (m *Manager) RunSync(ctx context.Context, p *domain.Pipeline, params map[string]string) (*domain.RunReport, error) {
	plan, err := engine.Resolve(p, params)
	if err != nil {
		return nil, err
	}
	release, err := m.engine.Claim(plan)
	if err != nil {
		return nil, err
	}
	defer release()
	runID := uuid.NewString()

	report, err := m.execute(ctx, plan, runID)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Start launches a run in the background and returns its id
// immediately. This is the trigger-API path. A pipeline that disables
// concurrent runs is refused here, before anything is persisted, so
// the caller sees ErrRunInProgress rather than a run that never
// executes.
func (m *Manager) Start(p *domain.Pipeline, params map[string]string) (string, error) {
	plan, err := engine.Resolve(p, params)
	if err != nil {
		return "", err
	}
	release, err := m.engine.Claim(plan)
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()

	runCtx, cancel := context.WithCancel(context.Background())
	pending := &domain.RunReport{
		RunID:     runID,
		Pipeline:  p.Name,
		Status:    domain.StatusPending,
		Params:    params,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.inflight[runID] = &inflightRun{report: pending, cancel: cancel}
	m.mu.Unlock()

	if err := m.store.SaveRun(runCtx, pending); err != nil {
		m.forget(runID)
		cancel()
		release()
		return "", fmt.Errorf("record pending run: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.forget(runID)
		defer release()
		m.markRunning(runID)
		if _, err := m.execute(runCtx, plan, runID); err != nil {
			m.logger.Error("run failed to execute",
				slog.String("run_id", runID),
				slog.String("error", err.Error()))
		}
	}()

	return runID, nil
}

// execute drives one run through the engine, persists the outcome,
// and applies retention.
func (m *Manager) execute(ctx context.Context, plan *engine.Plan, runID string) (*domain.RunReport, error) {
	report, err := m.engine.Run(ctx, plan, runID)
	if err != nil {
		return nil, err
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.store.SaveRun(saveCtx, report); err != nil {
		return report, fmt.Errorf("persist run report: %w", err)
	}

	if keep := plan.Pipeline.Options.Retention; keep > 0 {
		purged, err := m.store.ApplyRetention(saveCtx, plan.Pipeline.Name, keep)
		if err != nil {
			m.logger.Warn("retention sweep failed", slog.String("error", err.Error()))
		}
		for _, id := range purged {
			if m.artifacts == nil {
				continue
			}
			if err := m.artifacts.Purge(saveCtx, id); err != nil {
				m.logger.Warn("artifact purge failed",
					slog.String("run_id", id),
					slog.String("error", err.Error()))
			}
		}
	}

	return report, nil
}

// Get returns the report for a run, preferring the live in-flight
// view over the persisted one. An in-flight run reads PENDING until
// it is dispatched, then RUNNING.
func (m *Manager) Get(ctx context.Context, runID string) (*domain.RunReport, error) {
	m.mu.Lock()
	if r, ok := m.inflight[runID]; ok {
		snapshot := *r.report
		m.mu.Unlock()
		return &snapshot, nil
	}
	m.mu.Unlock()

	return m.store.GetRun(ctx, runID)
}

// List returns recent runs for a pipeline (all pipelines when empty).
func (m *Manager) List(ctx context.Context, pipeline string, limit int) ([]*domain.RunReport, error) {
	return m.store.ListRuns(ctx, pipeline, limit)
}

// Cancel requests cooperative cancellation of an in-flight run. It
// reports whether the run was found.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inflight[runID]
	if ok {
		r.cancel()
	}
	return ok
}

// Shutdown waits for in-flight runs to finish or ctx to expire, then
// cancels stragglers.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for _, r := range m.inflight {
			r.cancel()
		}
		m.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// markRunning flips an in-flight run's live status once its goroutine
// picks it up.
func (m *Manager) markRunning(runID string) {
	m.mu.Lock()
	if r, ok := m.inflight[runID]; ok {
		r.report.Status = domain.StatusRunning
	}
	m.mu.Unlock()
}

func (m *Manager) forget(runID string) {
	m.mu.Lock()
	delete(m.inflight, runID)
	m.mu.Unlock()
}
