package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stagehand-ci/stagehand/internal/core/domain"
	"github.com/stagehand-ci/stagehand/internal/core/ports"
	"github.com/stagehand-ci/stagehand/internal/engine"
	"github.com/stagehand-ci/stagehand/internal/runtime"
	"github.com/stagehand-ci/stagehand/internal/storage/sqldb"
)

type instantRunner struct{}

func (instantRunner) Run(ctx context.Context, spec ports.RunSpec) (*ports.RunOutcome, error) {
	return &ports.RunOutcome{ExitCode: 0}, nil
}

type blockingRunner struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (r *blockingRunner) Run(ctx context.Context, spec ports.RunSpec) (*ports.RunOutcome, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.release:
		return &ports.RunOutcome{ExitCode: 0}, nil
	case <-ctx.Done():
		return &ports.RunOutcome{ExitCode: -1}, ctx.Err()
	}
}

const testPipelineYAML = `
name: release
stages:
  - name: build
    steps:
      - name: compile
        run: make build
`

func newTestServer(t *testing.T, runner ports.StepRunner) (*httptest.Server, *runtime.Manager, string) {
	t.Helper()

	pipelineDir := t.TempDir()
	path := filepath.Join(pipelineDir, "release.yaml")
	if err := os.WriteFile(path, []byte(testPipelineYAML), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store, err := sqldb.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := engine.New(engine.Config{Runner: runner})
	manager := runtime.NewManager(eng, store, nil, nil)
	srv := httptest.NewServer(New(manager, pipelineDir, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, manager, pipelineDir
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitTerminal(t *testing.T, m *runtime.Manager, runID string) *domain.RunReport {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		report, err := m.Get(context.Background(), runID)
		if err == nil && report.Status.Terminal() {
			return report
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal state")
	return nil
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, instantRunner{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestStartRun(t *testing.T) {
	srv, manager, _ := newTestServer(t, instantRunner{})

	resp, err := http.Post(srv.URL+"/api/v1/pipelines/release/runs", "application/json",
		strings.NewReader(`{"params":{"target":"staging"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body struct {
		RunID string `json:"run_id"`
	}
	decodeJSON(t, resp, &body)
	if body.RunID == "" {
		t.Fatal("expected a run id")
	}

	report := waitTerminal(t, manager, body.RunID)
	if report.Status != domain.StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", report.Status)
	}
	if report.Params["target"] != "staging" {
		t.Errorf("params not threaded through: %v", report.Params)
	}
}

func TestStartRunUnknownPipeline(t *testing.T) {
	srv, _, _ := newTestServer(t, instantRunner{})

	resp, err := http.Post(srv.URL+"/api/v1/pipelines/nope/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStartRunBadBody(t *testing.T) {
	srv, _, _ := newTestServer(t, instantRunner{})

	resp, err := http.Post(srv.URL+"/api/v1/pipelines/release/runs", "application/json",
		strings.NewReader(`{invalid json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", resp.StatusCode)
	}
}

func TestStartRunValidationIssues(t *testing.T) {
	srv, _, pipelineDir := newTestServer(t, instantRunner{})

	// The server reads the definition on every trigger, so a broken
	// definition takes effect immediately.
	broken := "name: release\nstages:\n  - name: build\n    steps:\n      - name: compile\n        run: \"\"\n"
	if err := os.WriteFile(filepath.Join(pipelineDir, "release.yaml"), []byte(broken), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/pipelines/release/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body struct {
		Error  string   `json:"error"`
		Issues []string `json:"issues"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Issues) == 0 {
		t.Errorf("expected validation issues in response: %+v", body)
	}
}

func TestStartRunConflict(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan struct{})}
	srv, manager, pipelineDir := newTestServer(t, runner)

	exclusive := "name: release\noptions:\n  disable_concurrent_runs: true\nstages:\n  - name: build\n    steps:\n      - name: compile\n        run: make build\n"
	if err := os.WriteFile(filepath.Join(pipelineDir, "release.yaml"), []byte(exclusive), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/pipelines/release/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var first struct {
		RunID string `json:"run_id"`
	}
	decodeJSON(t, resp, &first)
	<-runner.started

	// A second trigger while the first run holds the slot is refused
	// outright; no phantom run is recorded for it.
	resp, err = http.Post(srv.URL+"/api/v1/pipelines/release/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	close(runner.release)
	report := waitTerminal(t, manager, first.RunID)
	if report.Status != domain.StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", report.Status)
	}

	reports, err := manager.List(context.Background(), "release", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 {
		t.Errorf("expected a single recorded run, got %d", len(reports))
	}
}

func TestGetRun(t *testing.T) {
	srv, manager, _ := newTestServer(t, instantRunner{})

	runID, err := manager.Start(&domain.Pipeline{
		Name:   "release",
		Stages: []domain.Stage{{Name: "b", Steps: []domain.Step{{Name: "s", Run: "true"}}}},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitTerminal(t, manager, runID)

	resp, err := http.Get(srv.URL + "/api/v1/runs/" + runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var report domain.RunReport
	decodeJSON(t, resp, &report)
	if report.RunID != runID || report.Status != domain.StatusSuccess {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, instantRunner{})

	resp, err := http.Get(srv.URL + "/api/v1/runs/unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	srv, manager, _ := newTestServer(t, instantRunner{})

	p := &domain.Pipeline{
		Name:   "release",
		Stages: []domain.Stage{{Name: "b", Steps: []domain.Step{{Name: "s", Run: "true"}}}},
	}
	for i := 0; i < 3; i++ {
		if _, err := manager.RunSync(context.Background(), p, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	resp, err := http.Get(srv.URL + "/api/v1/runs?pipeline=release&limit=2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var reports []domain.RunReport
	decodeJSON(t, resp, &reports)
	if len(reports) != 2 {
		t.Errorf("expected 2 runs, got %d", len(reports))
	}
}

func TestListRunsInvalidLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, instantRunner{})

	resp, err := http.Get(srv.URL + "/api/v1/runs?limit=banana")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan struct{})}
	srv, manager, _ := newTestServer(t, runner)

	resp, err := http.Post(srv.URL+"/api/v1/pipelines/release/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		RunID string `json:"run_id"`
	}
	decodeJSON(t, resp, &body)
	<-runner.started

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/runs/"+body.RunID, nil)
	cancelResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", cancelResp.StatusCode)
	}

	report := waitTerminal(t, manager, body.RunID)
	if report.Status != domain.StatusAborted {
		t.Errorf("expected ABORTED, got %s", report.Status)
	}
}

func TestCancelRunNotInFlight(t *testing.T) {
	srv, _, _ := newTestServer(t, instantRunner{})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/runs/unknown", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := newTestServer(t, instantRunner{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected an X-Request-ID header")
	}
}
