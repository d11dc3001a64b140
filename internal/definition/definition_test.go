package definition

import (
	"strings"
	"testing"
	"time"
)

const sampleDefinition = `
name: release
env:
  REGION: eu-west-1
options:
  concurrency: 2
  retention: 10
  timeout: 1h
  step_timeout: 10m
  disable_concurrent_runs: true
stages:
  - name: build
    steps:
      - name: compile
        run: make build
        retries: 2
        retry_delay: 5s
        artifacts:
          - dist/**
  - name: verify
    parallel:
      - name: unit
        steps:
          - name: go-test
            run: make test
      - name: lint
        steps:
          - name: vet
            run: make vet
  - name: deploy
    when: '{{ eq .Params.target "production" }}'
    lock: production
    steps:
      - name: push
        run: ./deploy.sh {{ .Params.target }}
        timeout: 15m
        credentials:
          - id: deploy-key
            var: DEPLOY_KEY
    post:
      always:
        - name: notify
          run: ./notify.sh
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.Name != "release" {
		t.Errorf("expected name release, got %q", p.Name)
	}
	if p.Options.Concurrency != 2 || p.Options.Retention != 10 {
		t.Errorf("unexpected options: %+v", p.Options)
	}
	if p.Options.Timeout.Std() != time.Hour {
		t.Errorf("expected 1h timeout, got %s", p.Options.Timeout)
	}
	if !p.Options.DisableConcurrentRuns {
		t.Error("expected disable_concurrent_runs")
	}
	if len(p.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(p.Stages))
	}

	build := p.Stages[0]
	if build.IsParallel() {
		t.Error("build should be sequential")
	}
	if build.Steps[0].Retries != 2 || build.Steps[0].RetryDelay.Std() != 5*time.Second {
		t.Errorf("unexpected retry settings: %+v", build.Steps[0])
	}

	verify := p.Stages[1]
	if !verify.IsParallel() || len(verify.Parallel) != 2 {
		t.Errorf("verify should have 2 branches: %+v", verify)
	}

	deploy := p.Stages[2]
	if deploy.Lock != "production" || deploy.When == "" {
		t.Errorf("unexpected deploy stage: %+v", deploy)
	}
	if len(deploy.Steps[0].Credentials) != 1 || deploy.Steps[0].Credentials[0].Var != "DEPLOY_KEY" {
		t.Errorf("unexpected credentials: %+v", deploy.Steps[0].Credentials)
	}
	if len(deploy.Post.Always) != 1 {
		t.Errorf("expected one always hook: %+v", deploy.Post)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
name: typo
stages:
  - name: build
    stepps:
      - name: compile
        run: make
`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "stepps") {
		t.Errorf("error should name the unknown field: %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	p, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := Marshal(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := Parse(out)
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	if back.Name != p.Name || len(back.Stages) != len(p.Stages) {
		t.Errorf("round trip changed pipeline: %+v", back)
	}
	if back.Stages[2].Steps[0].Timeout != p.Stages[2].Steps[0].Timeout {
		t.Errorf("round trip changed step timeout: %s != %s",
			back.Stages[2].Steps[0].Timeout, p.Stages[2].Steps[0].Timeout)
	}
}

func TestRenderString(t *testing.T) {
	data := TemplateData{
		Params:   map[string]string{"target": "staging"},
		RunID:    "run-1",
		Pipeline: "release",
	}

	out, err := RenderString("t", "deploy --target {{ .Params.target }} --run {{ .RunID }}", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "deploy --target staging --run run-1" {
		t.Errorf("unexpected render: %q", out)
	}
}

func TestRenderStringSprigFunctions(t *testing.T) {
	out, err := RenderString("t", `{{ .Params.target | upper }}`, TemplateData{
		Params: map[string]string{"target": "staging"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "STAGING" {
		t.Errorf("unexpected render: %q", out)
	}
}

func TestRenderStringMissingParam(t *testing.T) {
	_, err := RenderString("t", "{{ .Params.missing }}", TemplateData{
		Params: map[string]string{},
	})
	if err == nil {
		t.Fatal("expected error for missing parameter")
	}
}

func TestEvalGuard(t *testing.T) {
	data := TemplateData{Params: map[string]string{"target": "production"}}

	tests := []struct {
		name     string
		expr     string
		expected bool
		wantErr  bool
	}{
		{name: "empty guard is true", expr: "", expected: true},
		{name: "eq match", expr: `{{ eq .Params.target "production" }}`, expected: true},
		{name: "eq mismatch", expr: `{{ eq .Params.target "staging" }}`, expected: false},
		{name: "literal yes", expr: "yes", expected: true},
		{name: "literal 0", expr: "0", expected: false},
		{name: "non-boolean result", expr: "maybe", wantErr: true},
		{name: "undefined param", expr: "{{ .Params.nope }}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvalGuard("g", tt.expr, data)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("EvalGuard(%q) = %v, want %v", tt.expr, got, tt.expected)
			}
		})
	}
}
