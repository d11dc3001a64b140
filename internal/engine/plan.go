package engine

import (
	"fmt"

	"github.com/stagehand-ci/stagehand/internal/core/domain"
	"github.com/stagehand-ci/stagehand/internal/definition"
)

// Plan is a validated, immutable execution plan. The engine consumes
// plans, never raw definitions.
type Plan struct {
	Pipeline *domain.Pipeline
	Params   map[string]string
	Stages   []PlannedStage
}

// PlannedStage is one stage with its guard already evaluated. Skipped
// stages appear in the plan (and the report) but are never scheduled.
type PlannedStage struct {
	Stage    domain.Stage
	Skipped  bool
	Branches []PlannedStage
}

// Resolve validates a pipeline definition against the run parameters
// and produces the execution plan. All problems found are reported in
// a single ValidationError rather than one at a time.
func Resolve(p *domain.Pipeline, params map[string]string) (*Plan, error) {
	v := &validator{
		seen: make(map[string]bool),
		data: definition.TemplateData{
			Params:   params,
			Env:      p.Env,
			Pipeline: p.Name,
		},
	}

	if p.Name == "" {
		v.addf("pipeline name must not be empty")
	}
	if len(p.Stages) == 0 {
		v.addf("pipeline has no stages")
	}
	if p.Options.Concurrency < 0 {
		v.addf("options.concurrency must not be negative")
	}
	if p.Options.Retention < 0 {
		v.addf("options.retention must not be negative")
	}
	if p.Options.Timeout < 0 {
		v.addf("options.timeout must not be negative")
	}
	if p.Options.StepTimeout < 0 {
		v.addf("options.step_timeout must not be negative")
	}

	planned := make([]PlannedStage, 0, len(p.Stages))
	for i := range p.Stages {
		planned = append(planned, v.resolveStage(&p.Stages[i]))
	}

	if len(v.issues) > 0 {
		return nil, &domain.ValidationError{Issues: v.issues}
	}

	return &Plan{Pipeline: p, Params: params, Stages: planned}, nil
}

type validator struct {
	issues []string
	seen   map[string]bool
	data   definition.TemplateData
}

func (v *validator) addf(format string, args ...any) {
	v.issues = append(v.issues, fmt.Sprintf(format, args...))
}

func (v *validator) resolveStage(s *domain.Stage) PlannedStage {
	if s.Name == "" {
		v.addf("stage with empty name")
	} else if v.seen[s.Name] {
		v.addf("duplicate stage name %q", s.Name)
	} else {
		v.seen[s.Name] = true
	}

	hasSteps := len(s.Steps) > 0
	hasBranches := len(s.Parallel) > 0
	switch {
	case hasSteps && hasBranches:
		v.addf("stage %q declares both steps and parallel branches", s.Name)
	case !hasSteps && !hasBranches:
		v.addf("stage %q declares neither steps nor parallel branches", s.Name)
	}

	for i := range s.Steps {
		v.checkStep(s.Name, &s.Steps[i])
	}
	v.checkHooks(s.Name, &s.Post)

	ps := PlannedStage{Stage: *s}

	// Guards are decided here, before anything is scheduled, so a
	// disabled stage never consumes a worker or a lock.
	if s.When != "" {
		run, err := definition.EvalGuard(s.Name+"/when", s.When, v.data)
		if err != nil {
			v.addf("stage %q: %v", s.Name, err)
		}
		ps.Skipped = !run
	}

	for i := range s.Parallel {
		ps.Branches = append(ps.Branches, v.resolveStage(&s.Parallel[i]))
	}
	return ps
}

func (v *validator) checkStep(stage string, st *domain.Step) {
	where := fmt.Sprintf("stage %q step %q", stage, st.Name)
	if st.Name == "" {
		v.addf("stage %q has a step with an empty name", stage)
	}
	if st.Run == "" {
		v.addf("%s has no command", where)
	} else if _, err := definition.ParseTemplate(stage+"/"+st.Name, st.Run); err != nil {
		v.addf("%s: %v", where, err)
	}
	if st.Retries < 0 {
		v.addf("%s: retries must not be negative", where)
	}
	if st.Timeout < 0 {
		v.addf("%s: timeout must not be negative", where)
	}
	if st.RetryDelay < 0 {
		v.addf("%s: retry_delay must not be negative", where)
	}

	vars := make(map[string]bool, len(st.Credentials))
	for _, c := range st.Credentials {
		if c.ID == "" {
			v.addf("%s: credential binding with empty id", where)
		}
		if c.Var == "" {
			v.addf("%s: credential %q binds an empty variable name", where, c.ID)
		} else if vars[c.Var] {
			v.addf("%s: duplicate credential variable %q", where, c.Var)
		} else {
			vars[c.Var] = true
		}
	}
}

func (v *validator) checkHooks(stage string, h *domain.Hooks) {
	for i := range h.Always {
		v.checkStep(stage+"/post.always", &h.Always[i])
	}
	for i := range h.Success {
		v.checkStep(stage+"/post.success", &h.Success[i])
	}
	for i := range h.Failure {
		v.checkStep(stage+"/post.failure", &h.Failure[i])
	}
}
