package definition

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateData is what command and guard templates render against.
type TemplateData struct {
	// Params are the caller-supplied run parameters.
	Params map[string]string
	// Env is the pipeline-level environment mapping.
	Env map[string]string
	// RunID identifies the current run.
	RunID string
	// Pipeline is the pipeline name.
	Pipeline string
}

// ParseTemplate compiles a command or guard template. Missing keys are
// errors so a guard referencing an undefined parameter is caught at
// validation time, not mid-run.
func ParseTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).
		Funcs(sprig.FuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return tmpl, nil
}

// Render executes a compiled template against the run's data.
func Render(tmpl *template.Template, data TemplateData) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// RenderString is a one-shot parse-and-render.
func RenderString(name, text string, data TemplateData) (string, error) {
	tmpl, err := ParseTemplate(name, text)
	if err != nil {
		return "", err
	}
	return Render(tmpl, data)
}

// EvalGuard renders a guard expression and interprets the result as a
// boolean. Empty guards are true: an unguarded stage always runs.
func EvalGuard(name, expr string, data TemplateData) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	out, err := RenderString(name, expr, data)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("guard %s: expected a boolean result, got %q", name, out)
	}
}
