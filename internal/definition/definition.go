// Package definition loads pipeline definitions from their textual
// YAML form and renders the command templates they contain.
package definition

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-ci/stagehand/internal/core/domain"
)

// Parse decodes a YAML document into a Pipeline. Unknown fields are
// rejected so typos surface at load time rather than as silently
// ignored configuration.
func Parse(data []byte) (*domain.Pipeline, error) {
	var p domain.Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	return &p, nil
}

// Load reads and parses a pipeline definition file.
func Load(path string) (*domain.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	return Parse(data)
}

// Marshal renders a Pipeline back to its textual form. Parse(Marshal(p))
// yields a pipeline equal to p.
func Marshal(p *domain.Pipeline) ([]byte, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	return out, nil
}
