// Package credentials binds named secrets into a step's execution
// environment for the duration of the step only, and keeps the
// resolved values out of every captured output artifact.
package credentials

import (
	"context"
	"io"

	"github.com/stagehand-ci/stagehand/internal/core/domain"
	"github.com/stagehand-ci/stagehand/internal/core/ports"
)

// Block is the unit of work executed inside a credential scope.
// env contains only the bound variables; out is the scrubbed sink the
// block must route all captured output through.
type Block func(env map[string]string, out io.Writer) error

// With resolves each binding from the store, exposes the values under
// their declared variable names, and runs the block. On every exit
// path, success or not, the values are dropped from the environment
// map and the output sink is flushed through the masker, so no secret
// survives the scope or appears in persisted output.
//
// A binding the store cannot resolve fails the scope with a
// CredentialError before the block runs; a bad credential is not worth
// retrying, so callers treat it as fatal to the step.
func With(ctx context.Context, store ports.SecretStore, bindings []domain.CredentialBinding, sink io.Writer, fn Block) error {
	if len(bindings) == 0 {
		return fn(map[string]string{}, sink)
	}

	env := make(map[string]string, len(bindings))
	values := make([]string, 0, len(bindings))
	for _, b := range bindings {
		value, err := store.Resolve(ctx, b.ID)
		if err != nil {
			return &domain.CredentialError{ID: b.ID, Err: err}
		}
		env[b.Var] = value
		values = append(values, value)
	}

	masker := NewMasker(sink, values)
	defer func() {
		masker.Flush()
		for k := range env {
			delete(env, k)
		}
	}()

	return fn(env, masker)
}
