package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports every problem found in a definition in one
// pass, so operators get full feedback before any execution.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "invalid pipeline: " + e.Issues[0]
	}
	return fmt.Sprintf("invalid pipeline (%d issues):\n  - %s",
		len(e.Issues), strings.Join(e.Issues, "\n  - "))
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StepError is a step that exited non-zero after all retry attempts.
type StepError struct {
	Stage    string
	Step     string
	ExitCode int
	Attempts int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s/%s failed with exit code %d after %d attempt(s)",
		e.Stage, e.Step, e.ExitCode, e.Attempts)
}

// TimeoutError is a step or run that exceeded its bound and was
// forcibly terminated.
type TimeoutError struct {
	Scope string // "step" or "run"
	Name  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s exceeded timeout of %s", e.Scope, e.Name, e.Limit)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// CredentialError is a credential binding the secret store could not
// resolve. It is fatal to the requesting step and never retried.
type CredentialError struct {
	ID  string
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %q: %v", e.ID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// IsCredential reports whether err is a CredentialError.
func IsCredential(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// ErrRunInProgress is returned when concurrent runs are disabled and a
// run of the same pipeline is already in flight.
var ErrRunInProgress = errors.New("a run of this pipeline is already in progress")

// ErrRunNotFound is returned by the run store for unknown run ids.
var ErrRunNotFound = errors.New("run not found")
