package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestValidationErrorMessage(t *testing.T) {
	single := &ValidationError{Issues: []string{"pipeline name must not be empty"}}
	if got := single.Error(); got != "invalid pipeline: pipeline name must not be empty" {
		t.Errorf("unexpected message: %q", got)
	}

	multi := &ValidationError{Issues: []string{"first", "second", "third"}}
	msg := multi.Error()
	if !strings.Contains(msg, "3 issues") {
		t.Errorf("expected issue count in message, got %q", msg)
	}
	for _, issue := range multi.Issues {
		if !strings.Contains(msg, issue) {
			t.Errorf("message missing issue %q: %q", issue, msg)
		}
	}
}

func TestIsValidation(t *testing.T) {
	err := fmt.Errorf("load: %w", &ValidationError{Issues: []string{"x"}})
	if !IsValidation(err) {
		t.Error("expected IsValidation to see through wrapping")
	}
	if IsValidation(errors.New("plain")) {
		t.Error("plain error should not be a validation error")
	}
}

func TestCredentialErrorUnwrap(t *testing.T) {
	cause := errors.New("no such secret")
	err := &CredentialError{ID: "deploy-key", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
	if !IsCredential(fmt.Errorf("step: %w", err)) {
		t.Error("expected IsCredential to see through wrapping")
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Scope: "step", Name: "deploy", Limit: 30 * time.Second}
	if got := err.Error(); got != "step deploy exceeded timeout of 30s" {
		t.Errorf("unexpected message: %q", got)
	}
	if !IsTimeout(err) {
		t.Error("expected IsTimeout to match")
	}
}
