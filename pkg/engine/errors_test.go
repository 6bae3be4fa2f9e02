package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestEngineErrorMatching(t *testing.T) {
	holder := &LockRecord{ProjectRoot: "/srv", StageID: "s1", AcquiredAt: time.Now()}
	err := fmt.Errorf("begin: %w", NewStageOwnershipError(holder))

	if !IsStageLocked(err) {
		t.Errorf("wrapped ownership error should match ErrStageLocked")
	}
	if IsStateMismatch(err) {
		t.Errorf("ownership error should not match ErrStateMismatch")
	}
	if got := ErrorCode(err); got != ErrCodeStageLocked {
		t.Errorf("ErrorCode() = %s", got)
	}
	if ErrorCode(errors.New("plain")) != ErrCodeInternal {
		t.Errorf("plain errors should map to INTERNAL_ERROR")
	}
}

func TestStateMismatchMessage(t *testing.T) {
	err := NewStateMismatchError("commit", StateStaged, StateValidated)
	msg := err.Error()
	for _, want := range []string{ErrCodeStateMismatch, "commit", `"staged"`, "validated"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %s", msg, want)
		}
	}
}

func TestFailureMarkerErrorCarriesMessage(t *testing.T) {
	err := NewFailureMarkerError(&FailureMarker{ProjectRoot: "/srv", StageID: "s1", Operation: "stage", Message: "stage failed: disk full"})
	if !IsFailureMarker(err) {
		t.Fatalf("expected failure marker error")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error %q should include the marker message", err.Error())
	}
}

func TestValidationErrorNamesValidators(t *testing.T) {
	err := NewValidationError([]ValidationResult{
		{Validator: "a", Severity: SeverityOK},
		{Validator: "b", Severity: SeverityError, Messages: []string{"x"}},
		{Validator: "c", Severity: SeverityWarning, Messages: []string{"y"}},
	})
	failing, ok := err.Details["validators"].([]string)
	if !ok || len(failing) != 1 || failing[0] != "b" {
		t.Errorf("validators detail = %v", err.Details["validators"])
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation match")
	}
}

func TestApplyErrorUnwrap(t *testing.T) {
	cause := errors.New("rename failed")
	err := NewCommitFailedError(&ApplyError{Applied: []string{"a"}, Pending: []string{"b"}, Err: cause})

	if !errors.Is(err, cause) {
		t.Errorf("commit error should unwrap to the apply cause")
	}
	var applyErr *ApplyError
	if !errors.As(err, &applyErr) || applyErr.Pending[0] != "b" {
		t.Errorf("expected ApplyError in chain")
	}
}
