package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates contention on a shared resource, such as the stage lock.
	// The caller may wait for the holder to finish or ask an operator to clear it.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: out-of-order calls, unresolved failure markers, failed commits.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code used for programmatic handling and CLI exit codes.
	Code string `json:"code,omitempty"`

	// Resource is the project root or stage ID the error relates to, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the orchestrator step being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	} else if e.Operation != "" {
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeStageLocked       = "STAGE_LOCKED"
	ErrCodeFailureMarker     = "STAGE_FAILURE_MARKER"
	ErrCodeOwnershipMismatch = "OWNERSHIP_MISMATCH"
	ErrCodeStateMismatch     = "STATE_MISMATCH"
	ErrCodeStageIO           = "STAGE_IO_ERROR"
	ErrCodeCommitFailed      = "COMMIT_FAILED"
	ErrCodeStage             = "STAGE_ERROR"
	ErrCodeHookFailed        = "HOOK_FAILED"
)

// Sentinels for errors.Is. Only Class and Code take part in the comparison.
var (
	ErrStageLocked       = &EngineError{Class: ErrorClassConflict, Code: ErrCodeStageLocked}
	ErrFailureMarker     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeFailureMarker}
	ErrOwnershipMismatch = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeOwnershipMismatch}
	ErrStateMismatch     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStateMismatch}
	ErrStageIO           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStageIO}
	ErrCommitFailed      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCommitFailed}
	ErrStage             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStage}
	ErrValidation        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrHookFailed        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeHookFailed}
	ErrNotFound          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
)

// ErrLockRecordExists is returned by a LockStore when an insert races with an existing record.
var ErrLockRecordExists = errors.New("lock record already exists")

// ErrStaleTransition is returned by a StageStore when a conditional
// transition finds the stage no longer in the expected state or the lock no
// longer held by the expected owner.
var ErrStaleTransition = errors.New("stage changed since it was read")

// NewStageOwnershipError reports that another owner holds the stage lock.
func NewStageOwnershipError(holder *LockRecord) *EngineError {
	e := &EngineError{
		Class:   ErrorClassConflict,
		Code:    ErrCodeStageLocked,
		Message: "the stage is owned by another update operation",
	}
	if holder != nil {
		e.Resource = holder.ProjectRoot
		e.WithDetail("stage_id", holder.StageID).
			WithDetail("acquired_at", holder.AcquiredAt.Format(time.RFC3339)).
			WithDetail("hostname", holder.Hostname).
			WithDetail("pid", holder.PID)
	}
	return e
}

// NewFailureMarkerError reports an unresolved failure left by a previous run.
func NewFailureMarkerError(marker *FailureMarker) *EngineError {
	e := &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeFailureMarker,
		Message: "a previous update failed and must be resolved before a new one can start",
	}
	if marker != nil {
		e.Resource = marker.ProjectRoot
		e.Operation = marker.Operation
		e.Err = errors.New(marker.Message)
		e.WithDetail("stage_id", marker.StageID)
	}
	return e
}

// NewOwnershipMismatchError reports a release attempted with a handle that does not own the lock.
func NewOwnershipMismatchError(projectRoot, holderToken, callerToken string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeOwnershipMismatch,
		Message: "the lock handle does not match the current owner",
	}).WithResource(projectRoot).
		WithDetail("holder", holderToken).
		WithDetail("caller", callerToken)
}

// NewStateMismatchError reports a step invoked out of order.
func NewStateMismatchError(operation string, actual StageState, expected ...StageState) *EngineError {
	want := make([]string, len(expected))
	for i, s := range expected {
		want[i] = string(s)
	}
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeStateMismatch,
		Message: fmt.Sprintf("cannot %s a stage in state %q (expected %s)", operation, actual, strings.Join(want, " or ")),
	}).WithOperation(operation)
}

// NewStageIOError wraps a filesystem or package manager failure during a step.
func NewStageIOError(operation string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassPermanent,
		Code:      ErrCodeStageIO,
		Message:   "stage I/O failure",
		Operation: operation,
		Err:       err,
	}
}

// NewCommitFailedError wraps a failure while applying staged changes.
func NewCommitFailedError(err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassPermanent,
		Code:      ErrCodeCommitFailed,
		Message:   "commit failed; manual recovery is required",
		Operation: "commit",
		Err:       err,
	}
}

// NewStageError reports an operation refused by the orchestrator.
func NewStageError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeStage,
		Message: message,
	}
}

// NewValidationError summarizes validation results that block a commit.
func NewValidationError(results []ValidationResult) *EngineError {
	var failing []string
	for _, r := range results {
		if r.Severity == SeverityError {
			failing = append(failing, r.Validator)
		}
	}
	e := &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf("%d validator(s) reported errors", len(failing)),
	}
	return e.WithDetail("validators", failing)
}

// NewInvalidInputError reports malformed caller input such as target versions.
func NewInvalidInputError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeValidation,
		Message: message,
		Err:     err,
	}
}

// NewHookError wraps post-apply hook failures.
func NewHookError(err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassPermanent,
		Code:      ErrCodeHookFailed,
		Message:   "post-apply hooks failed; applied changes were kept",
		Operation: "post-apply",
		Err:       err,
	}
}

// NewNotFoundError reports an unknown record.
func NewNotFoundError(kind, id string) *EngineError {
	return &EngineError{
		Class:    ErrorClassPermanent,
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found", kind),
		Resource: id,
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the first EngineError in the chain, or ErrCodeInternal.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsStageLocked returns true if another owner holds the lock.
func IsStageLocked(err error) bool { return errors.Is(err, ErrStageLocked) }

// IsFailureMarker returns true if a previous failure blocks the operation.
func IsFailureMarker(err error) bool { return errors.Is(err, ErrFailureMarker) }

// IsStateMismatch returns true if a step was invoked out of order.
func IsStateMismatch(err error) bool { return errors.Is(err, ErrStateMismatch) }

// IsOwnershipMismatch returns true if err is an ownership mismatch error.
func IsOwnershipMismatch(err error) bool { return errors.Is(err, ErrOwnershipMismatch) }

// IsNotFound returns true if the record does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
