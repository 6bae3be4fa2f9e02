package engine

import (
	"context"
	"fmt"
	"strings"
)

// PackageManager materializes and applies package changes. Dependency
// resolution and file-level atomicity belong to the implementation.
type PackageManager interface {
	// InstalledPackages returns the packages installed in the live codebase.
	InstalledPackages(ctx context.Context, projectRoot string) (PackageSet, error)

	// StagedPackages returns the packages present in a staging directory.
	StagedPackages(ctx context.Context, stageDir string) (PackageSet, error)

	// StagePackages installs the target versions, and whatever they pull in, into stageDir.
	StagePackages(ctx context.Context, projectRoot, stageDir string, targets map[string]string) error

	// ApplyStagedChanges swaps the staged packages into the live codebase.
	// A partial failure should be reported as an *ApplyError.
	ApplyStagedChanges(ctx context.Context, projectRoot, stageDir string) error

	// RemoveStage deletes the staging directory. Removing a missing directory is not an error.
	RemoveStage(ctx context.Context, stageDir string) error
}

// ApplyError describes how far an apply got before failing.
type ApplyError struct {
	Applied []string
	Pending []string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply stopped after [%s], pending [%s]: %v",
		strings.Join(e.Applied, ", "), strings.Join(e.Pending, ", "), e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ReleaseFeed lists installable releases for a project, newest first.
type ReleaseFeed interface {
	AvailableReleases(ctx context.Context, project string) ([]Release, error)
}

// AuditRecorder persists operator actions.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, entry *AuditEntry) error
}

// StageStore persists stages, failure markers and the stage timeline.
type StageStore interface {
	AuditRecorder

	CreateStage(ctx context.Context, stage *UpdateStage) error
	// GetStage returns an ErrNotFound error for unknown IDs.
	GetStage(ctx context.Context, id string) (*UpdateStage, error)
	SaveStage(ctx context.Context, stage *UpdateStage) error
	// TransitionStage saves the stage only while its persisted state is
	// still from and, when ownerToken is not empty, the project's lock is
	// held by ownerToken. Both are checked atomically with the write;
	// otherwise it fails with ErrStaleTransition.
	TransitionStage(ctx context.Context, stage *UpdateStage, from StageState, ownerToken string) error
	// ListStages returns stages for a project root, newest first.
	ListStages(ctx context.Context, projectRoot string, limit int) ([]*UpdateStage, error)

	// GetFailureMarker returns nil when no marker is recorded.
	GetFailureMarker(ctx context.Context, projectRoot string) (*FailureMarker, error)
	// WriteFailureMarker creates or replaces the marker for the project root.
	WriteFailureMarker(ctx context.Context, marker *FailureMarker) error
	ClearFailureMarker(ctx context.Context, projectRoot string) error

	AppendEvent(ctx context.Context, event *StageEvent) error
}

// LockStore persists lock owner records.
type LockStore interface {
	// InsertLock fails with ErrLockRecordExists if the project root is already locked.
	InsertLock(ctx context.Context, record *LockRecord) error
	// GetLock returns nil when the project root is not locked.
	GetLock(ctx context.Context, projectRoot string) (*LockRecord, error)
	// DeleteLock removes the record only if it belongs to ownerToken.
	DeleteLock(ctx context.Context, projectRoot, ownerToken string) (bool, error)
	// ForceDeleteLock removes the record regardless of owner.
	ForceDeleteLock(ctx context.Context, projectRoot string) (bool, error)
}

// ValidationInput is what every validator sees.
type ValidationInput struct {
	Stage     *UpdateStage
	Installed PackageSet
	Staged    PackageSet
	Diff      DiffResult
}

// Validator checks one aspect of a proposed update. Validators must not
// mutate shared state; returning an error yields an ERROR result.
type Validator interface {
	Name() string
	Validate(ctx context.Context, input *ValidationInput) (ValidationResult, error)
}

// ValidatorSets holds the ordered validators for each run mode.
type ValidatorSets struct {
	Attended   []Validator
	Unattended []Validator
}

// For returns the validators for the given mode.
func (v ValidatorSets) For(unattended bool) []Validator {
	if unattended {
		return v.Unattended
	}
	return v.Attended
}

// HookRunner runs post-commit work such as cache clears or schema updates.
type HookRunner interface {
	RunPostApply(ctx context.Context, stage *UpdateStage) error
}
