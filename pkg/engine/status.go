package engine

import (
	"encoding/json"
	"fmt"
)

// StageState represents the position of an UpdateStage in the update state machine.
type StageState string

const (
	// StateIdle is the implicit state before begin() creates a stage.
	StateIdle StageState = "idle"

	// StateStaging indicates the lock is held and target versions are being materialized.
	StateStaging StageState = "staging"

	// StateStaged indicates the staging directory holds the candidate update.
	StateStaged StageState = "staged"

	// StateValidating indicates the validation pipeline is running.
	StateValidating StageState = "validating"

	// StateValidated indicates validation results have been cached, whatever their severity.
	StateValidated StageState = "validated"

	// StateCommitting indicates staged changes are being applied to the live codebase.
	StateCommitting StageState = "committing"

	// StateApplied indicates staged changes are live.
	StateApplied StageState = "applied"

	// StateCleaned indicates staging artifacts were removed and the lock released.
	StateCleaned StageState = "cleaned"

	// StateFailed indicates a step ended in an unrecoverable error.
	StateFailed StageState = "failed"

	// StateCancelled indicates the stage was destroyed before commit began.
	StateCancelled StageState = "cancelled"
)

// IsTerminal returns true if no further transition is possible.
func (s StageState) IsTerminal() bool {
	return s == StateCleaned || s == StateCancelled
}

// IsPreCommit returns true while the stage can still be cancelled safely.
func (s StageState) IsPreCommit() bool {
	switch s {
	case StateIdle, StateStaging, StateStaged, StateValidating, StateValidated:
		return true
	default:
		return false
	}
}

// Validate checks if the stage state is valid.
func (s StageState) Validate() error {
	switch s {
	case StateIdle, StateStaging, StateStaged, StateValidating, StateValidated,
		StateCommitting, StateApplied, StateCleaned, StateFailed, StateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid stage state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StageState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StageState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StageState(str)
	return s.Validate()
}

// Severity is the ordered classification of a validation outcome: OK < WARNING < ERROR.
type Severity string

const (
	SeverityOK      Severity = "OK"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Rank returns the position of the severity in the OK < WARNING < ERROR ordering.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityOK, SeverityWarning, SeverityError:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Severity(str)
	return s.Validate()
}

// PackageType is the kind of a package in a manifest.
type PackageType string

const (
	PackageTypeModule  PackageType = "module"
	PackageTypeTheme   PackageType = "theme"
	PackageTypeLibrary PackageType = "library"
	PackageTypeCore    PackageType = "core"
)

// Validate checks if the package type is valid.
func (t PackageType) Validate() error {
	switch t {
	case PackageTypeModule, PackageTypeTheme, PackageTypeLibrary, PackageTypeCore:
		return nil
	default:
		return fmt.Errorf("invalid package type: %s", t)
	}
}

// Classification tells whether a change was asked for or pulled in as a side effect.
type Classification string

const (
	ClassificationRequested  Classification = "requested"
	ClassificationIncidental Classification = "incidental"
)

// ChangeKind describes what happens to a package between two sets.
type ChangeKind string

const (
	ChangeUpdate   ChangeKind = "update"
	ChangeAddition ChangeKind = "addition"
	ChangeRemoval  ChangeKind = "removal"
)

// EventType represents the type of event in a stage timeline.
type EventType string

const (
	EventTypeStageBegun      EventType = "stage.begun"
	EventTypeStageStaged     EventType = "stage.staged"
	EventTypeStageValidated  EventType = "stage.validated"
	EventTypeStageCommitted  EventType = "stage.committed"
	EventTypeStagePostApply  EventType = "stage.post_applied"
	EventTypeStageCleaned    EventType = "stage.cleaned"
	EventTypeStageCancelled  EventType = "stage.cancelled"
	EventTypeStageFailed     EventType = "stage.failed"
	EventTypeMarkerCleared   EventType = "marker.cleared"
	EventTypeLockForceClear  EventType = "lock.force_cleared"
	EventTypeValidatorResult EventType = "validation.result"
)

// Level returns the severity level of the event type.
func (e EventType) Level() string {
	switch e {
	case EventTypeStageFailed:
		return "error"
	case EventTypeMarkerCleared, EventTypeLockForceClear, EventTypeStageCancelled:
		return "warning"
	default:
		return "info"
	}
}
