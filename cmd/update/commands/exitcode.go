package commands

import "github.com/openfroyo/stagehand/pkg/engine"

// Process exit codes.
const (
	ExitOK            = 0
	ExitInternal      = 1
	ExitValidation    = 2
	ExitLocked        = 3
	ExitCommitFailed  = 4
	ExitStateMismatch = 5
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch engine.ErrorCode(err) {
	case engine.ErrCodeValidation:
		return ExitValidation
	case engine.ErrCodeStageLocked, engine.ErrCodeFailureMarker, engine.ErrCodeOwnershipMismatch:
		return ExitLocked
	case engine.ErrCodeCommitFailed:
		return ExitCommitFailed
	case engine.ErrCodeStateMismatch:
		return ExitStateMismatch
	default:
		return ExitInternal
	}
}
