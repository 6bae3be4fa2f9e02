// Package engine implements the staged update state machine.
//
// # Overview
//
// An update moves through discrete, separately callable steps:
//
//	Begin -> Stage -> Validate -> Commit -> PostApply -> Clean
//
// with the matching states
//
//	idle -> staging -> staged -> validating -> validated -> committing -> applied -> cleaned
//
// plus failed, reachable from any non-terminal state, and cancelled,
// reachable until commit begins. Every step takes the stage ID, loads the
// persisted stage, and saves it before returning, so a job runner can call
// each step from a different process and resume after a crash.
//
// # Components
//
//   - StageLock: single-owner lock per project root backed by a LockStore.
//   - Diff: pure comparison of installed and staged package sets.
//   - Pipeline: runs validators on a bounded worker pool and keeps results
//     in registration order.
//   - Orchestrator: the state machine tying the above to a PackageManager,
//     a StageStore and optional post-apply hooks.
//
// # Failure handling
//
// A staging failure removes the partial stage directory, records a failure
// marker and moves the stage to failed. A commit failure records what was
// expected and how far the apply got. While a marker exists Begin refuses
// to start; only Destroy with Force clears it. Validation results never
// change the state machine: callers must refuse to commit a stage whose
// OverallSeverity is ERROR.
//
// # Error Classification
//
// All errors returned by the orchestrator are *EngineError values carrying a
// class and a stable code (STAGE_LOCKED, STATE_MISMATCH, COMMIT_FAILED and so
// on) that the CLI maps to exit codes.
package engine
