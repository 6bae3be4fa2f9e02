package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = "/srv/site"

func newTestOrchestrator(t *testing.T, pm *fakePackages, validators ValidatorSets, hooks HookRunner) (*Orchestrator, *memStore) {
	t.Helper()

	store := newMemStore()
	return newOrchestratorOn(t, store, pm, validators, hooks), store
}

// newOrchestratorOn builds an orchestrator over an existing store, as a
// second process working on the same project would.
func newOrchestratorOn(t *testing.T, store *memStore, pm *fakePackages, validators ValidatorSets, hooks HookRunner) *Orchestrator {
	t.Helper()

	lock := NewStageLock(store, store, testRoot, nil, nil)

	var seq int
	o, err := NewOrchestrator(Options{
		ProjectRoot: testRoot,
		StageRoot:   "/srv/stages",
		Packages:    pm,
		Stages:      store,
		Lock:        lock,
		Validators:  validators,
		Hooks:       hooks,
		Now:         func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		NewID: func() string {
			seq++
			return fmt.Sprintf("%04d", seq)
		},
	})
	require.NoError(t, err)
	return o
}

func fooSite() *fakePackages {
	return newFakePackages(
		Package{Name: "core", Version: "10.1.0", Type: PackageTypeCore},
		Package{Name: "foo", Version: "1.5.0", Type: PackageTypeModule},
	)
}

func TestBeginCreatesStagingStage(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOrchestrator(t, fooSite(), ValidatorSets{}, nil)

	stage, err := o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{Actor: "alice"})
	require.NoError(t, err)

	assert.Equal(t, StateStaging, stage.State)
	assert.Equal(t, map[string]string{"foo": "2.0.0"}, stage.TargetVersions)
	assert.NotEmpty(t, stage.ID)
	assert.NotEmpty(t, stage.OwnerToken)
	assert.Equal(t, "/srv/stages/"+stage.ID, stage.StageDir)

	persisted, err := o.Status(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStaging, persisted.State)

	available, err := o.Lock().IsAvailable(ctx)
	require.NoError(t, err)
	assert.False(t, available)

	assert.Equal(t, []EventType{EventTypeStageBegun}, store.eventTypes(stage.ID))
}

func TestBeginTwiceFailsWithOwnershipError(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, fooSite(), ValidatorSets{}, nil)

	_, err := o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
	require.NoError(t, err)

	_, err = o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
	require.Error(t, err)
	assert.True(t, IsStageLocked(err))
	assert.Equal(t, ErrCodeStageLocked, ErrorCode(err))
}

func TestBeginRejectsInvalidTargets(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, fooSite(), ValidatorSets{}, nil)

	for _, targets := range []map[string]string{
		nil,
		{"foo": "not-a-version"},
		{"": "1.0.0"},
	} {
		_, err := o.Begin(ctx, targets, BeginOptions{})
		require.Error(t, err)
		assert.Equal(t, ErrCodeValidation, ErrorCode(err))
	}

	available, err := o.Lock().IsAvailable(ctx)
	require.NoError(t, err)
	assert.True(t, available, "invalid input must not take the lock")
}

func TestStageFailureWritesMarkerAndBlocksBegin(t *testing.T) {
	ctx := context.Background()
	pm := fooSite()
	pm.stageErr = errors.New("disk full while copying foo")
	o, store := newTestOrchestrator(t, pm, ValidatorSets{}, nil)

	stage, err := o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
	require.NoError(t, err)

	stage, err = o.Stage(ctx, stage.ID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeStageIO, ErrorCode(err))
	assert.Equal(t, StateFailed, stage.State)
	require.NotNil(t, stage.FailureMarker)
	assert.Contains(t, *stage.FailureMarker, "disk full while copying foo")
	assert.False(t, pm.hasStage(stage.StageDir), "partial stage directory must be removed")

	marker, err := o.FailureMarker(ctx)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "stage", marker.Operation)
	assert.Contains(t, marker.Message, "disk full while copying foo")

	// Clean resets the stage but keeps the marker.
	_, err = o.Clean(ctx, stage.ID)
	require.NoError(t, err)

	_, err = o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
	require.Error(t, err)
	assert.True(t, IsFailureMarker(err))

	// Only a forced destroy clears it.
	_, err = o.Destroy(ctx, stage.ID, DestroyOptions{Force: true, Actor: "ops", Reason: "disk replaced"})
	require.NoError(t, err)

	marker, err = o.FailureMarker(ctx)
	require.NoError(t, err)
	assert.Nil(t, marker)
	require.Len(t, store.audits, 1)
	assert.Equal(t, "stage.force_destroy", store.audits[0].Action)

	pm.stageErr = nil
	next, err := o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateStaging, next.State)
}

func TestFullUpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	pm := fooSite()
	pm.incidental = map[string]string{"lib": "1.0.0"}

	var hookStage string
	hooks := hookFunc(func(ctx context.Context, s *UpdateStage) error {
		hookStage = s.ID
		return nil
	})
	validators := ValidatorSets{Attended: []Validator{staticValidator("check", SeverityWarning, "heads up")}}
	o, store := newTestOrchestrator(t, pm, validators, hooks)

	stage, err := o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
	require.NoError(t, err)

	stage, err = o.Stage(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStaged, stage.State)

	// Retrying a completed step is harmless.
	stage, err = o.Stage(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStaged, stage.State)

	diff, err := o.Diff(ctx, stage.ID)
	require.NoError(t, err)
	require.Len(t, diff.Changes, 2)
	assert.Equal(t, "foo", diff.Requested()[0].Name)
	assert.Equal(t, "lib", diff.Incidental()[0].Name)

	stage, err = o.Validate(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, StateValidated, stage.State)
	require.Len(t, stage.ValidationResults, 1)
	assert.Equal(t, SeverityWarning, OverallSeverity(stage.ValidationResults))

	stage, err = o.Commit(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, stage.State)
	assert.True(t, stage.CommitStarted)
	assert.Equal(t, "2.0.0", pm.installed["foo"].Version)

	marker, err := o.FailureMarker(ctx)
	require.NoError(t, err)
	assert.Nil(t, marker, "the in-progress marker is cleared after a successful commit")

	stage, err = o.Commit(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pm.applyCalls, "commit on an applied stage is a no-op")

	stage, err = o.PostApply(ctx, stage.ID)
	require.NoError(t, err)
	assert.True(t, stage.PostApplied)
	assert.Equal(t, stage.ID, hookStage)

	stage, err = o.Clean(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCleaned, stage.State)
	assert.False(t, pm.hasStage(stage.StageDir))

	available, err := o.Lock().IsAvailable(ctx)
	require.NoError(t, err)
	assert.True(t, available)

	// Clean is idempotent.
	_, err = o.Clean(ctx, stage.ID)
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventTypeStageBegun,
		EventTypeStageStaged,
		EventTypeValidatorResult,
		EventTypeStageValidated,
		EventTypeStageCommitted,
		EventTypeStagePostApply,
		EventTypeStageCleaned,
	}, store.eventTypes(stage.ID))

	latest, err := o.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, stage.ID, latest.ID)
}

func TestValidateErrorSeverityStillValidated(t *testing.T) {
	ctx := context.Background()
	validators := ValidatorSets{
		Attended:   []Validator{staticValidator("attended", SeverityOK)},
		Unattended: []Validator{staticValidator("unattended", SeverityError, "not a security release")},
	}
	o, _ := newTestOrchestrator(t, fooSite(), validators, nil)

	stage, err := o.Begin(ctx, map[string]string{"foo": "1.5.1"}, BeginOptions{Unattended: true})
	require.NoError(t, err)
	_, err = o.Stage(ctx, stage.ID)
	require.NoError(t, err)

	stage, err = o.Validate(ctx, stage.ID)
	require.NoError(t, err, "validation failures are reported, not returned")
	assert.Equal(t, StateValidated, stage.State)
	require.Len(t, stage.ValidationResults, 1)
	assert.Equal(t, "unattended", stage.ValidationResults[0].Validator)
	assert.Equal(t, SeverityError, OverallSeverity(stage.ValidationResults))
}

func TestStepsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, fooSite(), ValidatorSets{}, nil)

	stage, err := o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
	require.NoError(t, err)

	_, err = o.Validate(ctx, stage.ID)
	assert.True(t, IsStateMismatch(err), "validate before stage: %v", err)

	_, err = o.Commit(ctx, stage.ID)
	assert.True(t, IsStateMismatch(err), "commit before validate: %v", err)

	_, err = o.PostApply(ctx, stage.ID)
	assert.True(t, IsStateMismatch(err), "post-apply before commit: %v", err)

	_, err = o.Clean(ctx, stage.ID)
	assert.True(t, IsStateMismatch(err), "clean of an active stage: %v", err)

	_, err = o.Status(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestCommitFailureRecordsAppliedAndPending(t *testing.T) {
	ctx := context.Background()
	pm := fooSite()
	pm.applyErr = &ApplyError{
		Applied: []string{"foo"},
		Pending: []string{"lib"},
		Err:     errors.New("rename lib: permission denied"),
	}
	o, _ := newTestOrchestrator(t, pm, ValidatorSets{}, nil)

	stage := stageAndValidate(t, o, map[string]string{"foo": "2.0.0"})

	stage, err := o.Commit(ctx, stage.ID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeCommitFailed, ErrorCode(err))
	assert.Equal(t, StateFailed, stage.State)
	assert.True(t, stage.CommitStarted)

	marker, err := o.FailureMarker(ctx)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "commit", marker.Operation)
	assert.Contains(t, marker.Message, "permission denied")
	assert.Equal(t, []string{"foo"}, marker.Details["applied"])
	assert.Equal(t, []string{"lib"}, marker.Details["pending"])
	expected, ok := marker.Details["expected"].([]string)
	require.True(t, ok)
	assert.Contains(t, strings.Join(expected, "\n"), "foo: 1.5.0 -> 2.0.0")

	// Never retried automatically.
	_, err = o.Commit(ctx, stage.ID)
	assert.True(t, IsStateMismatch(err))
	assert.Equal(t, 1, pm.applyCalls)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels before commit", func(t *testing.T) {
		pm := fooSite()
		o, _ := newTestOrchestrator(t, pm, ValidatorSets{}, nil)
		stage := stageAndValidate(t, o, map[string]string{"foo": "2.0.0"})

		stage, err := o.Destroy(ctx, stage.ID, DestroyOptions{})
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, stage.State)
		assert.False(t, pm.hasStage(stage.StageDir))

		available, err := o.Lock().IsAvailable(ctx)
		require.NoError(t, err)
		assert.True(t, available)
	})

	t.Run("refuses after commit without force", func(t *testing.T) {
		pm := fooSite()
		o, _ := newTestOrchestrator(t, pm, ValidatorSets{}, nil)
		stage := stageAndValidate(t, o, map[string]string{"foo": "2.0.0"})
		_, err := o.Commit(ctx, stage.ID)
		require.NoError(t, err)

		_, err = o.Destroy(ctx, stage.ID, DestroyOptions{})
		require.Error(t, err)
		assert.Equal(t, ErrCodeStage, ErrorCode(err))

		stage, err = o.Destroy(ctx, stage.ID, DestroyOptions{Force: true, Actor: "ops"})
		require.NoError(t, err)
		assert.Equal(t, StateCleaned, stage.State)
	})

	t.Run("force on an interrupted commit", func(t *testing.T) {
		pm := fooSite()
		o, store := newTestOrchestrator(t, pm, ValidatorSets{}, nil)
		stage := stageAndValidate(t, o, map[string]string{"foo": "2.0.0"})

		// Simulate a crash mid-commit.
		s, err := store.GetStage(ctx, stage.ID)
		require.NoError(t, err)
		s.State = StateCommitting
		s.CommitStarted = true
		require.NoError(t, store.SaveStage(ctx, s))
		require.NoError(t, store.WriteFailureMarker(ctx, &FailureMarker{ProjectRoot: testRoot, StageID: s.ID, Operation: "commit", Message: "in progress"}))

		_, err = o.Commit(ctx, stage.ID)
		assert.True(t, IsStateMismatch(err))

		_, err = o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
		assert.True(t, IsFailureMarker(err))

		stage, err = o.Destroy(ctx, stage.ID, DestroyOptions{Force: true, Actor: "ops"})
		require.NoError(t, err)
		assert.Equal(t, StateFailed, stage.State)

		_, err = o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
		require.NoError(t, err)
	})
}

func TestStepsRefusedAfterLockTakenOver(t *testing.T) {
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		pm := fooSite()
		o, _ := newTestOrchestrator(t, pm, ValidatorSets{}, nil)
		old := stageAndValidate(t, o, map[string]string{"foo": "2.0.0"})

		_, err := o.Lock().ForceClear(ctx, "ops", "process looked dead")
		require.NoError(t, err)
		current := stageAndValidate(t, o, map[string]string{"foo": "2.1.0"})

		stage, err := o.Commit(ctx, old.ID)
		require.Error(t, err)
		assert.True(t, IsOwnershipMismatch(err))
		assert.Equal(t, StateValidated, stage.State)
		assert.False(t, stage.CommitStarted)
		assert.Equal(t, 0, pm.applyCalls)
		assert.Equal(t, "1.5.0", pm.installed["foo"].Version)

		marker, err := o.FailureMarker(ctx)
		require.NoError(t, err)
		assert.Nil(t, marker)

		// Destroying the old stage leaves the new holder's lock alone.
		_, err = o.Destroy(ctx, old.ID, DestroyOptions{})
		require.NoError(t, err)
		status, err := o.Lock().Inspect(ctx)
		require.NoError(t, err)
		require.True(t, status.Held())
		assert.Equal(t, current.ID, status.Record.StageID)

		_, err = o.Commit(ctx, current.ID)
		require.NoError(t, err)
		assert.Equal(t, "2.1.0", pm.installed["foo"].Version)
	})

	t.Run("stage", func(t *testing.T) {
		pm := fooSite()
		o, _ := newTestOrchestrator(t, pm, ValidatorSets{}, nil)
		old, err := o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
		require.NoError(t, err)

		_, err = o.Lock().ForceClear(ctx, "ops", "process looked dead")
		require.NoError(t, err)
		_, err = o.Begin(ctx, map[string]string{"foo": "2.1.0"}, BeginOptions{})
		require.NoError(t, err)

		stage, err := o.Stage(ctx, old.ID)
		require.Error(t, err)
		assert.Equal(t, ErrCodeOwnershipMismatch, ErrorCode(err))
		assert.Equal(t, StateStaging, stage.State)
		assert.False(t, pm.hasStage(old.StageDir))
	})

	t.Run("validate", func(t *testing.T) {
		pm := fooSite()
		o, _ := newTestOrchestrator(t, pm, ValidatorSets{}, nil)
		old, err := o.Begin(ctx, map[string]string{"foo": "2.0.0"}, BeginOptions{})
		require.NoError(t, err)
		_, err = o.Stage(ctx, old.ID)
		require.NoError(t, err)

		_, err = o.Lock().ForceClear(ctx, "ops", "process looked dead")
		require.NoError(t, err)
		_, err = o.Begin(ctx, map[string]string{"foo": "2.1.0"}, BeginOptions{})
		require.NoError(t, err)

		stage, err := o.Validate(ctx, old.ID)
		require.Error(t, err)
		assert.True(t, IsOwnershipMismatch(err))
		assert.Equal(t, StateStaged, stage.State)
		assert.Empty(t, stage.ValidationResults)
	})
}

func TestConcurrentCommitAppliesOnce(t *testing.T) {
	ctx := context.Background()
	pm := fooSite()
	store := newMemStore()
	first := newOrchestratorOn(t, store, pm, ValidatorSets{}, nil)
	second := newOrchestratorOn(t, store, pm, ValidatorSets{}, nil)

	stage := stageAndValidate(t, first, map[string]string{"foo": "2.0.0"})

	// The second process commits after the first has read the stage as
	// validated but before it marks the commit as started.
	pm.onStagedRead = func() {
		committed, err := second.Commit(ctx, stage.ID)
		require.NoError(t, err)
		assert.Equal(t, StateApplied, committed.State)
	}

	got, err := first.Commit(ctx, stage.ID)
	require.Error(t, err)
	assert.True(t, IsStateMismatch(err))
	assert.Equal(t, StateApplied, got.State)
	assert.Equal(t, 1, pm.applyCalls)
	assert.Equal(t, "2.0.0", pm.installed["foo"].Version)
}

func TestPostApplyFailureKeepsAppliedState(t *testing.T) {
	ctx := context.Background()
	pm := fooSite()
	calls := 0
	hooks := hookFunc(func(ctx context.Context, s *UpdateStage) error {
		calls++
		if calls == 1 {
			return errors.New("cache clear failed")
		}
		return nil
	})
	o, _ := newTestOrchestrator(t, pm, ValidatorSets{}, hooks)
	stage := stageAndValidate(t, o, map[string]string{"foo": "2.0.0"})
	_, err := o.Commit(ctx, stage.ID)
	require.NoError(t, err)

	stage, err = o.PostApply(ctx, stage.ID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeHookFailed, ErrorCode(err))
	assert.Equal(t, StateApplied, stage.State)
	assert.False(t, stage.PostApplied)
	assert.Equal(t, "2.0.0", pm.installed["foo"].Version, "no rollback after a hook failure")

	stage, err = o.PostApply(ctx, stage.ID)
	require.NoError(t, err)
	assert.True(t, stage.PostApplied)
}

func TestStageCancelledByContext(t *testing.T) {
	pm := fooSite()
	o, _ := newTestOrchestrator(t, pm, ValidatorSets{}, nil)

	stage, err := o.Begin(context.Background(), map[string]string{"foo": "2.0.0"}, BeginOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage, err = o.Stage(ctx, stage.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, stage.State)

	marker, err := o.FailureMarker(context.Background())
	require.NoError(t, err)
	assert.Nil(t, marker, "a cancelled staging step leaves no failure marker")

	available, err := o.Lock().IsAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, available)
}

func stageAndValidate(t *testing.T, o *Orchestrator, targets map[string]string) *UpdateStage {
	t.Helper()
	ctx := context.Background()

	stage, err := o.Begin(ctx, targets, BeginOptions{})
	require.NoError(t, err)
	_, err = o.Stage(ctx, stage.ID)
	require.NoError(t, err)
	stage, err = o.Validate(ctx, stage.ID)
	require.NoError(t, err)
	return stage
}
