package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// Options configures an Orchestrator. ProjectRoot, StageRoot, Packages,
// Stages and Lock are required.
type Options struct {
	ProjectRoot string
	// StageRoot is the directory under which per-stage directories are created.
	StageRoot string

	Packages   PackageManager
	Stages     StageStore
	Lock       *StageLock
	Pipeline   *Pipeline
	Validators ValidatorSets
	Hooks      HookRunner

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	Now   func() time.Time
	NewID func() string
}

// BeginOptions controls how a stage is created.
type BeginOptions struct {
	// Unattended selects the stricter unattended validator set.
	Unattended bool
	// Actor identifies who started the update, for the event log.
	Actor string
}

// DestroyOptions controls Destroy.
type DestroyOptions struct {
	// Force allows destroying a stage after commit has begun and clears the
	// failure marker.
	Force  bool
	Actor  string
	Reason string
}

// Orchestrator drives a stage through begin, stage, validate, commit,
// post-apply and clean. Each step is keyed by stage ID, persisted before it
// returns, and safe to call from a fresh process.
type Orchestrator struct {
	projectRoot string
	stageRoot   string

	packages   PackageManager
	stages     StageStore
	lock       *StageLock
	pipeline   *Pipeline
	validators ValidatorSets
	hooks      HookRunner

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	now   func() time.Time
	newID func() string

	// mu serializes steps issued through this instance; the stage lock
	// covers other processes.
	mu sync.Mutex
}

// NewOrchestrator creates an orchestrator from opts.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.ProjectRoot == "":
		return nil, fmt.Errorf("project root is required")
	case opts.StageRoot == "":
		return nil, fmt.Errorf("stage root is required")
	case opts.Packages == nil:
		return nil, fmt.Errorf("package manager is required")
	case opts.Stages == nil:
		return nil, fmt.Errorf("stage store is required")
	case opts.Lock == nil:
		return nil, fmt.Errorf("stage lock is required")
	}
	if opts.Lock.ProjectRoot() != opts.ProjectRoot {
		return nil, fmt.Errorf("stage lock guards %s, not %s", opts.Lock.ProjectRoot(), opts.ProjectRoot)
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = NewPipeline(DefaultMaxParallel, logger, opts.Metrics)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	return &Orchestrator{
		projectRoot: opts.ProjectRoot,
		stageRoot:   opts.StageRoot,
		packages:    opts.Packages,
		stages:      opts.Stages,
		lock:        opts.Lock,
		pipeline:    pipeline,
		validators:  opts.Validators,
		hooks:       opts.Hooks,
		logger:      logger.NewComponentLogger("orchestrator").WithProjectRoot(opts.ProjectRoot),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      opts.Events,
		now:         now,
		newID:       newID,
	}, nil
}

// ProjectRoot returns the project the orchestrator updates.
func (o *Orchestrator) ProjectRoot() string {
	return o.projectRoot
}

// Lock returns the stage lock.
func (o *Orchestrator) Lock() *StageLock {
	return o.lock
}

// Begin claims the stage lock and records a new stage in the staging state.
// It refuses to start while a failure marker from an earlier run exists.
func (o *Orchestrator) Begin(ctx context.Context, targets map[string]string, opts BeginOptions) (*UpdateStage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stage *UpdateStage
	err := o.instrument(ctx, "begin", "", func(ctx context.Context) error {
		if err := validateTargets(targets); err != nil {
			return err
		}

		marker, err := o.stages.GetFailureMarker(ctx, o.projectRoot)
		if err != nil {
			return NewInternalError("failed to read failure marker", err)
		}
		if marker != nil {
			return NewFailureMarkerError(marker)
		}

		id := o.newID()
		stageDir := filepath.Join(o.stageRoot, id)
		handle, err := o.lock.Acquire(ctx, LockRequest{
			OwnerToken:     o.newID(),
			StageID:        id,
			StageDirectory: stageDir,
		})
		if err != nil {
			return err
		}

		now := o.now()
		s := &UpdateStage{
			ID:             id,
			ProjectRoot:    o.projectRoot,
			StageDir:       stageDir,
			State:          StateStaging,
			TargetVersions: copyTargets(targets),
			Unattended:     opts.Unattended,
			OwnerToken:     handle.OwnerToken,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := o.stages.CreateStage(ctx, s); err != nil {
			if relErr := o.lock.Release(ctx, handle); relErr != nil {
				o.logger.WithError(relErr).Error("failed to release lock after stage create failure")
			}
			return NewInternalError("failed to persist stage", err)
		}

		o.metrics.StageStarted()
		o.emit(ctx, s, EventTypeStageBegun, "", "update stage begun", map[string]interface{}{
			"targets":    s.TargetVersions,
			"unattended": s.Unattended,
			"actor":      opts.Actor,
		})
		stage = s
		return nil
	})
	return stage, err
}

// Stage materializes the target versions into the stage directory. Calling
// it again on a staged stage is a no-op.
func (o *Orchestrator) Stage(ctx context.Context, id string) (*UpdateStage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stage *UpdateStage
	err := o.instrument(ctx, "stage", id, func(ctx context.Context) error {
		s, err := o.loadStage(ctx, id)
		if err != nil {
			return err
		}
		stage = s

		if s.State == StateStaged {
			return nil
		}
		if s.State != StateStaging {
			return NewStateMismatchError("stage", s.State, StateStaging)
		}
		if err := ctx.Err(); err != nil {
			return o.cancelStaging(ctx, s, err)
		}
		if err := o.lock.CheckOwner(ctx, s.OwnerToken); err != nil {
			return err
		}

		if err := o.packages.StagePackages(ctx, o.projectRoot, s.StageDir, s.TargetVersions); err != nil {
			if ctx.Err() != nil {
				return o.cancelStaging(ctx, s, err)
			}
			o.failStage(ctx, s, "stage", err, map[string]interface{}{
				"targets": s.TargetVersions,
			})
			return NewStageIOError("stage", err)
		}

		s.State = StateStaged
		if err := o.transition(ctx, s, "stage", StateStaging, true); err != nil {
			return err
		}
		o.emit(ctx, s, EventTypeStageStaged, "", "target versions staged", nil)
		return nil
	})
	return stage, err
}

// Validate runs the validator set for the stage's mode, caches the results
// and moves the stage to validated whatever the outcome severity. Callers
// decide whether an ERROR result blocks the commit.
func (o *Orchestrator) Validate(ctx context.Context, id string) (*UpdateStage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stage *UpdateStage
	err := o.instrument(ctx, "validate", id, func(ctx context.Context) error {
		s, err := o.loadStage(ctx, id)
		if err != nil {
			return err
		}
		stage = s

		switch s.State {
		case StateStaged, StateValidating, StateValidated:
		default:
			return NewStateMismatchError("validate", s.State, StateStaged, StateValidated)
		}

		from := s.State
		s.State = StateValidating
		if err := o.transition(ctx, s, "validate", from, true); err != nil {
			return err
		}

		installed, staged, err := o.loadPackageSets(ctx, s)
		if err != nil {
			s.State = StateStaged
			s.LastError = err.Error()
			if saveErr := o.saveStage(ctx, s); saveErr != nil {
				o.logger.WithError(saveErr).Error("failed to restore staged state")
			}
			return NewStageIOError("validate", err)
		}

		snapshot := *s
		input := &ValidationInput{
			Stage:     &snapshot,
			Installed: installed,
			Staged:    staged,
			Diff:      Diff(installed, staged, s.RequestedNames()),
		}
		results := o.pipeline.Run(ctx, input, o.validators.For(s.Unattended))
		overall := OverallSeverity(results)

		s.ValidationResults = results
		s.State = StateValidated
		s.LastError = ""
		if err := o.transition(ctx, s, "validate", StateValidating, true); err != nil {
			return err
		}

		mode := "attended"
		if s.Unattended {
			mode = "unattended"
		}
		o.metrics.RecordValidationRun(mode, string(overall))

		for _, r := range results {
			if r.Severity == SeverityOK {
				continue
			}
			level := telemetry.EventLevelWarning
			if r.Severity == SeverityError {
				level = telemetry.EventLevelError
			}
			o.emit(ctx, s, EventTypeValidatorResult, level, fmt.Sprintf("%s reported %s", r.Validator, r.Severity), map[string]interface{}{
				"validator": r.Validator,
				"severity":  r.Severity,
				"summary":   r.Summary,
				"messages":  r.Messages,
			})
		}
		o.emit(ctx, s, EventTypeStageValidated, "", fmt.Sprintf("validation finished with overall severity %s", overall), map[string]interface{}{
			"overall":    overall,
			"validators": len(results),
			"changes":    input.Diff.Strings(),
		})
		return nil
	})
	return stage, err
}

// Commit applies the staged changes to the live codebase. It does not look
// at the cached validation severity. Once commit has begun the step cannot
// be cancelled, and a failure is never retried automatically: the failure
// marker records what was expected and how far the apply got.
func (o *Orchestrator) Commit(ctx context.Context, id string) (*UpdateStage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stage *UpdateStage
	err := o.instrument(ctx, "commit", id, func(ctx context.Context) error {
		s, err := o.loadStage(ctx, id)
		if err != nil {
			return err
		}
		stage = s

		switch s.State {
		case StateApplied:
			return nil
		case StateCommitting:
			return NewStateMismatchError("commit", s.State, StateValidated).
				WithDetail("hint", "a previous commit was interrupted; inspect the failure marker and recover manually")
		case StateValidated:
		default:
			return NewStateMismatchError("commit", s.State, StateValidated)
		}

		installed, staged, err := o.loadPackageSets(ctx, s)
		if err != nil {
			return NewStageIOError("commit", err)
		}
		diff := Diff(installed, staged, s.RequestedNames())

		// From here on the live codebase may change, so ignore cancellation.
		ctx = context.WithoutCancel(ctx)

		// The stage must still be validated and still own the lock; both are
		// checked in the same write that marks the commit as started.
		s.State = StateCommitting
		s.CommitStarted = true
		if err := o.transition(ctx, s, "commit", StateValidated, true); err != nil {
			return err
		}

		inProgress := &FailureMarker{
			ProjectRoot: o.projectRoot,
			StageID:     s.ID,
			Operation:   "commit",
			Message:     "commit started but did not finish; the live codebase may be partially updated",
			Details: map[string]interface{}{
				"expected":  diff.Strings(),
				"stage_dir": s.StageDir,
			},
			CreatedAt: o.now(),
		}
		if err := o.stages.WriteFailureMarker(ctx, inProgress); err != nil {
			// Nothing has been applied yet; back out rather than commit without a marker.
			s.State = StateValidated
			s.CommitStarted = false
			if saveErr := o.saveStage(ctx, s); saveErr != nil {
				o.logger.WithError(saveErr).Error("failed to restore validated state")
			}
			return NewInternalError("failed to write commit marker", err)
		}

		if err := o.packages.ApplyStagedChanges(ctx, o.projectRoot, s.StageDir); err != nil {
			details := map[string]interface{}{
				"expected":  diff.Strings(),
				"stage_dir": s.StageDir,
			}
			var applyErr *ApplyError
			if errors.As(err, &applyErr) {
				details["applied"] = applyErr.Applied
				details["pending"] = applyErr.Pending
			}
			o.failStage(ctx, s, "commit", err, details)
			return NewCommitFailedError(err)
		}

		if err := o.stages.ClearFailureMarker(ctx, o.projectRoot); err != nil {
			o.logger.WithError(err).Error("commit succeeded but the in-progress marker could not be cleared")
		}
		s.State = StateApplied
		s.FailureMarker = nil
		s.LastError = ""
		if err := o.saveStage(ctx, s); err != nil {
			return err
		}
		o.emit(ctx, s, EventTypeStageCommitted, "", "staged changes applied", map[string]interface{}{
			"changes": diff.Strings(),
		})
		return nil
	})
	return stage, err
}

// PostApply runs post-commit hooks. A hook failure is reported but the
// applied changes stay in place and the stage stays applied.
func (o *Orchestrator) PostApply(ctx context.Context, id string) (*UpdateStage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stage *UpdateStage
	err := o.instrument(ctx, "post_apply", id, func(ctx context.Context) error {
		s, err := o.loadStage(ctx, id)
		if err != nil {
			return err
		}
		stage = s

		if s.State != StateApplied {
			return NewStateMismatchError("post-apply", s.State, StateApplied)
		}
		if s.PostApplied {
			return nil
		}

		if o.hooks != nil {
			snapshot := *s
			if err := o.hooks.RunPostApply(ctx, &snapshot); err != nil {
				s.LastError = err.Error()
				if saveErr := o.saveStage(ctx, s); saveErr != nil {
					o.logger.WithError(saveErr).Error("failed to record hook failure")
				}
				o.emit(ctx, s, EventTypeStagePostApply, telemetry.EventLevelError, "post-apply hooks failed", map[string]interface{}{
					"error": err.Error(),
				})
				return NewHookError(err)
			}
		}

		s.PostApplied = true
		s.LastError = ""
		if err := o.saveStage(ctx, s); err != nil {
			return err
		}
		o.emit(ctx, s, EventTypeStagePostApply, "", "post-apply hooks finished", nil)
		return nil
	})
	return stage, err
}

// Clean removes staging artifacts and releases the lock of an applied or
// failed stage. It never clears a failure marker. Cleaning a stage that is
// already cleaned or cancelled repeats the cleanup and succeeds.
func (o *Orchestrator) Clean(ctx context.Context, id string) (*UpdateStage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stage *UpdateStage
	err := o.instrument(ctx, "clean", id, func(ctx context.Context) error {
		s, err := o.loadStage(ctx, id)
		if err != nil {
			return err
		}
		stage = s

		switch s.State {
		case StateApplied, StateFailed:
		case StateCleaned, StateCancelled:
			if err := o.packages.RemoveStage(ctx, s.StageDir); err != nil {
				return NewStageIOError("clean", err)
			}
			return o.releaseLock(ctx, s)
		default:
			return NewStateMismatchError("clean", s.State, StateApplied, StateFailed).
				WithDetail("hint", "use destroy to cancel a stage that has not been committed")
		}

		if err := o.packages.RemoveStage(ctx, s.StageDir); err != nil {
			return NewStageIOError("clean", err)
		}
		if err := o.releaseLock(ctx, s); err != nil {
			return err
		}

		s.State = StateCleaned
		if err := o.saveStage(ctx, s); err != nil {
			return err
		}
		o.metrics.StageFinished()
		o.emit(ctx, s, EventTypeStageCleaned, "", "stage cleaned", nil)
		return nil
	})
	return stage, err
}

// Destroy cancels a stage, removing its artifacts and releasing its lock.
// After commit has begun it refuses unless opts.Force is set; a forced
// destroy also clears the project's failure marker.
func (o *Orchestrator) Destroy(ctx context.Context, id string, opts DestroyOptions) (*UpdateStage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stage *UpdateStage
	err := o.instrument(ctx, "destroy", id, func(ctx context.Context) error {
		s, err := o.loadStage(ctx, id)
		if err != nil {
			return err
		}
		stage = s

		if s.CommitStarted && !opts.Force && !s.State.IsTerminal() {
			return NewStageError(fmt.Sprintf("stage %s has started committing and cannot be destroyed without force", s.ID)).
				WithResource(s.ID).
				WithDetail("state", s.State)
		}

		previous := s.State
		next := s.State
		switch {
		case s.State.IsTerminal():
		case !s.CommitStarted:
			next = StateCancelled
		case s.State == StateCommitting:
			// The apply outcome is unknown; the record keeps saying so.
			next = StateFailed
		default:
			next = StateCleaned
		}

		if opts.Force {
			o.logger.
				WithStageID(s.ID).
				WithField("state", previous).
				WithField("commit_started", s.CommitStarted).
				WithField("actor", opts.Actor).
				WithField("reason", opts.Reason).
				Warn("FORCE destroying stage; artifacts will be removed and the failure marker cleared")
		}

		if next != previous {
			s.State = next
			if err := o.transition(ctx, s, "destroy", previous, false); err != nil {
				return err
			}
			if next.IsTerminal() && !previous.IsTerminal() {
				o.metrics.StageFinished()
			}
		}

		if err := o.packages.RemoveStage(ctx, s.StageDir); err != nil {
			return NewStageIOError("destroy", err)
		}
		if err := o.releaseLock(ctx, s); err != nil {
			return err
		}

		if opts.Force {
			if err := o.clearMarker(ctx, s, opts); err != nil {
				return err
			}
			if err := o.saveStage(ctx, s); err != nil {
				return err
			}
		}

		eventType := EventTypeStageCancelled
		if next == StateCleaned {
			eventType = EventTypeStageCleaned
		} else if next == StateFailed {
			eventType = EventTypeStageFailed
		}
		o.emit(ctx, s, eventType, "", fmt.Sprintf("stage destroyed from state %s", previous), map[string]interface{}{
			"force":  opts.Force,
			"actor":  opts.Actor,
			"reason": opts.Reason,
		})
		return nil
	})
	return stage, err
}

// Status returns the persisted stage.
func (o *Orchestrator) Status(ctx context.Context, id string) (*UpdateStage, error) {
	return o.loadStage(ctx, id)
}

// Latest returns the most recently created stage for the project.
func (o *Orchestrator) Latest(ctx context.Context) (*UpdateStage, error) {
	stages, err := o.stages.ListStages(ctx, o.projectRoot, 1)
	if err != nil {
		return nil, NewInternalError("failed to list stages", err)
	}
	if len(stages) == 0 {
		return nil, NewNotFoundError("stage", o.projectRoot)
	}
	return stages[0], nil
}

// History returns up to limit stages for the project, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]*UpdateStage, error) {
	stages, err := o.stages.ListStages(ctx, o.projectRoot, limit)
	if err != nil {
		return nil, NewInternalError("failed to list stages", err)
	}
	return stages, nil
}

// Diff computes the changes a staged stage would apply.
func (o *Orchestrator) Diff(ctx context.Context, id string) (DiffResult, error) {
	s, err := o.loadStage(ctx, id)
	if err != nil {
		return DiffResult{}, err
	}
	switch s.State {
	case StateStaged, StateValidating, StateValidated:
	default:
		return DiffResult{}, NewStateMismatchError("diff", s.State, StateStaged, StateValidated)
	}
	installed, staged, err := o.loadPackageSets(ctx, s)
	if err != nil {
		return DiffResult{}, NewStageIOError("diff", err)
	}
	return Diff(installed, staged, s.RequestedNames()), nil
}

// FailureMarker returns the project's unresolved failure marker, or nil.
func (o *Orchestrator) FailureMarker(ctx context.Context) (*FailureMarker, error) {
	marker, err := o.stages.GetFailureMarker(ctx, o.projectRoot)
	if err != nil {
		return nil, NewInternalError("failed to read failure marker", err)
	}
	return marker, nil
}

// InstalledPackages returns the live package set.
func (o *Orchestrator) InstalledPackages(ctx context.Context) (PackageSet, error) {
	return o.packages.InstalledPackages(ctx, o.projectRoot)
}

func (o *Orchestrator) loadStage(ctx context.Context, id string) (*UpdateStage, error) {
	s, err := o.stages.GetStage(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, NewInternalError("failed to load stage", err)
	}
	if s.ProjectRoot != o.projectRoot {
		return nil, NewNotFoundError("stage", id)
	}
	return s, nil
}

func (o *Orchestrator) saveStage(ctx context.Context, s *UpdateStage) error {
	s.UpdatedAt = o.now()
	if err := o.stages.SaveStage(ctx, s); err != nil {
		return NewInternalError("failed to save stage", err)
	}
	return nil
}

// transition persists s only if the stored stage is still in state from
// and, when owned is set, s still holds the stage lock. On a conflict s is
// reloaded and the error names the condition that failed.
func (o *Orchestrator) transition(ctx context.Context, s *UpdateStage, operation string, from StageState, owned bool) error {
	s.UpdatedAt = o.now()
	token := ""
	if owned {
		token = s.OwnerToken
	}

	err := o.stages.TransitionStage(ctx, s, from, token)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrStaleTransition) {
		return NewInternalError("failed to save stage", err)
	}

	current, loadErr := o.loadStage(ctx, s.ID)
	if loadErr != nil {
		return loadErr
	}
	*s = *current
	if current.State != from {
		return NewStateMismatchError(operation, current.State, from).
			WithDetail("hint", "the stage was changed by another process")
	}
	if owned {
		if ownErr := o.lock.CheckOwner(ctx, current.OwnerToken); ownErr != nil {
			return ownErr
		}
	}
	return NewInternalError("stage changed while it was being saved", err)
}

func (o *Orchestrator) loadPackageSets(ctx context.Context, s *UpdateStage) (PackageSet, PackageSet, error) {
	installed, err := o.packages.InstalledPackages(ctx, o.projectRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read installed packages: %w", err)
	}
	staged, err := o.packages.StagedPackages(ctx, s.StageDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read staged packages: %w", err)
	}
	return installed, staged, nil
}

// failStage removes partial staging output when the failing step was
// staging, then records the failure marker and moves the stage to failed.
func (o *Orchestrator) failStage(ctx context.Context, s *UpdateStage, operation string, cause error, details map[string]interface{}) {
	ctx = context.WithoutCancel(ctx)
	if details == nil {
		details = make(map[string]interface{})
	}
	details["error"] = cause.Error()

	if operation == "stage" {
		if err := o.packages.RemoveStage(ctx, s.StageDir); err != nil {
			details["cleanup_error"] = err.Error()
			o.logger.WithStageID(s.ID).WithError(err).Error("failed to remove partial stage directory")
		}
	}

	message := fmt.Sprintf("%s failed: %v", operation, cause)
	marker := &FailureMarker{
		ProjectRoot: o.projectRoot,
		StageID:     s.ID,
		Operation:   operation,
		Message:     message,
		Details:     details,
		CreatedAt:   o.now(),
	}
	if err := o.stages.WriteFailureMarker(ctx, marker); err != nil {
		o.logger.WithStageID(s.ID).WithError(err).Error("failed to write failure marker")
	}
	o.metrics.RecordFailureMarker(operation)

	s.State = StateFailed
	s.FailureMarker = &message
	s.LastError = cause.Error()
	if err := o.saveStage(ctx, s); err != nil {
		o.logger.WithStageID(s.ID).WithError(err).Error("failed to persist failed state")
	}
	o.emit(ctx, s, EventTypeStageFailed, "", message, details)
}

// cancelStaging handles a staging step interrupted by context cancellation:
// nothing reached the live codebase, so the stage is cancelled without a
// failure marker.
func (o *Orchestrator) cancelStaging(ctx context.Context, s *UpdateStage, cause error) error {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := o.packages.RemoveStage(cleanupCtx, s.StageDir); err != nil {
		o.failStage(cleanupCtx, s, "stage", fmt.Errorf("%w (cleanup after cancellation failed: %v)", cause, err), nil)
		return NewStageIOError("stage", err)
	}
	if err := o.releaseLock(cleanupCtx, s); err != nil {
		return err
	}
	s.State = StateCancelled
	s.LastError = cause.Error()
	if err := o.saveStage(cleanupCtx, s); err != nil {
		return err
	}
	o.metrics.StageFinished()
	o.emit(cleanupCtx, s, EventTypeStageCancelled, "", "staging cancelled", nil)
	return fmt.Errorf("staging cancelled: %w", ctx.Err())
}

// releaseLock gives up the stage's lock. A lock now held by a different
// owner is left alone: it was force-cleared and claimed by another stage.
func (o *Orchestrator) releaseLock(ctx context.Context, s *UpdateStage) error {
	err := o.lock.Release(ctx, s.Handle())
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOwnershipMismatch) {
		o.logger.WithStageID(s.ID).WithError(err).Warn("stage lock is held by another owner; leaving it in place")
		return nil
	}
	return NewInternalError("failed to release stage lock", err)
}

func (o *Orchestrator) clearMarker(ctx context.Context, s *UpdateStage, opts DestroyOptions) error {
	marker, err := o.stages.GetFailureMarker(ctx, o.projectRoot)
	if err != nil {
		return NewInternalError("failed to read failure marker", err)
	}

	details := map[string]interface{}{
		"reason":         opts.Reason,
		"state":          s.State,
		"commit_started": s.CommitStarted,
	}
	if marker != nil {
		if err := o.stages.ClearFailureMarker(ctx, o.projectRoot); err != nil {
			return NewInternalError("failed to clear failure marker", err)
		}
		details["marker_stage_id"] = marker.StageID
		details["marker_operation"] = marker.Operation
		details["marker_message"] = marker.Message
		s.FailureMarker = nil
		o.emit(ctx, s, EventTypeMarkerCleared, "", "failure marker cleared by forced destroy", details)
	}

	entry := &AuditEntry{
		Action:      "stage.force_destroy",
		Actor:       opts.Actor,
		ProjectRoot: o.projectRoot,
		StageID:     s.ID,
		Details:     details,
		Timestamp:   o.now(),
	}
	if err := o.stages.RecordAudit(ctx, entry); err != nil {
		o.logger.WithStageID(s.ID).WithError(err).Error("failed to write audit entry")
	}
	return nil
}

// emit publishes an event and appends it to the stage timeline. level
// defaults to the event type's level.
func (o *Orchestrator) emit(ctx context.Context, s *UpdateStage, eventType EventType, level, message string, data map[string]interface{}) {
	if level == "" {
		level = eventType.Level()
	}
	if err := o.events.PublishStageEvent(string(eventType), level, s.ID, s.ProjectRoot, message, data); err != nil {
		o.logger.WithError(err).Debug("event not published")
	}
	event := &StageEvent{
		StageID:   s.ID,
		Type:      eventType,
		Level:     level,
		Message:   message,
		Details:   data,
		Timestamp: o.now(),
	}
	if err := o.stages.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		o.logger.WithStageID(s.ID).WithError(err).Warn("failed to append stage event")
	}
}

// instrument wraps a step with a span, step metrics and failure logging.
func (o *Orchestrator) instrument(ctx context.Context, step, stageID string, fn func(context.Context) error) error {
	timer := telemetry.NewTimer()
	ctx, span := o.tracer.StartStepSpan(ctx, step, stageID)

	err := fn(ctx)

	telemetry.EndSpan(span, err)
	status := "success"
	if err != nil {
		status = "error"
		o.metrics.RecordError(ErrorCode(err))
		o.logger.WithStageID(stageID).WithField("step", step).WithError(err).Warn("step failed")
	} else {
		o.logger.WithStageID(stageID).WithField("step", step).Debug("step finished")
	}
	o.metrics.RecordStep(step, status, timer.Duration())
	return err
}

func validateTargets(targets map[string]string) error {
	if len(targets) == 0 {
		return NewInvalidInputError("at least one target version is required", nil)
	}
	for name, v := range targets {
		if name == "" {
			return NewInvalidInputError("target package name is empty", nil)
		}
		if _, err := ParseVersion(v); err != nil {
			return NewInvalidInputError(fmt.Sprintf("invalid target version for %s", name), err).WithResource(name)
		}
	}
	return nil
}

func copyTargets(targets map[string]string) map[string]string {
	out := make(map[string]string, len(targets))
	for k, v := range targets {
		out[k] = v
	}
	return out
}
