package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/releases"
	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// ActionKind is the outcome of one unit of work.
type ActionKind int

const (
	// Continue means the step succeeded and the next one may run.
	Continue ActionKind = iota
	// Cancelled means the stage was cancelled before anything reached the live codebase.
	Cancelled
	// Failed means the step failed; Err holds the classified error.
	Failed
)

func (k ActionKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Step names one discrete unit of a batch run.
type Step string

const (
	StepBegin     Step = "begin"
	StepStage     Step = "stage"
	StepValidate  Step = "validate"
	StepCommit    Step = "commit"
	StepPostApply Step = "post-apply"
	StepClean     Step = "clean"
	// StepDone means the stage has nothing left to run.
	StepDone Step = "done"
	// StepBlocked means the stage needs an operator, for example after an
	// interrupted commit.
	StepBlocked Step = "blocked"
)

// ActionResult reports one step. Stage is the persisted stage after the
// step, when it could be loaded.
type ActionResult struct {
	Kind   ActionKind
	Step   Step
	Stage  *engine.UpdateStage
	Reason string
	Err    error
}

// OK returns true when the step succeeded.
func (r ActionResult) OK() bool {
	return r.Kind == Continue
}

// Orchestrator is the subset of *engine.Orchestrator the runner drives.
type Orchestrator interface {
	Begin(ctx context.Context, targets map[string]string, opts engine.BeginOptions) (*engine.UpdateStage, error)
	Stage(ctx context.Context, id string) (*engine.UpdateStage, error)
	Validate(ctx context.Context, id string) (*engine.UpdateStage, error)
	Commit(ctx context.Context, id string) (*engine.UpdateStage, error)
	PostApply(ctx context.Context, id string) (*engine.UpdateStage, error)
	Clean(ctx context.Context, id string) (*engine.UpdateStage, error)
	Destroy(ctx context.Context, id string, opts engine.DestroyOptions) (*engine.UpdateStage, error)
	Status(ctx context.Context, id string) (*engine.UpdateStage, error)
	InstalledPackages(ctx context.Context) (engine.PackageSet, error)
}

var _ Orchestrator = (*engine.Orchestrator)(nil)

// Runner drives stages through the orchestrator one step at a time and
// enforces the commit gate: a stage whose cached validation results contain
// an ERROR is cancelled instead of committed.
type Runner struct {
	orch   Orchestrator
	feed   engine.ReleaseFeed
	actor  string
	logger *telemetry.Logger

	// OnStep, when set, is called after every step.
	OnStep func(ActionResult)
}

// NewRunner creates a runner. feed is only needed for RunUnattended.
func NewRunner(orch Orchestrator, feed engine.ReleaseFeed, actor string, logger *telemetry.Logger) *Runner {
	if logger == nil {
		logger = telemetry.Nop()
	}
	if actor == "" {
		actor = "batch"
	}
	return &Runner{
		orch:   orch,
		feed:   feed,
		actor:  actor,
		logger: logger.NewComponentLogger("batch"),
	}
}

// Next maps a persisted stage to the step that should run next.
func Next(stage *engine.UpdateStage) Step {
	switch stage.State {
	case engine.StateStaging:
		return StepStage
	case engine.StateStaged, engine.StateValidating:
		return StepValidate
	case engine.StateValidated:
		return StepCommit
	case engine.StateApplied:
		if stage.PostApplied {
			return StepClean
		}
		return StepPostApply
	case engine.StateFailed:
		return StepClean
	case engine.StateCommitting:
		return StepBlocked
	default:
		return StepDone
	}
}

// Step runs one unit of work against a stage.
func (r *Runner) Step(ctx context.Context, id string, step Step) ActionResult {
	var (
		stage *engine.UpdateStage
		err   error
	)

	switch step {
	case StepStage:
		stage, err = r.orch.Stage(ctx, id)
	case StepValidate:
		stage, err = r.orch.Validate(ctx, id)
	case StepCommit:
		return r.commit(ctx, id)
	case StepPostApply:
		stage, err = r.orch.PostApply(ctx, id)
	case StepClean:
		stage, err = r.orch.Clean(ctx, id)
	default:
		return ActionResult{
			Kind: Failed,
			Step: step,
			Err:  engine.NewInvalidInputError(fmt.Sprintf("unknown step %q", step), nil),
		}
	}

	return r.result(step, stage, err)
}

// commit refuses stages whose cached results contain an ERROR and cancels
// them instead.
func (r *Runner) commit(ctx context.Context, id string) ActionResult {
	stage, err := r.orch.Status(ctx, id)
	if err != nil {
		return r.result(StepCommit, nil, err)
	}

	if stage.State == engine.StateValidated && engine.OverallSeverity(stage.ValidationResults) == engine.SeverityError {
		validationErr := engine.NewValidationError(stage.ValidationResults).WithResource(id)
		r.logger.WithStageID(id).WithError(validationErr).Warn("validation reported errors; cancelling stage instead of committing")

		destroyed, err := r.orch.Destroy(context.WithoutCancel(ctx), id, engine.DestroyOptions{
			Actor:  r.actor,
			Reason: "validation reported errors",
		})
		if destroyed != nil {
			stage = destroyed
		}
		if err != nil {
			r.logger.WithStageID(id).WithError(err).Error("failed to cancel stage after validation errors")
		}
		return ActionResult{Kind: Failed, Step: StepCommit, Stage: stage, Reason: "validation reported errors", Err: validationErr}
	}

	stage, err = r.orch.Commit(ctx, id)
	return r.result(StepCommit, stage, err)
}

func (r *Runner) result(step Step, stage *engine.UpdateStage, err error) ActionResult {
	res := ActionResult{Kind: Continue, Step: step, Stage: stage, Err: err}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.Kind = Cancelled
		res.Reason = err.Error()
	default:
		res.Kind = Failed
		res.Reason = err.Error()
	}
	return res
}

// Run begins a stage for targets and drives it to completion.
func (r *Runner) Run(ctx context.Context, targets map[string]string, unattended bool) ActionResult {
	stage, err := r.orch.Begin(ctx, targets, engine.BeginOptions{Unattended: unattended, Actor: r.actor})
	res := r.result(StepBegin, stage, err)
	r.report(res)
	if !res.OK() {
		return res
	}
	return r.drive(ctx, stage)
}

// Resume drives an existing stage from its persisted state.
func (r *Runner) Resume(ctx context.Context, id string) ActionResult {
	stage, err := r.orch.Status(ctx, id)
	if err != nil {
		return r.result(StepDone, nil, err)
	}
	return r.drive(ctx, stage)
}

// drive runs steps until the stage is done. Between steps it checks ctx:
// before commit a cancellation cancels the stage, after commit has begun
// the remaining steps run regardless.
func (r *Runner) drive(ctx context.Context, stage *engine.UpdateStage) ActionResult {
	for {
		if stage.CommitStarted {
			ctx = context.WithoutCancel(ctx)
		}

		step := Next(stage)
		switch step {
		case StepDone:
			return ActionResult{Kind: Continue, Step: StepDone, Stage: stage}
		case StepBlocked:
			return ActionResult{
				Kind:   Failed,
				Step:   step,
				Stage:  stage,
				Reason: "commit was interrupted; recover manually and destroy the stage with force",
				Err:    engine.NewStateMismatchError("resume", stage.State, engine.StateValidated),
			}
		}

		if ctx.Err() != nil {
			return r.cancel(ctx, stage, step)
		}

		res := r.Step(ctx, stage.ID, step)
		r.report(res)
		if res.Stage != nil {
			stage = res.Stage
		}

		if res.OK() {
			continue
		}
		if ctx.Err() != nil && !stage.CommitStarted {
			// The step failed because ctx ended mid-way; the stage is still pre-commit.
			if current, err := r.orch.Status(context.WithoutCancel(ctx), stage.ID); err == nil {
				stage = current
			}
			if stage.State.IsPreCommit() {
				return r.cancel(ctx, stage, step)
			}
		}
		if step == StepPostApply && res.Kind == Failed {
			// The changes are live; hooks failing does not keep the stage around.
			clean := r.Step(context.WithoutCancel(ctx), stage.ID, StepClean)
			r.report(clean)
			if clean.Stage != nil {
				res.Stage = clean.Stage
			}
		}
		return res
	}
}

// cancel destroys a pre-commit stage after ctx ended.
func (r *Runner) cancel(ctx context.Context, stage *engine.UpdateStage, step Step) ActionResult {
	reason := fmt.Sprintf("cancelled before %s", step)
	destroyed, err := r.orch.Destroy(context.WithoutCancel(ctx), stage.ID, engine.DestroyOptions{
		Actor:  r.actor,
		Reason: reason,
	})
	if destroyed != nil {
		stage = destroyed
	}
	res := ActionResult{Kind: Cancelled, Step: step, Stage: stage, Reason: reason, Err: ctx.Err()}
	if err != nil {
		res.Kind = Failed
		res.Err = err
	}
	r.report(res)
	return res
}

func (r *Runner) report(res ActionResult) {
	logger := r.logger.WithField("step", res.Step).WithField("outcome", res.Kind.String())
	if res.Stage != nil {
		logger = logger.WithStageID(res.Stage.ID).WithField("state", res.Stage.State)
	}
	if res.Err != nil {
		logger.WithError(res.Err).Warn("batch step did not complete")
	} else {
		logger.Debug("batch step finished")
	}
	if r.OnStep != nil {
		r.OnStep(res)
	}
}

// RunUnattended looks up the newest security release on the installed
// branch of every package and runs an unattended stage for them. Packages
// the feed cannot answer for are skipped.
func (r *Runner) RunUnattended(ctx context.Context) ActionResult {
	if r.feed == nil {
		return ActionResult{Kind: Failed, Step: StepBegin, Err: engine.NewInvalidInputError("release feed is required for unattended runs", nil)}
	}

	installed, err := r.orch.InstalledPackages(ctx)
	if err != nil {
		return ActionResult{Kind: Failed, Step: StepBegin, Err: engine.NewStageIOError("discover", err)}
	}

	targets, err := SecurityTargets(ctx, r.feed, installed, r.logger)
	if err != nil {
		return r.result(StepBegin, nil, err)
	}
	if len(targets) == 0 {
		return ActionResult{Kind: Continue, Step: StepDone, Reason: "no security updates available"}
	}

	r.logger.WithField("targets", targets).Info("security updates found")
	return r.Run(ctx, targets, true)
}

// SecurityTargets maps installed packages to the security release an
// unattended run should install.
func SecurityTargets(ctx context.Context, feed engine.ReleaseFeed, installed engine.PackageSet, logger *telemetry.Logger) (map[string]string, error) {
	if logger == nil {
		logger = telemetry.Nop()
	}
	targets := make(map[string]string)
	for _, name := range installed.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkg := installed[name]
		available, err := feed.AvailableReleases(ctx, pkg.Project())
		if err != nil {
			logger.WithField("package", name).WithError(err).Warn("skipping package; release feed unavailable")
			continue
		}
		if target, ok := releases.SelectUnattendedTarget(pkg.Version, available); ok {
			targets[name] = target
		}
	}
	return targets, nil
}
