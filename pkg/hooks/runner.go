package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Hook is one unit of post-apply work.
type Hook interface {
	Name() string
	Run(ctx context.Context, stage *engine.UpdateStage) error
}

// Runner runs hooks in order after a commit. Every hook runs even when an
// earlier one fails; all failures are returned together.
type Runner struct {
	hooks  []Hook
	logger zerolog.Logger
}

var _ engine.HookRunner = (*Runner)(nil)

// NewRunner creates a runner for hooks.
func NewRunner(logger zerolog.Logger, hooks ...Hook) *Runner {
	return &Runner{
		hooks:  hooks,
		logger: logger.With().Str("component", "hooks").Logger(),
	}
}

// Hooks returns the registered hooks in run order.
func (r *Runner) Hooks() []Hook {
	return r.hooks
}

// RunPostApply implements engine.HookRunner.
func (r *Runner) RunPostApply(ctx context.Context, stage *engine.UpdateStage) error {
	var result *multierror.Error

	for _, h := range r.hooks {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, fmt.Errorf("hook %s not run: %w", h.Name(), err))
			continue
		}

		start := time.Now()
		err := h.Run(ctx, stage)
		logger := r.logger.With().
			Str("hook", h.Name()).
			Str("stage_id", stage.ID).
			Dur("duration", time.Since(start)).
			Logger()

		if err != nil {
			logger.Error().Err(err).Msg("Post-apply hook failed")
			result = multierror.Append(result, fmt.Errorf("hook %s: %w", h.Name(), err))
			continue
		}
		logger.Info().Msg("Post-apply hook finished")
	}

	return result.ErrorOrNil()
}
