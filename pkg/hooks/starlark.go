package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// StarlarkHook runs a Starlark script after a commit. The script sees
// stage_id, project_root, unattended and targets (a dict of name to version)
// and may call fail(msg) to report an error.
type StarlarkHook struct {
	name     string
	filename string
	script   string
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewStarlarkHook creates a hook from script source. filename is used in
// error positions.
func NewStarlarkHook(name, filename, script string, timeout time.Duration, logger zerolog.Logger) *StarlarkHook {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if filename == "" {
		filename = name + ".star"
	}
	return &StarlarkHook{
		name:     name,
		filename: filename,
		script:   script,
		timeout:  timeout,
		logger:   logger.With().Str("hook", name).Logger(),
	}
}

// Name returns the hook name.
func (h *StarlarkHook) Name() string { return h.name }

// scriptOptions allows top-level if and for statements in hook scripts.
var scriptOptions = &syntax.FileOptions{
	TopLevelControl: true,
	GlobalReassign:  true,
	Set:             true,
}

// errScriptFailed wraps errors raised while running a script.
var errScriptFailed = errors.New("script failed")

// Run executes the script. The thread is cancelled when ctx ends or the
// timeout elapses.
func (h *StarlarkHook) Run(ctx context.Context, stage *engine.UpdateStage) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "post-apply:" + h.name,
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Info().Str("stage_id", stage.ID).Msg(msg)
		},
	}

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared, err := h.predeclared(stage)
	if err != nil {
		return err
	}

	if _, err := starlark.ExecFileOptions(scriptOptions, thread, h.filename, h.script, predeclared); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("starlark hook interrupted: %w", ctxErr)
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return fmt.Errorf("%w: %s", errScriptFailed, evalErr.Msg)
		}
		return fmt.Errorf("%w: %v", errScriptFailed, err)
	}
	return nil
}

func (h *StarlarkHook) predeclared(stage *engine.UpdateStage) (starlark.StringDict, error) {
	targets := starlark.NewDict(len(stage.TargetVersions))
	for _, name := range stage.RequestedNames() {
		if err := targets.SetKey(starlark.String(name), starlark.String(stage.TargetVersions[name])); err != nil {
			return nil, err
		}
	}
	targets.Freeze()

	return starlark.StringDict{
		"struct":       starlark.NewBuiltin("struct", starlarkstruct.Make),
		"fail":         starlark.NewBuiltin("fail", builtinFail),
		"stage_id":     starlark.String(stage.ID),
		"project_root": starlark.String(stage.ProjectRoot),
		"unattended":   starlark.Bool(stage.Unattended),
		"targets":      targets,
	}, nil
}

// builtinFail implements fail(msg).
func builtinFail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	return nil, errors.New(msg)
}
