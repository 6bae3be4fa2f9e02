package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// maxOutput is how much trailing command output is kept in an error.
const maxOutput = 2048

// CommandHook runs an external command, such as a schema update, in the
// project root. Without args the command is run through /bin/sh -c.
type CommandHook struct {
	name    string
	command string
	args    []string
	env     map[string]string
	timeout time.Duration
}

// NewCommandHook creates a command hook.
func NewCommandHook(name, command string, args []string, env map[string]string, timeout time.Duration) *CommandHook {
	return &CommandHook{
		name:    name,
		command: command,
		args:    args,
		env:     env,
		timeout: timeout,
	}
}

// Name returns the hook name.
func (h *CommandHook) Name() string { return h.name }

// Run executes the command. The stage is described to it through
// STAGEHAND_STAGE_ID, STAGEHAND_PROJECT_ROOT and STAGEHAND_TARGETS.
func (h *CommandHook) Run(ctx context.Context, stage *engine.UpdateStage) error {
	if h.command == "" {
		return fmt.Errorf("command is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if len(h.args) > 0 {
		cmd = exec.CommandContext(ctx, h.command, h.args...)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", h.command)
	}
	cmd.Dir = stage.ProjectRoot
	cmd.Env = append(os.Environ(), h.environment(stage)...)

	// exec serializes writes when both streams share one writer.
	output := &tailBuffer{limit: maxOutput}
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("command %s interrupted: %w", h.command, ctxErr)
	}

	tail := strings.TrimSpace(output.String())
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("command %s exited with code %d: %s", h.command, exitErr.ExitCode(), tail)
	}
	return fmt.Errorf("failed to execute command %s: %w", h.command, err)
}

func (h *CommandHook) environment(stage *engine.UpdateStage) []string {
	targets := make([]string, 0, len(stage.TargetVersions))
	for _, name := range stage.RequestedNames() {
		targets = append(targets, name+"="+stage.TargetVersions[name])
	}

	env := []string{
		"STAGEHAND_STAGE_ID=" + stage.ID,
		"STAGEHAND_PROJECT_ROOT=" + stage.ProjectRoot,
		"STAGEHAND_TARGETS=" + strings.Join(targets, " "),
	}

	keys := make([]string, 0, len(h.env))
	for k := range h.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, h.env[k]))
	}
	return env
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.limit {
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.limit; over > 0 {
		copy(t.buf, t.buf[over:])
		t.buf = t.buf[:len(t.buf)-over]
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
