package hooks

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/openfroyo/stagehand/pkg/config"
)

// FromConfig builds a runner from the configured hooks. Starlark hooks
// given as a file are read through fs.
func FromConfig(cfgs []config.HookConfig, fs afero.Fs, logger zerolog.Logger) (*Runner, error) {
	hooks := make([]Hook, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Type {
		case config.HookStarlark:
			script, filename := c.Script, ""
			if c.File != "" {
				data, err := afero.ReadFile(fs, c.File)
				if err != nil {
					return nil, fmt.Errorf("hook %s: %w", c.Name, err)
				}
				script, filename = string(data), c.File
			}
			hooks = append(hooks, NewStarlarkHook(c.Name, filename, script, c.Timeout.Std(), logger))
		case config.HookClearDir:
			hooks = append(hooks, NewClearDirHook(c.Name, fs, c.Dir))
		case config.HookCommand:
			hooks = append(hooks, NewCommandHook(c.Name, c.Command, c.Args, c.Env, c.Timeout.Std()))
		default:
			return nil, fmt.Errorf("hook %s: unknown type %q", c.Name, c.Type)
		}
	}
	return NewRunner(logger, hooks...), nil
}
