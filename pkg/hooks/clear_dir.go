package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// ClearDirHook empties a directory, typically a rendered cache, leaving the
// directory itself in place. Relative paths are taken from the project root.
type ClearDirHook struct {
	name string
	fs   afero.Fs
	dir  string
}

// NewClearDirHook creates a hook that empties dir.
func NewClearDirHook(name string, fs afero.Fs, dir string) *ClearDirHook {
	return &ClearDirHook{name: name, fs: fs, dir: dir}
}

// Name returns the hook name.
func (h *ClearDirHook) Name() string { return h.name }

// Run removes every entry in the directory. A missing directory is not an error.
func (h *ClearDirHook) Run(ctx context.Context, stage *engine.UpdateStage) error {
	dir := h.dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(stage.ProjectRoot, dir)
	}

	entries, err := afero.ReadDir(h.fs, dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, entry.Name())
		if err := h.fs.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	return nil
}
