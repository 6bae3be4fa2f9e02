package releases

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// FileFeed reads release documents named <project>.json from a directory.
type FileFeed struct {
	fs  afero.Fs
	dir string
}

var _ engine.ReleaseFeed = (*FileFeed)(nil)

// NewFileFeed creates a feed over dir on fs.
func NewFileFeed(fs afero.Fs, dir string) *FileFeed {
	return &FileFeed{fs: fs, dir: dir}
}

// AvailableReleases returns the releases listed in <dir>/<project>.json.
func (f *FileFeed) AvailableReleases(ctx context.Context, project string) ([]engine.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if project == "" || filepath.Base(project) != project {
		return nil, fmt.Errorf("invalid project name %q", project)
	}

	data, err := afero.ReadFile(f.fs, filepath.Join(f.dir, project+".json"))
	if err != nil {
		return nil, fmt.Errorf("reading releases for %s: %w", project, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.Releases, nil
}
