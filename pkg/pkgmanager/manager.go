package pkgmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// backupDir holds the previous package trees while an apply is in progress.
const backupDir = ".stagehand-backup"

// ManifestManager installs packages from a local registry into trees
// described by packages.yaml. The registry holds one directory per release
// at <registry>/<name>/<version>.
type ManifestManager struct {
	fs       afero.Fs
	registry string
	validate *validator.Validate
	logger   zerolog.Logger
}

var _ engine.PackageManager = (*ManifestManager)(nil)

// NewManifestManager creates a manager over fs.
func NewManifestManager(fs afero.Fs, registry string, logger zerolog.Logger) *ManifestManager {
	return &ManifestManager{
		fs:       fs,
		registry: registry,
		validate: validator.New(),
		logger:   logger.With().Str("component", "package-manager").Logger(),
	}
}

// InstalledPackages reads the live manifest.
func (m *ManifestManager) InstalledPackages(_ context.Context, projectRoot string) (engine.PackageSet, error) {
	manifest, err := readManifest(m.fs, m.validate, projectRoot)
	if err != nil {
		return nil, err
	}
	return manifest.PackageSet()
}

// StagedPackages reads the manifest written into a stage directory.
func (m *ManifestManager) StagedPackages(_ context.Context, stageDir string) (engine.PackageSet, error) {
	manifest, err := readManifest(m.fs, m.validate, stageDir)
	if err != nil {
		return nil, err
	}
	return manifest.PackageSet()
}

// StagePackages resolves targets against the registry, copies every changed
// package tree into stageDir and writes the resulting manifest there.
// Packages pinned by a target's requires list are pulled in as well.
func (m *ManifestManager) StagePackages(ctx context.Context, projectRoot, stageDir string, targets map[string]string) error {
	installed, err := m.InstalledPackages(ctx, projectRoot)
	if err != nil {
		return err
	}

	resolved, changed, err := m.resolve(installed, targets)
	if err != nil {
		return err
	}

	if err := m.fs.MkdirAll(filepath.Join(stageDir, PackagesDir), 0o755); err != nil {
		return fmt.Errorf("creating stage directory: %w", err)
	}

	for _, name := range changed {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := m.releaseDir(name, resolved[name].Version)
		dst := filepath.Join(stageDir, PackagesDir, name)
		if err := copyTree(m.fs, src, dst); err != nil {
			return fmt.Errorf("staging %s %s: %w", name, resolved[name].Version, err)
		}
		m.logger.Debug().
			Str("package", name).
			Str("version", resolved[name].Version).
			Msg("Package staged")
	}

	return writeManifest(m.fs, stageDir, manifestFromSet(resolved))
}

// resolve applies targets and their pins to the installed set. It returns
// the new set and the sorted names of packages whose tree must be staged.
func (m *ManifestManager) resolve(installed engine.PackageSet, targets map[string]string) (engine.PackageSet, []string, error) {
	resolved := make(engine.PackageSet, len(installed))
	for name, p := range installed {
		resolved[name] = p
	}

	type pin struct{ name, version, by string }
	queue := make([]pin, 0, len(targets))
	for _, name := range sortedKeys(targets) {
		queue = append(queue, pin{name: name, version: targets[name], by: "request"})
	}

	pinned := make(map[string]pin)
	var removed []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if prev, ok := pinned[next.name]; ok {
			if prev.version != next.version {
				return nil, nil, fmt.Errorf("conflicting requirements for %s: %s wants %s, %s wants %s",
					next.name, prev.by, prev.version, next.by, next.version)
			}
			continue
		}
		pinned[next.name] = next

		dir := m.releaseDir(next.name, next.version)
		if ok, err := afero.DirExists(m.fs, dir); err != nil || !ok {
			return nil, nil, fmt.Errorf("%s %s is not available in the registry", next.name, next.version)
		}
		meta, err := readMetadata(m.fs, m.validate, dir)
		if err != nil {
			return nil, nil, err
		}

		pkg := engine.Package{Name: next.name, Version: next.version, Type: engine.PackageTypeModule}
		if current, ok := installed[next.name]; ok {
			pkg.Type = current.Type
			pkg.ProjectName = current.ProjectName
		}
		if meta.Type != "" {
			pkg.Type = engine.PackageType(meta.Type)
		}
		if meta.Project != "" {
			pkg.ProjectName = meta.Project
		}
		resolved[next.name] = pkg

		for _, dep := range sortedKeys(meta.Requires) {
			queue = append(queue, pin{name: dep, version: meta.Requires[dep], by: next.name})
		}
		removed = append(removed, meta.Replaces...)
	}

	for _, name := range removed {
		if _, ok := pinned[name]; ok {
			return nil, nil, fmt.Errorf("%s is both required and replaced", name)
		}
		delete(resolved, name)
	}

	var changed []string
	for name, p := range resolved {
		if current, ok := installed[name]; !ok || current.Version != p.Version {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return resolved, changed, nil
}

// ApplyStagedChanges moves the staged package trees into the project and
// writes the manifest last. Each replaced tree is kept in a backup directory
// until the whole apply succeeds. On failure the current package is rolled
// back and an *engine.ApplyError lists what was and was not applied.
func (m *ManifestManager) ApplyStagedChanges(ctx context.Context, projectRoot, stageDir string) error {
	installed, err := m.InstalledPackages(ctx, projectRoot)
	if err != nil {
		return err
	}
	staged, err := readManifest(m.fs, m.validate, stageDir)
	if err != nil {
		return err
	}
	stagedSet, err := staged.PackageSet()
	if err != nil {
		return err
	}

	var work []string
	for _, name := range stagedSet.Names() {
		if current, ok := installed[name]; !ok || current.Version != stagedSet[name].Version {
			work = append(work, name)
		}
	}
	for _, name := range installed.Names() {
		if _, ok := stagedSet[name]; !ok {
			work = append(work, name)
		}
	}

	backups := filepath.Join(projectRoot, backupDir)
	if err := m.fs.MkdirAll(backups, 0o755); err != nil {
		return &engine.ApplyError{Pending: work, Err: fmt.Errorf("creating backup directory: %w", err)}
	}
	if err := m.fs.MkdirAll(filepath.Join(projectRoot, PackagesDir), 0o755); err != nil {
		return &engine.ApplyError{Pending: work, Err: err}
	}

	applied := make([]string, 0, len(work))
	for i, name := range work {
		live := filepath.Join(projectRoot, PackagesDir, name)
		backup := filepath.Join(backups, name)
		_, keep := stagedSet[name]

		if err := m.swap(live, backup, filepath.Join(stageDir, PackagesDir, name), keep); err != nil {
			return &engine.ApplyError{
				Applied: applied,
				Pending: append([]string(nil), work[i:]...),
				Err:     fmt.Errorf("applying %s: %w", name, err),
			}
		}
		applied = append(applied, name)
		m.logger.Debug().Str("package", name).Bool("removed", !keep).Msg("Package applied")
	}

	if err := writeManifest(m.fs, projectRoot, staged); err != nil {
		return &engine.ApplyError{Applied: applied, Pending: []string{ManifestFile}, Err: err}
	}

	if err := m.fs.RemoveAll(backups); err != nil {
		m.logger.Warn().Err(err).Str("path", backups).Msg("Failed to remove apply backups")
	}
	return nil
}

// swap moves live aside and, when keep is set, moves staged into place.
// If moving the staged tree fails the backup is restored.
func (m *ManifestManager) swap(live, backup, staged string, keep bool) error {
	if err := m.fs.RemoveAll(backup); err != nil {
		return err
	}
	hadLive, err := afero.Exists(m.fs, live)
	if err != nil {
		return err
	}
	if hadLive {
		if err := m.fs.Rename(live, backup); err != nil {
			return err
		}
	}
	if !keep {
		return nil
	}
	if err := m.move(staged, live); err != nil {
		if hadLive {
			if rerr := m.fs.Rename(backup, live); rerr != nil {
				m.logger.Error().Err(rerr).Str("path", live).Msg("Failed to restore package after apply error")
			}
		}
		return err
	}
	return nil
}

// move renames src to dst, copying when a rename is not possible.
func (m *ManifestManager) move(src, dst string) error {
	if err := m.fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(m.fs, src, dst); err != nil {
		_ = m.fs.RemoveAll(dst)
		return err
	}
	return m.fs.RemoveAll(src)
}

// RemoveStage deletes the stage directory.
func (m *ManifestManager) RemoveStage(_ context.Context, stageDir string) error {
	if stageDir == "" {
		return nil
	}
	if err := m.fs.RemoveAll(stageDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", stageDir, err)
	}
	return nil
}

func (m *ManifestManager) releaseDir(name, version string) string {
	return filepath.Join(m.registry, name, version)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// copyTree copies the directory src to dst, creating dst.
func copyTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		return afero.WriteFile(fs, target, data, info.Mode().Perm())
	})
}
