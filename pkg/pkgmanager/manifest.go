package pkgmanager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// ManifestFile is the name of the package manifest in a project root or stage directory.
const ManifestFile = "packages.yaml"

// PackagesDir holds one directory per installed package.
const PackagesDir = "packages"

// MetadataFile is the optional per-release metadata file in the registry.
const MetadataFile = "package.yaml"

// Manifest lists the packages installed in a tree.
type Manifest struct {
	Packages []ManifestEntry `yaml:"packages" validate:"dive"`
}

// ManifestEntry is one installed package.
type ManifestEntry struct {
	Name    string `yaml:"name" validate:"required,excludesall=/"`
	Version string `yaml:"version" validate:"required"`
	Type    string `yaml:"type" validate:"required,oneof=module theme library core"`
	Project string `yaml:"project,omitempty"`
}

// Metadata describes a release in the registry.
type Metadata struct {
	Type    string `yaml:"type" validate:"omitempty,oneof=module theme library core"`
	Project string `yaml:"project,omitempty"`
	// Requires pins other packages to exact versions.
	Requires map[string]string `yaml:"requires,omitempty"`
	// Replaces lists packages this release supersedes; they are uninstalled.
	Replaces []string `yaml:"replaces,omitempty"`
}

// PackageSet converts the manifest into an engine package set.
func (m *Manifest) PackageSet() (engine.PackageSet, error) {
	pkgs := make([]engine.Package, 0, len(m.Packages))
	for _, e := range m.Packages {
		pkgs = append(pkgs, engine.Package{
			Name:        e.Name,
			Version:     e.Version,
			Type:        engine.PackageType(e.Type),
			ProjectName: e.Project,
		})
	}
	set, err := engine.NewPackageSet(pkgs...)
	if err != nil {
		return nil, err
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// manifestFromSet builds a manifest sorted by package name.
func manifestFromSet(set engine.PackageSet) *Manifest {
	m := &Manifest{Packages: make([]ManifestEntry, 0, len(set))}
	for _, name := range set.Names() {
		p := set[name]
		m.Packages = append(m.Packages, ManifestEntry{
			Name:    p.Name,
			Version: p.Version,
			Type:    string(p.Type),
			Project: p.ProjectName,
		})
	}
	return m
}

func readManifest(fs afero.Fs, v *validator.Validate, dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := v.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// writeManifest writes through a temporary file and a rename so readers
// never see a partial manifest.
func writeManifest(fs afero.Fs, dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func readMetadata(fs afero.Fs, v *validator.Validate, dir string) (*Metadata, error) {
	path := filepath.Join(dir, MetadataFile)
	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return &Metadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := v.Struct(&meta); err != nil {
		return nil, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	return &meta, nil
}
