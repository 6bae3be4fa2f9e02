package engine

import (
	"fmt"
	"sort"
	"time"
)

// Package is a single installed or staged package.
type Package struct {
	// Name is unique within a PackageSet.
	Name string `json:"name" yaml:"name"`

	// Version is a semantic version string.
	Version string `json:"version" yaml:"version"`

	// Type is the package kind (module, theme, library, core).
	Type PackageType `json:"type" yaml:"type"`

	// ProjectName is the human-facing project identifier used by the release feed.
	ProjectName string `json:"project_name,omitempty" yaml:"project,omitempty"`
}

// Project returns the release feed identifier for the package.
func (p Package) Project() string {
	if p.ProjectName != "" {
		return p.ProjectName
	}
	return p.Name
}

// Validate checks the package name, version and type.
func (p Package) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("package name is required")
	}
	if _, err := ParseVersion(p.Version); err != nil {
		return fmt.Errorf("package %s: %w", p.Name, err)
	}
	if err := p.Type.Validate(); err != nil {
		return fmt.Errorf("package %s: %w", p.Name, err)
	}
	return nil
}

// PackageSet maps package names to packages.
type PackageSet map[string]Package

// Validate checks that every key matches its package name and every package is valid.
func (s PackageSet) Validate() error {
	for name, pkg := range s {
		if name != pkg.Name {
			return fmt.Errorf("package set key %q does not match package name %q", name, pkg.Name)
		}
		if err := pkg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the package names in sorted order.
func (s PackageSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewPackageSet builds a set from a list, rejecting duplicate names.
func NewPackageSet(pkgs ...Package) (PackageSet, error) {
	set := make(PackageSet, len(pkgs))
	for _, p := range pkgs {
		if _, exists := set[p.Name]; exists {
			return nil, fmt.Errorf("duplicate package %s", p.Name)
		}
		set[p.Name] = p
	}
	return set, nil
}

// PackageDiff is one package whose version differs between the installed and staged sets.
type PackageDiff struct {
	Name           string         `json:"name"`
	Type           PackageType    `json:"type,omitempty"`
	From           string         `json:"from,omitempty"`
	To             string         `json:"to,omitempty"`
	Change         ChangeKind     `json:"change"`
	Classification Classification `json:"classification"`
}

// String renders the diff for logs and failure markers.
func (d PackageDiff) String() string {
	switch d.Change {
	case ChangeAddition:
		return fmt.Sprintf("%s: (none) -> %s [%s]", d.Name, d.To, d.Classification)
	case ChangeRemoval:
		return fmt.Sprintf("%s: %s -> (removed) [%s]", d.Name, d.From, d.Classification)
	default:
		return fmt.Sprintf("%s: %s -> %s [%s]", d.Name, d.From, d.To, d.Classification)
	}
}

// DiffResult holds version changes and removals, each sorted by package name.
type DiffResult struct {
	Changes  []PackageDiff `json:"changes"`
	Removals []PackageDiff `json:"removals"`
}

// IsEmpty returns true when nothing changes.
func (d DiffResult) IsEmpty() bool {
	return len(d.Changes) == 0 && len(d.Removals) == 0
}

// Requested returns the changes that were explicitly asked for.
func (d DiffResult) Requested() []PackageDiff {
	return d.filter(func(p PackageDiff) bool { return p.Classification == ClassificationRequested })
}

// Incidental returns the changes pulled in as side effects.
func (d DiffResult) Incidental() []PackageDiff {
	return d.filter(func(p PackageDiff) bool { return p.Classification == ClassificationIncidental })
}

// Additions returns packages that are new in the staged set.
func (d DiffResult) Additions() []PackageDiff {
	return d.filter(func(p PackageDiff) bool { return p.Change == ChangeAddition })
}

// All returns changes followed by removals.
func (d DiffResult) All() []PackageDiff {
	all := make([]PackageDiff, 0, len(d.Changes)+len(d.Removals))
	all = append(all, d.Changes...)
	return append(all, d.Removals...)
}

func (d DiffResult) filter(keep func(PackageDiff) bool) []PackageDiff {
	var out []PackageDiff
	for _, c := range d.Changes {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Strings renders every entry, used for failure marker details.
func (d DiffResult) Strings() []string {
	all := d.All()
	out := make([]string, len(all))
	for i, c := range all {
		out[i] = c.String()
	}
	return out
}

// ValidationResult is the outcome of one validator invocation.
type ValidationResult struct {
	// Validator is the registered name of the validator that produced the result.
	Validator string `json:"validator"`

	// Severity is OK, WARNING or ERROR.
	Severity Severity `json:"severity"`

	// Summary is an optional short description.
	Summary string `json:"summary,omitempty"`

	// Messages is non-empty unless Severity is OK.
	Messages []string `json:"messages,omitempty"`
}

// Validate checks the messages invariant.
func (r ValidationResult) Validate() error {
	if err := r.Severity.Validate(); err != nil {
		return err
	}
	if r.Severity != SeverityOK && len(r.Messages) == 0 {
		return fmt.Errorf("validator %s returned %s without messages", r.Validator, r.Severity)
	}
	return nil
}

// OverallSeverity returns the highest severity across results, or OK for an empty list.
func OverallSeverity(results []ValidationResult) Severity {
	overall := SeverityOK
	for _, r := range results {
		if r.Severity.Rank() > overall.Rank() {
			overall = r.Severity
		}
	}
	return overall
}

// UpdateStage is the persisted subject of the update state machine.
type UpdateStage struct {
	ID                string             `json:"stage_id"`
	ProjectRoot       string             `json:"project_root"`
	StageDir          string             `json:"stage_dir"`
	State             StageState         `json:"state"`
	TargetVersions    map[string]string  `json:"target_versions"`
	Unattended        bool               `json:"unattended"`
	OwnerToken        string             `json:"-"`
	FailureMarker     *string            `json:"failure_marker,omitempty"`
	ValidationResults []ValidationResult `json:"validation_results,omitempty"`
	CommitStarted     bool               `json:"commit_started"`
	PostApplied       bool               `json:"post_applied"`
	LastError         string             `json:"last_error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RequestedNames returns the target package names in sorted order.
func (s *UpdateStage) RequestedNames() []string {
	names := make([]string, 0, len(s.TargetVersions))
	for name := range s.TargetVersions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle returns the lock handle owned by the stage.
func (s *UpdateStage) Handle() LockHandle {
	return LockHandle{ProjectRoot: s.ProjectRoot, OwnerToken: s.OwnerToken}
}

// FailureMarker is the durable record of an unrecoverable stage or commit failure.
type FailureMarker struct {
	ProjectRoot string                 `json:"project_root"`
	StageID     string                 `json:"stage_id"`
	Operation   string                 `json:"operation"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// LockRecord is the persisted owner record of a stage lock.
type LockRecord struct {
	ProjectRoot    string    `json:"project_root"`
	OwnerToken     string    `json:"owner_token"`
	StageID        string    `json:"stage_id"`
	StageDirectory string    `json:"stage_directory"`
	PID            int       `json:"pid"`
	Hostname       string    `json:"hostname"`
	AcquiredAt     time.Time `json:"acquired_at"`
}

// LockHandle proves ownership of a stage lock.
type LockHandle struct {
	ProjectRoot string `json:"project_root"`
	OwnerToken  string `json:"owner_token"`
}

// Release is one entry of the upstream release feed.
type Release struct {
	Version         string `json:"version"`
	SecurityRelease bool   `json:"security_release"`
	SupportBranch   string `json:"support_branch"`
}

// StageEvent is an entry in a stage's timeline.
type StageEvent struct {
	ID        int64                  `json:"id"`
	StageID   string                 `json:"stage_id"`
	Type      EventType              `json:"type"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditEntry records an operator action such as a forced lock clear.
type AuditEntry struct {
	ID          int64                  `json:"id"`
	Action      string                 `json:"action"`
	Actor       string                 `json:"actor"`
	ProjectRoot string                 `json:"project_root"`
	StageID     string                 `json:"stage_id,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}
