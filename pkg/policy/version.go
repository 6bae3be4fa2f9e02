package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// VersionInput is what a version rule sees for one requested package.
type VersionInput struct {
	// Package is the package name.
	Package string

	// Installed is the live version. Empty when the package is new.
	Installed string

	// Target is the requested version.
	Target string

	// Releases are the installable releases advertised by the feed, newest first.
	Releases []engine.Release

	// SupportedBranches lists "major.minor." prefixes that still receive releases.
	SupportedBranches []string
}

// VersionRule checks one aspect of moving a package from Installed to Target.
// A rule returns no messages when the move is acceptable.
type VersionRule interface {
	Name() string
	Severity() engine.Severity
	// UsesFeed reports whether Check reads Releases or SupportedBranches.
	UsesFeed() bool
	Check(in VersionInput) []string
}

// RuleConfig holds the knobs shared by the attended and unattended rule sets.
type RuleConfig struct {
	AllowMinorUpdates bool
}

// AttendedRules is the rule set for operator-driven updates.
func AttendedRules(cfg RuleConfig) []VersionRule {
	return []VersionRule{
		ForbidDevSnapshot{},
		ForbidDowngrade{},
		MajorVersionMatch{},
		ForbidMinorUpdates{Allow: cfg.AllowMinorUpdates},
		SupportedBranchInstalled{AttendedAvailable: true},
		TargetVersionInstallable{},
	}
}

// UnattendedRules is the rule set for cron-driven updates. It contains every
// attended check plus the stability and security requirements, and never
// allows minor updates.
func UnattendedRules(RuleConfig) []VersionRule {
	return []VersionRule{
		ForbidDevSnapshot{},
		ForbidDowngrade{},
		MajorVersionMatch{},
		ForbidMinorUpdates{Allow: false},
		StableReleaseInstalled{},
		SupportedBranchInstalled{AttendedAvailable: false},
		TargetVersionInstallable{},
		TargetSecurityRelease{},
		TargetVersionStable{},
	}
}

// ForbidDevSnapshot rejects updates from a development snapshot.
type ForbidDevSnapshot struct{}

func (ForbidDevSnapshot) Name() string              { return "forbid_dev_snapshot" }
func (ForbidDevSnapshot) Severity() engine.Severity { return engine.SeverityError }
func (ForbidDevSnapshot) UsesFeed() bool            { return false }

func (ForbidDevSnapshot) Check(in VersionInput) []string {
	if !engine.IsDevSnapshot(in.Installed) {
		return nil
	}
	return []string{fmt.Sprintf("%s is installed at development snapshot %s; updating from a dev snapshot is not supported", in.Package, in.Installed)}
}

// ForbidDowngrade rejects a target lower than the installed version.
type ForbidDowngrade struct{}

func (ForbidDowngrade) Name() string              { return "forbid_downgrade" }
func (ForbidDowngrade) Severity() engine.Severity { return engine.SeverityError }
func (ForbidDowngrade) UsesFeed() bool            { return false }

func (ForbidDowngrade) Check(in VersionInput) []string {
	installed, target, msg := parsePair(in)
	if msg != "" {
		return []string{msg}
	}
	if installed == nil {
		return nil
	}
	if target.LessThan(installed) {
		return []string{fmt.Sprintf("%s: downgrading from %s to %s is not allowed", in.Package, in.Installed, in.Target)}
	}
	return nil
}

// MajorVersionMatch rejects crossing a major version boundary.
type MajorVersionMatch struct{}

func (MajorVersionMatch) Name() string              { return "major_version_match" }
func (MajorVersionMatch) Severity() engine.Severity { return engine.SeverityError }
func (MajorVersionMatch) UsesFeed() bool            { return false }

func (MajorVersionMatch) Check(in VersionInput) []string {
	installed, target, msg := parsePair(in)
	if msg != "" {
		return []string{msg}
	}
	if installed == nil {
		return nil
	}
	if installed.Segments()[0] != target.Segments()[0] {
		return []string{fmt.Sprintf("%s: updating across major versions (%s to %s) is not supported", in.Package, in.Installed, in.Target)}
	}
	return nil
}

// ForbidMinorUpdates rejects crossing a minor version boundary unless Allow is set.
// Major changes are left to MajorVersionMatch.
type ForbidMinorUpdates struct {
	Allow bool
}

func (ForbidMinorUpdates) Name() string              { return "forbid_minor_updates" }
func (ForbidMinorUpdates) Severity() engine.Severity { return engine.SeverityError }
func (ForbidMinorUpdates) UsesFeed() bool            { return false }

func (r ForbidMinorUpdates) Check(in VersionInput) []string {
	if r.Allow {
		return nil
	}
	installed, target, msg := parsePair(in)
	if msg != "" || installed == nil {
		return nil
	}
	is, ts := installed.Segments(), target.Segments()
	if is[0] == ts[0] && is[1] != ts[1] {
		return []string{fmt.Sprintf("%s: updating across minor versions (%s to %s) is not enabled", in.Package, in.Installed, in.Target)}
	}
	return nil
}

// StableReleaseInstalled requires the installed version to be a stable release.
type StableReleaseInstalled struct{}

func (StableReleaseInstalled) Name() string              { return "stable_release_installed" }
func (StableReleaseInstalled) Severity() engine.Severity { return engine.SeverityError }
func (StableReleaseInstalled) UsesFeed() bool            { return false }

func (StableReleaseInstalled) Check(in VersionInput) []string {
	if in.Installed == "" {
		return nil
	}
	installed, err := engine.ParseVersion(in.Installed)
	if err != nil {
		return []string{fmt.Sprintf("%s: installed version %q cannot be parsed", in.Package, in.Installed)}
	}
	if installed.Prerelease() != "" {
		return []string{fmt.Sprintf("%s: installed version %s is not a stable release; unattended updates require a stable release", in.Package, in.Installed)}
	}
	return nil
}

// SupportedBranchInstalled requires the installed branch to still be supported.
// When an attended path exists the result is a warning that suggests the
// newest release on a supported branch.
type SupportedBranchInstalled struct {
	AttendedAvailable bool
}

func (SupportedBranchInstalled) Name() string   { return "supported_branch_installed" }
func (SupportedBranchInstalled) UsesFeed() bool { return true }

func (r SupportedBranchInstalled) Severity() engine.Severity {
	if r.AttendedAvailable {
		return engine.SeverityWarning
	}
	return engine.SeverityError
}

func (r SupportedBranchInstalled) Check(in VersionInput) []string {
	if in.Installed == "" || len(in.SupportedBranches) == 0 {
		return nil
	}
	branch, err := engine.Branch(in.Installed)
	if err != nil {
		return []string{fmt.Sprintf("%s: installed version %q cannot be parsed", in.Package, in.Installed)}
	}
	for _, b := range in.SupportedBranches {
		if b == branch {
			return nil
		}
	}

	msg := fmt.Sprintf("%s: installed branch %s is no longer supported (supported: %s)",
		in.Package, branch, strings.Join(in.SupportedBranches, ", "))
	if !r.AttendedAvailable {
		return []string{msg}
	}
	if latest := latestSupported(in.Releases, in.SupportedBranches); latest != "" {
		msg += fmt.Sprintf("; update manually to %s", latest)
	} else {
		msg += "; update manually to a supported branch"
	}
	return []string{msg}
}

// TargetVersionInstallable requires the target to be advertised by the feed.
type TargetVersionInstallable struct{}

func (TargetVersionInstallable) Name() string              { return "target_version_installable" }
func (TargetVersionInstallable) Severity() engine.Severity { return engine.SeverityError }
func (TargetVersionInstallable) UsesFeed() bool            { return true }

func (TargetVersionInstallable) Check(in VersionInput) []string {
	if findRelease(in.Releases, in.Target) != nil {
		return nil
	}
	if len(in.Releases) == 0 {
		return []string{fmt.Sprintf("%s: no installable releases are available", in.Package)}
	}
	return []string{fmt.Sprintf("%s: %s is not an installable release", in.Package, in.Target)}
}

// TargetSecurityRelease requires the target to be a security release.
type TargetSecurityRelease struct{}

func (TargetSecurityRelease) Name() string              { return "target_security_release" }
func (TargetSecurityRelease) Severity() engine.Severity { return engine.SeverityError }
func (TargetSecurityRelease) UsesFeed() bool            { return true }

func (TargetSecurityRelease) Check(in VersionInput) []string {
	release := findRelease(in.Releases, in.Target)
	if release == nil {
		// Reported by TargetVersionInstallable.
		return nil
	}
	if !release.SecurityRelease {
		return []string{fmt.Sprintf("%s: %s is not a security release; unattended updates only install security releases", in.Package, in.Target)}
	}
	return nil
}

// TargetVersionStable requires the target to be a stable release or a release candidate.
type TargetVersionStable struct{}

func (TargetVersionStable) Name() string              { return "target_version_stable" }
func (TargetVersionStable) Severity() engine.Severity { return engine.SeverityError }
func (TargetVersionStable) UsesFeed() bool            { return false }

func (TargetVersionStable) Check(in VersionInput) []string {
	target, err := engine.ParseVersion(in.Target)
	if err != nil {
		return []string{fmt.Sprintf("%s: target version %q cannot be parsed", in.Package, in.Target)}
	}
	pre := strings.ToLower(target.Prerelease())
	if pre == "" || strings.HasPrefix(pre, "rc") {
		return nil
	}
	return []string{fmt.Sprintf("%s: %s is a pre-release; unattended updates require a stable or release candidate version", in.Package, in.Target)}
}

// parsePair parses both versions. installed is nil when nothing is installed.
func parsePair(in VersionInput) (installed, target *version.Version, msg string) {
	var err error
	if in.Installed != "" {
		if installed, err = engine.ParseVersion(in.Installed); err != nil {
			return nil, nil, fmt.Sprintf("%s: installed version %q cannot be parsed", in.Package, in.Installed)
		}
	}
	if target, err = engine.ParseVersion(in.Target); err != nil {
		return nil, nil, fmt.Sprintf("%s: target version %q cannot be parsed", in.Package, in.Target)
	}
	return installed, target, ""
}

func findRelease(releases []engine.Release, v string) *engine.Release {
	for i := range releases {
		if releases[i].Version == v {
			return &releases[i]
		}
	}
	return nil
}

func latestSupported(releases []engine.Release, branches []string) string {
	for _, r := range releases {
		for _, b := range branches {
			if strings.HasPrefix(r.Version, b) {
				return r.Version
			}
		}
	}
	return ""
}

// SupportedBranches returns the distinct support branches named by the
// releases, in feed order.
func SupportedBranches(releases []engine.Release) []string {
	seen := make(map[string]bool)
	var branches []string
	for _, r := range releases {
		if r.SupportBranch == "" || seen[r.SupportBranch] {
			continue
		}
		seen[r.SupportBranch] = true
		branches = append(branches, r.SupportBranch)
	}
	return branches
}

// VersionPolicyValidator applies one rule to every requested package of a stage.
type VersionPolicyValidator struct {
	Rule VersionRule
	Feed engine.ReleaseFeed
	// Branches overrides the supported branches derived from the feed.
	Branches []string
}

// NewVersionValidators wraps each rule in a VersionPolicyValidator.
func NewVersionValidators(rules []VersionRule, feed engine.ReleaseFeed, branches []string) []engine.Validator {
	out := make([]engine.Validator, len(rules))
	for i, r := range rules {
		out[i] = &VersionPolicyValidator{Rule: r, Feed: feed, Branches: branches}
	}
	return out
}

// Name returns the rule name.
func (v *VersionPolicyValidator) Name() string { return v.Rule.Name() }

// Validate runs the rule for each requested package, in name order.
func (v *VersionPolicyValidator) Validate(ctx context.Context, input *engine.ValidationInput) (engine.ValidationResult, error) {
	result := engine.ValidationResult{Validator: v.Name(), Severity: engine.SeverityOK}
	if input.Stage == nil {
		return result, fmt.Errorf("no stage to validate")
	}

	for _, name := range input.Stage.RequestedNames() {
		in := VersionInput{
			Package: name,
			Target:  input.Stage.TargetVersions[name],
		}
		installed, ok := input.Installed[name]
		if ok {
			in.Installed = installed.Version
		}

		if v.Rule.UsesFeed() {
			if v.Feed == nil {
				return result, fmt.Errorf("rule %s needs a release feed", v.Rule.Name())
			}
			project := name
			if ok {
				project = installed.Project()
			}
			releases, err := v.Feed.AvailableReleases(ctx, project)
			if err != nil {
				return result, fmt.Errorf("fetching releases for %s: %w", project, err)
			}
			in.Releases = releases
			in.SupportedBranches = v.Branches
			if len(in.SupportedBranches) == 0 {
				in.SupportedBranches = SupportedBranches(releases)
			}
		}

		result.Messages = append(result.Messages, v.Rule.Check(in)...)
	}

	if len(result.Messages) > 0 {
		result.Severity = v.Rule.Severity()
	}
	return result, nil
}

// StagedTargetsValidator checks that every requested target landed in the
// staging directory at the requested version.
type StagedTargetsValidator struct{}

// Name returns the validator name.
func (StagedTargetsValidator) Name() string { return "staged_targets" }

// Validate compares the stage targets with the staged package set.
func (StagedTargetsValidator) Validate(_ context.Context, input *engine.ValidationInput) (engine.ValidationResult, error) {
	result := engine.ValidationResult{Validator: "staged_targets", Severity: engine.SeverityOK}
	if input.Stage == nil {
		return result, fmt.Errorf("no stage to validate")
	}
	for _, name := range input.Stage.RequestedNames() {
		want := input.Stage.TargetVersions[name]
		got, ok := input.Staged[name]
		switch {
		case !ok:
			result.Messages = append(result.Messages, fmt.Sprintf("%s is missing from the staged packages", name))
		case got.Version != want:
			result.Messages = append(result.Messages, fmt.Sprintf("%s was staged at %s, requested %s", name, got.Version, want))
		}
	}
	if len(result.Messages) > 0 {
		result.Severity = engine.SeverityError
	}
	return result, nil
}
