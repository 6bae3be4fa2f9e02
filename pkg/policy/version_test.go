package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openfroyo/stagehand/pkg/engine"
)

type stubFeed struct {
	releases map[string][]engine.Release
	err      error
	calls    []string
}

func (f *stubFeed) AvailableReleases(_ context.Context, project string) ([]engine.Release, error) {
	f.calls = append(f.calls, project)
	if f.err != nil {
		return nil, f.err
	}
	return f.releases[project], nil
}

func TestForbidDevSnapshot(t *testing.T) {
	msgs := ForbidDevSnapshot{}.Check(VersionInput{Package: "core", Installed: "10.1.0-dev", Target: "10.1.5"})
	if len(msgs) != 1 {
		t.Fatalf("Expected exactly one message, got %v", msgs)
	}
	if !strings.Contains(msgs[0], "10.1.0-dev") {
		t.Errorf("Message %q should reference the snapshot", msgs[0])
	}

	if msgs := (ForbidDevSnapshot{}).Check(VersionInput{Package: "core", Installed: "10.1.0", Target: "10.1.5"}); len(msgs) != 0 {
		t.Errorf("Stable installs should pass, got %v", msgs)
	}
}

func TestForbidDowngrade(t *testing.T) {
	versions := []string{"1.0.0", "1.0.1", "1.2.0", "1.10.0", "2.0.0-rc1", "2.0.0", "10.1.0"}

	for _, installed := range versions {
		for _, target := range versions {
			in := VersionInput{Package: "foo", Installed: installed, Target: target}
			msgs := ForbidDowngrade{}.Check(in)

			iv, _ := engine.ParseVersion(installed)
			tv, _ := engine.ParseVersion(target)
			if tv.LessThan(iv) {
				if len(msgs) != 1 || msgs[0] == "" {
					t.Errorf("%s -> %s: expected exactly one message, got %v", installed, target, msgs)
				}
			} else if len(msgs) != 0 {
				t.Errorf("%s -> %s: expected no messages, got %v", installed, target, msgs)
			}
		}
	}
}

func TestMajorVersionMatch(t *testing.T) {
	versions := []string{"1.0.0", "1.5.3", "2.0.0", "2.1.0-rc1", "10.0.0"}

	for _, installed := range versions {
		for _, target := range versions {
			msgs := MajorVersionMatch{}.Check(VersionInput{Package: "foo", Installed: installed, Target: target})
			sameMajor := strings.Split(installed, ".")[0] == strings.Split(target, ".")[0]
			if sameMajor && len(msgs) != 0 {
				t.Errorf("%s -> %s: expected no messages, got %v", installed, target, msgs)
			}
			if !sameMajor && len(msgs) != 1 {
				t.Errorf("%s -> %s: expected exactly one message, got %v", installed, target, msgs)
			}
		}
	}
}

func TestVersionRules(t *testing.T) {
	releases := []engine.Release{
		{Version: "10.2.1", SecurityRelease: true, SupportBranch: "10.2."},
		{Version: "10.2.0", SupportBranch: "10.2."},
		{Version: "10.1.6-beta1", SupportBranch: "10.1."},
		{Version: "10.1.5", SecurityRelease: true, SupportBranch: "10.1."},
		{Version: "10.1.4", SupportBranch: "10.1."},
	}
	supported := SupportedBranches(releases)

	tests := []struct {
		name      string
		rule      VersionRule
		installed string
		target    string
		branches  []string
		wantMsgs  int
		contains  string
	}{
		{"minor blocked", ForbidMinorUpdates{}, "10.1.4", "10.2.0", nil, 1, "minor"},
		{"minor allowed", ForbidMinorUpdates{Allow: true}, "10.1.4", "10.2.0", nil, 0, ""},
		{"minor leaves majors to other rule", ForbidMinorUpdates{}, "9.1.0", "10.2.0", nil, 0, ""},
		{"patch ok", ForbidMinorUpdates{}, "10.1.4", "10.1.5", nil, 0, ""},
		{"stable installed", StableReleaseInstalled{}, "10.1.4", "10.1.5", nil, 0, ""},
		{"pre-release installed", StableReleaseInstalled{}, "10.1.0-rc2", "10.1.5", nil, 1, "10.1.0-rc2"},
		{"new package", StableReleaseInstalled{}, "", "1.0.0", nil, 0, ""},
		{"branch supported", SupportedBranchInstalled{}, "10.1.4", "10.1.5", supported, 0, ""},
		{"branch unsupported unattended", SupportedBranchInstalled{}, "9.5.0", "9.5.1", supported, 1, "9.5."},
		{"branch unsupported attended", SupportedBranchInstalled{AttendedAvailable: true}, "9.5.0", "9.5.1", supported, 1, "update manually to 10.2.1"},
		{"installable", TargetVersionInstallable{}, "10.1.4", "10.1.5", nil, 0, ""},
		{"not installable", TargetVersionInstallable{}, "10.1.4", "10.1.9", nil, 1, "10.1.9"},
		{"security release", TargetSecurityRelease{}, "10.1.4", "10.1.5", nil, 0, ""},
		{"not a security release", TargetSecurityRelease{}, "10.2.0", "10.2.0", nil, 1, "security"},
		{"unknown target left to installable", TargetSecurityRelease{}, "10.1.4", "10.1.9", nil, 0, ""},
		{"stable target", TargetVersionStable{}, "10.1.4", "10.1.5", nil, 0, ""},
		{"rc target", TargetVersionStable{}, "10.1.4", "10.1.6-RC1", nil, 0, ""},
		{"beta target", TargetVersionStable{}, "10.1.4", "10.1.6-beta1", nil, 1, "pre-release"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := tt.rule.Check(VersionInput{
				Package:           "core",
				Installed:         tt.installed,
				Target:            tt.target,
				Releases:          releases,
				SupportedBranches: tt.branches,
			})
			if len(msgs) != tt.wantMsgs {
				t.Fatalf("Expected %d messages, got %v", tt.wantMsgs, msgs)
			}
			if tt.contains != "" && !strings.Contains(msgs[0], tt.contains) {
				t.Errorf("Message %q should contain %q", msgs[0], tt.contains)
			}
		})
	}
}

func TestSupportedBranchSeverity(t *testing.T) {
	if (SupportedBranchInstalled{AttendedAvailable: true}).Severity() != engine.SeverityWarning {
		t.Error("Attended path should downgrade to WARNING")
	}
	if (SupportedBranchInstalled{}).Severity() != engine.SeverityError {
		t.Error("Without an attended path the rule is an ERROR")
	}
}

func TestUnattendedRulesAreSuperset(t *testing.T) {
	attended := map[string]bool{}
	for _, r := range AttendedRules(RuleConfig{AllowMinorUpdates: true}) {
		attended[r.Name()] = true
	}
	unattended := map[string]bool{}
	for _, r := range UnattendedRules(RuleConfig{AllowMinorUpdates: true}) {
		unattended[r.Name()] = true
		if m, ok := r.(ForbidMinorUpdates); ok && m.Allow {
			t.Error("Unattended runs must never allow minor updates")
		}
	}
	for name := range attended {
		if !unattended[name] {
			t.Errorf("Unattended rules are missing %s", name)
		}
	}
	if len(unattended) <= len(attended) {
		t.Errorf("Unattended rules should add checks, got %d vs %d", len(unattended), len(attended))
	}
}

func TestVersionPolicyValidator(t *testing.T) {
	stage := &engine.UpdateStage{ID: "01A", TargetVersions: map[string]string{"core": "10.1.5", "foo": "1.6.0"}}
	in := &engine.ValidationInput{
		Stage: stage,
		Installed: engine.PackageSet{
			"core": {Name: "core", Version: "10.1.0-dev", Type: engine.PackageTypeCore, ProjectName: "drupal"},
			"foo":  {Name: "foo", Version: "1.5.0", Type: engine.PackageTypeModule},
		},
	}

	t.Run("dev snapshot", func(t *testing.T) {
		v := &VersionPolicyValidator{Rule: ForbidDevSnapshot{}}
		result, err := v.Validate(context.Background(), in)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if result.Severity != engine.SeverityError || len(result.Messages) != 1 {
			t.Fatalf("Expected one ERROR message, got %+v", result)
		}
		if !strings.Contains(result.Messages[0], "10.1.0-dev") {
			t.Errorf("Message %q should reference the snapshot", result.Messages[0])
		}
	})

	t.Run("feed uses project name", func(t *testing.T) {
		feed := &stubFeed{releases: map[string][]engine.Release{
			"drupal": {{Version: "10.1.5", SecurityRelease: true, SupportBranch: "10.1."}},
			"foo":    {{Version: "1.6.0", SupportBranch: "1."}},
		}}
		v := &VersionPolicyValidator{Rule: TargetVersionInstallable{}, Feed: feed}
		result, err := v.Validate(context.Background(), in)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if result.Severity != engine.SeverityOK {
			t.Errorf("Expected OK, got %+v", result)
		}
		if fmt.Sprint(feed.calls) != "[drupal foo]" {
			t.Errorf("Unexpected feed calls %v", feed.calls)
		}
	})

	t.Run("feed error", func(t *testing.T) {
		feed := &stubFeed{err: errors.New("feed unreachable")}
		v := &VersionPolicyValidator{Rule: TargetVersionInstallable{}, Feed: feed}
		if _, err := v.Validate(context.Background(), in); err == nil {
			t.Fatal("Expected feed error to surface")
		}
	})

	t.Run("rules without the feed never call it", func(t *testing.T) {
		feed := &stubFeed{err: errors.New("should not be called")}
		v := &VersionPolicyValidator{Rule: ForbidDowngrade{}, Feed: feed}
		result, err := v.Validate(context.Background(), in)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if result.Severity != engine.SeverityOK || len(feed.calls) != 0 {
			t.Errorf("Unexpected result %+v with calls %v", result, feed.calls)
		}
	})
}

func TestStagedTargetsValidator(t *testing.T) {
	stage := &engine.UpdateStage{TargetVersions: map[string]string{"a": "1.1.0", "b": "2.0.0", "c": "3.0.0"}}
	in := &engine.ValidationInput{
		Stage: stage,
		Staged: engine.PackageSet{
			"a": {Name: "a", Version: "1.1.0", Type: engine.PackageTypeModule},
			"b": {Name: "b", Version: "1.9.0", Type: engine.PackageTypeModule},
		},
	}

	result, err := StagedTargetsValidator{}.Validate(context.Background(), in)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Severity != engine.SeverityError || len(result.Messages) != 2 {
		t.Fatalf("Expected two ERROR messages, got %+v", result)
	}
	if !strings.Contains(result.Messages[0], "b was staged at 1.9.0") || !strings.Contains(result.Messages[1], "c is missing") {
		t.Errorf("Unexpected messages %v", result.Messages)
	}
}
