package engine

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"1.5.0", "1.5.0", true},
		{"10.1.0-dev", "10.1.0-dev", true},
		{"10.1.x-dev", "10.1.0-dev", true},
		{"2.0.0-rc1", "2.0.0-rc1", true},
		{"2.0.0-alpha.xyz", "2.0.0-alpha.xyz", true},
		{"1.2.3-beta.x", "1.2.3-beta.x", true},
		{"1.2.3+build.x1", "1.2.3+build.x1", true},
		{"", "", false},
		{"banana", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseVersion(tt.input)
			if !tt.ok {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", tt.input, err)
			}
			if v.String() != tt.want {
				t.Errorf("ParseVersion(%q) = %s, want %s", tt.input, v.String(), tt.want)
			}
		})
	}
}

func TestBranchAndSnapshot(t *testing.T) {
	branch, err := Branch("10.2.7")
	if err != nil || branch != "10.2." {
		t.Errorf("Branch() = %q, %v", branch, err)
	}
	if !IsDevSnapshot("10.1.0-dev") || !IsDevSnapshot("10.1.x-DEV") {
		t.Errorf("dev snapshots not detected")
	}
	if IsDevSnapshot("10.1.0") || IsDevSnapshot("10.1.0-rc1") {
		t.Errorf("releases reported as dev snapshots")
	}
}

func TestPackageSetValidate(t *testing.T) {
	good := PackageSet{"a": {Name: "a", Version: "1.0.0", Type: PackageTypeModule}}
	if err := good.Validate(); err != nil {
		t.Errorf("valid set rejected: %v", err)
	}

	bad := []PackageSet{
		{"a": {Name: "b", Version: "1.0.0", Type: PackageTypeModule}},
		{"a": {Name: "a", Version: "x.y", Type: PackageTypeModule}},
		{"a": {Name: "a", Version: "1.0.0", Type: "plugin"}},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("set %d should be invalid", i)
		}
	}

	if _, err := NewPackageSet(Package{Name: "a"}, Package{Name: "a"}); err == nil {
		t.Errorf("duplicate names should be rejected")
	}
}
