package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
)

const pinnedCorePolicy = `# Core must stay on 10.x
package site.pinned

import rego.v1

deny contains msg if {
	some change in input.diff.changes
	change.name == "core"
	not startswith(change.to, "10.")
	msg := sprintf("core must stay on 10.x, got %s", [change.to])
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "pinned-core.rego")
	writeFile(t, policyFile, pinnedCorePolicy)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "pinned-core" {
		t.Errorf("Expected name 'pinned-core', got '%s'", policy.Name)
	}
	if policy.Description != "Core must stay on 10.x" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != engine.SeverityError {
		t.Errorf("Expected default severity ERROR, got %s", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata %s, got %v", policyFile, policy.Metadata["source"])
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	policyFile := filepath.Join(dir, "pinned.json")
	writeFile(t, policyFile, `{
		"name": "pinned-core",
		"description": "Core must stay on 10.x",
		"severity": "warning",
		"rego": "package site.pinned\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"
	}`)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "pinned-core" {
		t.Errorf("Expected name 'pinned-core', got '%s'", policy.Name)
	}
	if policy.Severity != engine.SeverityWarning {
		t.Errorf("Expected severity WARNING, got %s", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("Policy should default to enabled")
	}

	disabled := filepath.Join(dir, "off.json")
	writeFile(t, disabled, `{"rego": "package off\n", "enabled": false}`)
	policy, err = loader.loadFromFile(context.Background(), disabled)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "off" || policy.Enabled {
		t.Errorf("Expected disabled policy named after the file, got %+v", policy)
	}

	for name, content := range map[string]string{
		"badsev.json":  `{"rego": "package x\n", "severity": "fatal"}`,
		"norego.json":  `{"name": "empty"}`,
		"invalid.json": `invalid json`,
	} {
		path := filepath.Join(dir, name)
		writeFile(t, path, content)
		if _, err := loader.loadFromFile(context.Background(), path); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.rego"), pinnedCorePolicy)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), pinnedCorePolicy)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestExtractDescription(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "single line comment",
			content:  "# Blocks removals\npackage test",
			expected: "Blocks removals",
		},
		{
			name:     "multi line comments",
			content:  "# Blocks removals\n# of installed modules\npackage test",
			expected: "Blocks removals of installed modules",
		},
		{
			name:     "no comments",
			content:  "package test",
			expected: "",
		},
		{
			name:     "comments with empty lines",
			content:  "# First line\n#\n# Second line\npackage test",
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := loader.extractDescription(tt.content); got != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writeFile(t, policyFile, pinnedCorePolicy)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()

	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.reloadDelay = 20 * time.Millisecond

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), pinnedCorePolicy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	if err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	writeFile(t, filepath.Join(dir, "b.rego"), pinnedCorePolicy)

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching: %v", err)
	}
}
