package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the orchestrator configuration loaded from update.cue.
type Config struct {
	Project    ProjectConfig    `json:"project"`
	Stage      StageConfig      `json:"stage"`
	Store      StoreConfig      `json:"store"`
	Releases   ReleasesConfig   `json:"releases"`
	Policy     PolicyConfig     `json:"policy"`
	Validation ValidationConfig `json:"validation"`
	Hooks      []HookConfig     `json:"hooks" validate:"dive"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
}

// ProjectConfig locates the live codebase and the package registry.
type ProjectConfig struct {
	Root     string `json:"root" validate:"required"`
	Registry string `json:"registry" validate:"required"`
}

// StageConfig controls where stage directories are created.
type StageConfig struct {
	// Root should be on the same filesystem as the project so an apply can
	// rename package trees into place.
	Root string `json:"root" validate:"required"`
}

// StoreConfig locates the state database.
type StoreConfig struct {
	Path string `json:"path" validate:"required"`
}

// ReleasesConfig selects the release feed.
type ReleasesConfig struct {
	Source         string   `json:"source" validate:"oneof=http file"`
	URL            string   `json:"url" validate:"omitempty,url"`
	Dir            string   `json:"dir"`
	Timeout        Duration `json:"timeout"`
	CacheTTL       Duration `json:"cache_ttl"`
	MaxElapsedTime Duration `json:"max_elapsed_time"`
}

// PolicyConfig configures operator Rego policies.
type PolicyConfig struct {
	Paths           []string `json:"paths"`
	AllowedRemovals []string `json:"allowed_removals"`
	Disabled        []string `json:"disabled"`
}

// ValidationConfig tunes the validator sets.
type ValidationConfig struct {
	MaxParallel       int  `json:"max_parallel" validate:"gte=1,lte=64"`
	AllowMinorUpdates bool `json:"allow_minor_updates"`
	// SupportedBranches overrides the branches derived from the release feed.
	SupportedBranches []string `json:"supported_branches"`
}

// Hook types.
const (
	HookStarlark = "starlark"
	HookClearDir = "clear-dir"
	HookCommand  = "command"
)

// HookConfig declares one post-apply hook.
type HookConfig struct {
	Name    string            `json:"name" validate:"required"`
	Type    string            `json:"type" validate:"required,oneof=starlark clear-dir command"`
	Script  string            `json:"script,omitempty"`
	File    string            `json:"file,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout Duration          `json:"timeout,omitempty"`
}

// TelemetryConfig configures logs, metrics and tracing.
type TelemetryConfig struct {
	LogLevel     string `json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat    string `json:"log_format" validate:"oneof=console json"`
	MetricsAddr  string `json:"metrics_addr"`
	Tracing      string `json:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `json:"otlp_endpoint"`
}

// Duration is a time.Duration written as a Go duration string ("15m").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
