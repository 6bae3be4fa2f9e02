package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "update.cue"

// Loader evaluates update.cue against the embedded schema.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader compiles the schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Config")),
		validator: validator.New(),
	}, nil
}

// Load reads and validates a configuration file. Relative paths in the file
// are resolved against the file's directory.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return l.Parse(string(content), abs)
}

// LoadString parses configuration source with paths resolved against the
// working directory.
func LoadString(src string) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Parse(src, "")
}

// Parse evaluates src, applies defaults and validates the result. filename
// is used for error positions and to resolve relative paths.
func (l *Loader) Parse(src, filename string) (*Config, error) {
	name := filename
	if name == "" {
		name = "inline"
	}
	val := l.ctx.CompileString(src, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	base := ""
	if filename != "" {
		base = filepath.Dir(filename)
	}
	cfg.resolvePaths(base)
	cfg.applyDefaults()

	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules that span fields.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch cfg.Releases.Source {
	case "http":
		if cfg.Releases.URL == "" {
			return fmt.Errorf("invalid config: releases.url is required for the http source")
		}
	case "file":
		if cfg.Releases.Dir == "" {
			return fmt.Errorf("invalid config: releases.dir is required for the file source")
		}
	}

	if cfg.Telemetry.Tracing == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("invalid config: telemetry.otlp_endpoint is required for otlp tracing")
	}

	seen := make(map[string]bool, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		if seen[h.Name] {
			return fmt.Errorf("invalid config: duplicate hook %q", h.Name)
		}
		seen[h.Name] = true

		switch h.Type {
		case HookStarlark:
			if (h.Script == "") == (h.File == "") {
				return fmt.Errorf("invalid config: starlark hook %q needs exactly one of script or file", h.Name)
			}
		case HookClearDir:
			if h.Dir == "" {
				return fmt.Errorf("invalid config: clear-dir hook %q needs dir", h.Name)
			}
		case HookCommand:
			if h.Command == "" {
				return fmt.Errorf("invalid config: command hook %q needs command", h.Name)
			}
		}
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || base == "" {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Project.Root = abs(c.Project.Root)
	c.Project.Registry = abs(c.Project.Registry)
	c.Stage.Root = abs(c.Stage.Root)
	c.Store.Path = abs(c.Store.Path)
	c.Releases.Dir = abs(c.Releases.Dir)
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = abs(p)
	}
	for i := range c.Hooks {
		c.Hooks[i].File = abs(c.Hooks[i].File)
	}
}

func (c *Config) applyDefaults() {
	stateDir := filepath.Join(c.Project.Root, ".stagehand")
	if c.Stage.Root == "" {
		c.Stage.Root = filepath.Join(stateDir, "stages")
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(stateDir, "state.db")
	}

	if c.Releases.Source == "" {
		c.Releases.Source = "http"
	}
	if c.Releases.Timeout == 0 {
		c.Releases.Timeout = Duration(30 * time.Second)
	}
	if c.Releases.CacheTTL == 0 {
		c.Releases.CacheTTL = Duration(15 * time.Minute)
	}
	if c.Releases.MaxElapsedTime == 0 {
		c.Releases.MaxElapsedTime = Duration(time.Minute)
	}

	if c.Validation.MaxParallel == 0 {
		c.Validation.MaxParallel = 4
	}

	for i := range c.Hooks {
		if c.Hooks[i].Timeout == 0 {
			c.Hooks[i].Timeout = Duration(5 * time.Minute)
		}
	}

	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = "console"
	}
	if c.Telemetry.Tracing == "" {
		c.Telemetry.Tracing = "none"
	}
}

// formatCUEError flattens CUE errors into one message with positions.
func formatCUEError(err error) error {
	var msgs []string
	for _, e := range errors.Errors(err) {
		msg := errors.Details(e, nil)
		if pos := errors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), strings.TrimSpace(msg))
		}
		msgs = append(msgs, strings.TrimSpace(msg))
	}
	if len(msgs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
