package commands

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/batch"
	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hooks"
	"github.com/openfroyo/stagehand/pkg/pkgmanager"
	"github.com/openfroyo/stagehand/pkg/policy"
	"github.com/openfroyo/stagehand/pkg/releases"
	"github.com/openfroyo/stagehand/pkg/stores"
	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// buildVersion is reported as the telemetry service version.
var buildVersion = "dev"

// app holds everything a command needs, built from the config file.
type app struct {
	cfg      *config.Config
	fs       afero.Fs
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	packages *pkgmanager.ManifestManager
	feed     engine.ReleaseFeed
	policies *policy.Engine
	orch     *engine.Orchestrator
	runner   *batch.Runner
}

// withApp builds the app, runs fn and tears the app down again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultFile
	}
	return config.Load(path)
}

func newApp(ctx context.Context) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a = &app{cfg: cfg, fs: afero.NewOsFs()}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if a.tel, err = telemetry.NewTelemetry(telemetryConfig(cfg)); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err = a.tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger := a.tel.Logger
	zl := logger.Zerolog()

	// The configured logger filters by its own level from here on.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log.Logger = zl

	if a.store, err = stores.Open(ctx, stores.Config{Path: cfg.Store.Path}); err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	a.packages = pkgmanager.NewManifestManager(a.fs, cfg.Project.Registry, zl)

	if a.feed, err = newFeed(cfg, a.fs, a.tel); err != nil {
		return nil, err
	}

	if a.policies, err = newPolicyEngine(ctx, cfg, a.tel); err != nil {
		return nil, err
	}

	hookRunner, err := hooks.FromConfig(cfg.Hooks, a.fs, zl)
	if err != nil {
		return nil, fmt.Errorf("invalid hooks: %w", err)
	}

	a.orch, err = engine.NewOrchestrator(engine.Options{
		ProjectRoot: cfg.Project.Root,
		StageRoot:   cfg.Stage.Root,
		Packages:    a.packages,
		Stages:      a.store,
		Lock:        engine.NewStageLock(a.store, a.store, cfg.Project.Root, logger, a.tel.Metrics),
		Pipeline:    engine.NewPipeline(cfg.Validation.MaxParallel, logger, a.tel.Metrics),
		Validators:  validatorSets(cfg, a.feed, a.policies),
		Hooks:       hookRunner,
		Logger:      logger,
		Metrics:     a.tel.Metrics,
		Tracer:      a.tel.Tracer,
		Events:      a.tel.Events,
	})
	if err != nil {
		return nil, err
	}

	a.runner = batch.NewRunner(a.orch, a.feed, currentActor(), logger)
	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.tel.Logger.WithError(err).Warn("failed to close state store")
		}
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = buildVersion
	tcfg.Logging.Level = cfg.Telemetry.LogLevel
	tcfg.Logging.Format = cfg.Telemetry.LogFormat
	if verbose {
		tcfg.Logging.Level = "debug"
	}

	tcfg.Tracing.Enabled = cfg.Telemetry.Tracing != "none"
	tcfg.Tracing.Exporter = cfg.Telemetry.Tracing
	tcfg.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint

	tcfg.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	if metricsAddr != "" {
		tcfg.Metrics.ListenAddress = metricsAddr
	}
	return tcfg
}

func newFeed(cfg *config.Config, fs afero.Fs, tel *telemetry.Telemetry) (engine.ReleaseFeed, error) {
	if cfg.Releases.Source == "file" {
		return releases.NewFileFeed(fs, cfg.Releases.Dir), nil
	}
	feed, err := releases.NewHTTPFeed(releases.HTTPConfig{
		BaseURL:        cfg.Releases.URL,
		Timeout:        cfg.Releases.Timeout.Std(),
		CacheTTL:       cfg.Releases.CacheTTL.Std(),
		MaxElapsedTime: cfg.Releases.MaxElapsedTime.Std(),
	}, tel.Logger.Zerolog(), tel.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create release feed: %w", err)
	}
	return feed, nil
}

func newPolicyEngine(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*policy.Engine, error) {
	eng, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}

	allowed := make([]interface{}, len(cfg.Policy.AllowedRemovals))
	for i, name := range cfg.Policy.AllowedRemovals {
		allowed[i] = name
	}
	if err := eng.SetConfig(ctx, map[string]interface{}{"allowed_removals": allowed}); err != nil {
		return nil, err
	}

	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	if err := disablePolicies(eng, cfg.Policy.Disabled); err != nil {
		return nil, err
	}
	return eng, nil
}

func disablePolicies(eng *policy.Engine, names []string) error {
	for _, name := range names {
		if err := eng.DisablePolicy(name); err != nil {
			return fmt.Errorf("policy.disabled: %w", err)
		}
	}
	return nil
}

// validatorSets builds the attended and unattended validator sets. Both share
// the staged-target check and the Rego policies.
func validatorSets(cfg *config.Config, feed engine.ReleaseFeed, policies *policy.Engine) engine.ValidatorSets {
	rules := policy.RuleConfig{AllowMinorUpdates: cfg.Validation.AllowMinorUpdates}
	branches := cfg.Validation.SupportedBranches

	common := []engine.Validator{
		policy.StagedTargetsValidator{},
		&policy.RegoPolicyValidator{Engine: policies},
	}

	attended := policy.NewVersionValidators(policy.AttendedRules(rules), feed, branches)
	unattended := policy.NewVersionValidators(policy.UnattendedRules(rules), feed, branches)
	return engine.ValidatorSets{
		Attended:   append(attended, common...),
		Unattended: append(unattended, common...),
	}
}

// currentActor names the operator in the audit log and event timeline.
func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
