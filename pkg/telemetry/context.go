package telemetry

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// Telemetry bundles the logger, tracer, metrics and event publisher built
// from one Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	// Mirror warnings and errors into the log so operators see them without a subscriber.
	events.Subscribe(func(e Event) {
		l := logger.WithField("event", e.Type)
		if e.StageID != "" {
			l = l.WithStageID(e.StageID)
		}
		switch e.Level {
		case EventLevelError:
			l.Error(e.Message)
		case EventLevelWarning:
			l.Warn(e.Message)
		default:
			l.Debug(e.Message)
		}
	}, nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNop returns a Telemetry that records nothing.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	return &Telemetry{
		Logger:  Nop(),
		Tracer:  nil,
		Metrics: nil,
		Events:  nil,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops every component, collecting all errors.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := t.Events.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Metrics.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// StartMetricsServer starts the metrics HTTP server if an address is configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(func(err error) {
		t.Logger.WithError(err).Error("metrics server stopped")
	})
}
