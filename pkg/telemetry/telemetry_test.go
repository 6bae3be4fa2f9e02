package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }},
		{"async zero buffer", func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("lock").WithStageID("01ABC").WithError(errors.New("boom")).Error("acquire failed")

	out := buf.String()
	for _, want := range []string{`"component":"lock"`, `"stage_id":"01ABC"`, `"error":"boom"`, `"acquire failed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn message missing")
	}
}

func TestLoggerContext(t *testing.T) {
	logger := Nop().WithStageID("s1")
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Errorf("FromContext did not return stored logger")
	}
}

func TestNilInstrumentation(t *testing.T) {
	var m *Metrics
	m.RecordStep("begin", "success", time.Second)
	m.RecordLockConflict()
	m.StageStarted()
	if m.Registry() != nil {
		t.Errorf("nil metrics should have nil registry")
	}

	var tr *Tracer
	_, span := tr.StartStepSpan(context.Background(), "commit", "s1")
	EndSpan(span, nil)

	var ep *EventPublisher
	if err := ep.Publish(Event{Type: "stage.begun"}); err != nil {
		t.Errorf("nil publisher returned error: %v", err)
	}
	if err := NewNop().Shutdown(context.Background()); err != nil {
		t.Errorf("nop shutdown: %v", err)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordStep("commit", "success", 10*time.Millisecond)
	m.RecordValidationResult("version_policy", "WARNING")
	m.RecordFailureMarker("commit")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`test_stage_steps_total{status="success",step="commit"} 1`,
		`test_validation_results_total{severity="WARNING",validator="version_policy"} 1`,
		`test_failure_markers_written_total{operation="commit"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))

	_ = ep.PublishStageEvent("stage.begun", EventLevelInfo, "s1", "/srv", "begun", nil)
	_ = ep.PublishStageEvent("stage.failed", EventLevelError, "s1", "/srv", "failed", nil)

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Type != "stage.failed" || got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	received := make(chan Event, 16)
	ep.Subscribe(func(e Event) { received <- e }, FilterByStageID("s2"))

	for i := 0; i < 3; i++ {
		if err := ep.PublishStageEvent("stage.staged", EventLevelInfo, "s2", "/srv", "staged", nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = ep.PublishStageEvent("stage.staged", EventLevelInfo, "other", "/srv", "staged", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if len(received) != 3 {
		t.Errorf("expected 3 delivered events, got %d", len(received))
	}
}
