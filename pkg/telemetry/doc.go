// Package telemetry provides observability for the update orchestrator.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher behind one
// Telemetry value built from a Config:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Nil safety
//
// *Metrics, *Tracer and *EventPublisher accept nil receivers, so library
// code can hold optional instrumentation without guarding every call.
//
// # Events
//
// Orchestrator steps publish stage events ("stage.begun", "stage.committed",
// "stage.failed" and so on). Subscribers run on the publishing goroutine
// unless EnableAsync is set, in which case a single background goroutine
// delivers them in order until Shutdown.
//
// # Metrics
//
// Metrics live in a private registry. StartMetricsServer exposes them over
// HTTP when Metrics.ListenAddress is set.
package telemetry
