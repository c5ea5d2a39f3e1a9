// Package telemetry provides observability instrumentation for the idler
// daemon and CLI.
//
// It integrates structured logging (zerolog, with lumberjack rotation for
// file output), distributed tracing (OpenTelemetry) and metrics
// (Prometheus).
//
// # Usage
//
//	cfg := telemetry.ProductionConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(store, tel.Logger.Zerolog(),
//	    engine.WithObserver(tel.Metrics),
//	    engine.WithTracer(tel.Tracer.Tracer()))
//
// Metrics implements engine.Observer, so execution and step outcomes are
// counted without the workflows knowing about Prometheus. Resource drivers
// are wrapped with InstrumentDriver to trace and count every provider call.
//
// # Exporters
//
// Tracing supports the OTLP gRPC exporter for production, a stdout
// exporter for debugging, and "none" which samples nothing.
//
// Metrics are exposed through Handler, mounted at /metrics by the API
// server or served on a dedicated listener with ServeMetrics.
package telemetry
