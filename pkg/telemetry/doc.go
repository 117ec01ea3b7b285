// Package telemetry provides logging, tracing, metrics and lifecycle events
// for the provisioner.
//
// Logging uses zerolog through the Logger wrapper; components that log
// directly take the zerolog.Logger returned by Logger.Zerolog. Tracing uses
// OpenTelemetry with an OTLP gRPC or stdout exporter and creates one span per
// job and one per workflow stage. Metrics are Prometheus collectors held in a
// private registry and exposed by the gateway at /metrics. The EventPublisher
// fans job lifecycle events out to in-process subscribers.
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Metrics, tracer and publisher methods are safe on disabled instances.
package telemetry
