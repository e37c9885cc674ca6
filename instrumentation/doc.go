// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth service. When disabled it wires no-op providers, so instrumented
// code paths carry no overhead and no conditional plumbing.
package instrumentation
