// Package observability sets up logging, Prometheus metrics and OpenTelemetry
// tracing for archivist.
//
// Every method on *Metrics and *Tracer accepts a nil receiver, so components
// can be built without either in tests.
package observability
