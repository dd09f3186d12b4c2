// Package telemetry wires OpenTelemetry exporters and meters together with the
// Prometheus registry served on the gateway's admin port.
//
// It centralises tracer provider setup, records per-stage pipeline outcomes so
// operators can see where requests terminate, and keeps credentials out of
// span attributes.
package telemetry
