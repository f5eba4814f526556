// Package telemetry wraps OpenTelemetry SDK initialization for traces and
// metrics. When telemetry is disabled in configuration, Init returns noop
// providers and never dials the OTLP endpoint.
package telemetry
