// Package telemetry provides structured logging, event publishing, metrics,
// and tracing for the Mariner engine.
//
// The engine never reaches for a global logger: callers construct the
// handles (Logger, EventPublisher, Metrics, Tracer) and pass them in, and
// own their shutdown. Events carry the per-resource transition vocabulary
// (skipped, unchanged, updated, failed) plus notification firings, so a
// subscriber can reconstruct an entire run from the event stream alone.
package telemetry
