// Package observability provides metrics and structured logging for the
// Anteroom runtime: agent loop iterations, tool executions, safety gate
// decisions, and sub-agent spawns.
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track tool
// execution counts/latency, safety gate verdicts, agent loop iterations, and
// sub-agent concurrency.
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic run/session/tool-call ID correlation from context
//   - Sensitive data redaction (API keys, tokens)
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRunID(ctx, runID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "tool call dispatched", "tool", name)
//
// # Event timeline
//
// The events.go file implements an in-memory timeline of diagnostic events
// (tool calls, safety verdicts, loop iterations) for debugging and replay.
package observability
