package cancel

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// NewTurnToken derives the single per-turn cancellation token (spec
// §4.G "Model"): one context.Context/cancel pair shared by the Chat
// Stream Client, every parallel tool execution, and any nested
// sub-agent Loop for the duration of one user turn. context.CancelFunc
// is already idempotent — calling it more than once (interactive
// Escape, SIGINT, and a wall-clock timeout can all race to fire it) is
// a safe no-op after the first call.
func NewTurnToken(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(parent)
}

// WithSignalCancel derives a turn token that is also cancelled by
// SIGINT/SIGTERM (spec §4.G "Signal: SIGINT on POSIX"). The returned
// stop func both cancels ctx and unregisters the signal notification;
// callers should defer it.
func WithSignalCancel(parent context.Context) (ctx context.Context, stop func()) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
