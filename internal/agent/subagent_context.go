package agent

import (
	"context"
	"sync/atomic"
)

// SubagentLimiter tracks concurrent and cumulative sub-agent usage for
// one root request (spec §4.F "Admission" step 4, §5 "Shared resources").
// total_spawned is guarded by a mutex; the concurrency cap is a counting
// semaphore implemented as a buffered channel, matching the original's
// asyncio.Lock + asyncio.Semaphore pair.
type SubagentLimiter struct {
	totalSpawned atomic.Int64
	maxTotal     int64
	sem          chan struct{}
}

// NewSubagentLimiter builds a limiter allowing maxConcurrent simultaneous
// sub-agents and maxTotal cumulative spawns across the limiter's
// lifetime (normally one root request / one top-level Loop.Run call).
func NewSubagentLimiter(maxConcurrent, maxTotal int) *SubagentLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxTotal <= 0 {
		maxTotal = 1
	}
	return &SubagentLimiter{
		maxTotal: int64(maxTotal),
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// Acquire reserves one spawn slot. It returns false without blocking if
// the cumulative total cap has already been reached; otherwise it
// increments the total counter and then blocks (cancellably) for a free
// concurrency slot.
func (l *SubagentLimiter) Acquire(ctx context.Context) bool {
	for {
		cur := l.totalSpawned.Load()
		if cur >= l.maxTotal {
			return false
		}
		if l.totalSpawned.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	select {
	case l.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		// Give back the total-spawn count we reserved above; the slot
		// was never actually consumed.
		l.totalSpawned.Add(-1)
		return false
	}
}

// Release returns a concurrency slot. Safe to call even if Acquire
// returned false, in which case it is a no-op guarded by the caller
// (callers must only Release after a successful Acquire).
func (l *SubagentLimiter) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// TotalSpawned returns the cumulative number of sub-agents admitted so
// far, including ones that have already finished.
func (l *SubagentLimiter) TotalSpawned() int {
	return int(l.totalSpawned.Load())
}

// SubagentFields are the context values the Agent Loop threads into
// every tool dispatch so the run_agent tool handler (internal/tools/subagent)
// can build and run a child Agent Loop without a direct import-time
// dependency from package agent (spec §4.F "Public contract"): parent
// provider, tool registry/executor, event sink, current depth, this
// level's agent id, the shared limiter, and the resource budget.
type SubagentFields struct {
	Provider LLMProvider
	Registry *ToolRegistry
	Executor *ToolExecutor
	Sink     EventSink
	Depth    int
	AgentID  string
	Limiter  *SubagentLimiter

	// Model is the enclosing Loop's model string, used as the default
	// when a run_agent call doesn't specify its own model override.
	Model string

	// ChildCounter numbers this level's own children ("<AgentID>.<n>"),
	// matching the original's per-invocation nonlocal counter. Shared
	// by pointer across sibling run_agent calls at the same depth so
	// concurrent dispatch still produces unique child ids.
	ChildCounter *atomic.Int64

	MaxDepth           int
	MaxChildIterations int
	MaxOutputChars     int
	MaxPromptChars     int
}

type subagentFieldsKey struct{}

// WithSubagentFields attaches SubagentFields to ctx for the run_agent
// tool handler to read back out.
func WithSubagentFields(ctx context.Context, f SubagentFields) context.Context {
	return context.WithValue(ctx, subagentFieldsKey{}, f)
}

// SubagentFieldsFromContext retrieves the SubagentFields attached by the
// nearest enclosing WithSubagentFields call, if any.
func SubagentFieldsFromContext(ctx context.Context) (SubagentFields, bool) {
	f, ok := ctx.Value(subagentFieldsKey{}).(SubagentFields)
	return f, ok
}
