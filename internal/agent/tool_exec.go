package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ToolExecConfig configures concurrent tool dispatch.
type ToolExecConfig struct {
	Concurrency    int
	PerToolTimeout time.Duration
}

// DefaultToolExecConfig mirrors the spec's resource budget: bounded
// concurrency, a per-call timeout well under the cancellation fabric's
// 5s bounded-await window.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
	}
}

// ToolExecutor dispatches tool calls through the ToolRegistry's
// safety-gated CallTool, bounding both concurrency and per-call wall
// time.
type ToolExecutor struct {
	registry *ToolRegistry
	confirm  ConfirmCallback
	config   ToolExecConfig
}

// NewToolExecutor builds an executor. confirm may be nil, in which case
// any tool call requiring approval is denied (see ToolRegistry.CallTool).
func NewToolExecutor(registry *ToolRegistry, confirm ConfirmCallback, config ToolExecConfig) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	return &ToolExecutor{registry: registry, confirm: confirm, config: config}
}

// Registry returns the executor's underlying ToolRegistry, for callers
// (the Sub-Agent Scheduler) that need to build a child tool list.
func (e *ToolExecutor) Registry() *ToolRegistry {
	return e.registry
}

// ToolExecResult is one tool call's outcome plus timing for the loop's
// event emission.
type ToolExecResult struct {
	Index     int
	ToolCall  models.ToolCall
	Result    models.ToolResult
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// EventCallback is invoked for tool lifecycle transitions. It must not
// block — callers typically forward to a buffered channel.
type EventCallback func(*models.ToolEvent)

// ExecuteConcurrently runs toolCalls with bounded concurrency, preserving
// input order in the returned slice regardless of completion order.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, toolCalls []models.ToolCall, emit EventCallback) []ToolExecResult {
	results := make([]ToolExecResult, len(toolCalls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ToolExecResult{Index: idx, ToolCall: call, Result: models.ToolResult{
					ToolCallID: call.ID, Content: "Cancelled by user", IsError: true,
				}}
				return
			}

			if emit != nil {
				emit(&models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Stage: models.ToolEventStarted, StartedAt: time.Now()})
			}

			start := time.Now()
			toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
			toolCtx = observability.AddToolCallID(toolCtx, call.ID)
			result, timedOut := e.executeWithTimeout(toolCtx, call)
			cancel()
			end := time.Now()

			results[idx] = ToolExecResult{Index: idx, ToolCall: call, Result: result, StartTime: start, EndTime: end, TimedOut: timedOut}

			if emit != nil {
				stage := models.ToolEventSucceeded
				if result.IsError {
					stage = models.ToolEventFailed
				}
				emit(&models.ToolEvent{
					ToolCallID: call.ID, ToolName: call.Name, Stage: stage,
					Output: result.Content, StartedAt: start, FinishedAt: end,
				})
			}
		}(i, tc)
	}

	wg.Wait()
	return results
}

// executeWithTimeout races a single tool dispatch against ctx, discarding
// (not leaking) the result if the caller stopped waiting first.
func (e *ToolExecutor) executeWithTimeout(ctx context.Context, call models.ToolCall) (models.ToolResult, bool) {
	type execResult struct {
		result *models.ToolResult
		err    error
	}
	resultChan := make(chan execResult, 1)

	go func() {
		result, err := e.registry.CallTool(ctx, call.Name, call.Arguments, e.confirm)
		select {
		case resultChan <- execResult{result: result, err: err}:
		default:
			slog.Warn("tool execution completed after timeout, result discarded",
				"tool", call.Name, "tool_call_id", call.ID,
				"run_id", observability.GetRunID(ctx), "session_id", observability.GetSessionID(ctx))
		}
	}()

	select {
	case <-ctx.Done():
		// Whatever stopped ctx — the run-level cancel token or this call's
		// own per-tool deadline — the LLM and history see the same
		// contract as the pre-dispatch cancellation path: status=cancelled,
		// content="Cancelled by user" (spec.md Property 3). TimedOut still
		// distinguishes the two for logging/metrics via the emit callback.
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Content: "Cancelled by user", IsError: true}, timedOut
	case res := <-resultChan:
		if res.err != nil {
			return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Content: res.err.Error(), IsError: true}, false
		}
		res.result.ToolCallID = call.ID
		res.result.ToolName = call.Name
		return *res.result, false
	}
}

// ExecuteSingle runs one named tool call outside the concurrency pool,
// used by the sub-agent scheduler for its own bounded dispatch.
func (e *ToolExecutor) ExecuteSingle(ctx context.Context, call models.ToolCall) models.ToolResult {
	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()
	result, _ := e.executeWithTimeout(toolCtx, call)
	return result
}
