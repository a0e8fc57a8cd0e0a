package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/safety"
	"github.com/haasonsaas/nexus/pkg/models"
)

// testExecTool implements Tool for testing tool execution.
type testExecTool struct {
	name     string
	execFunc func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (m *testExecTool) Name() string            { return m.name }
func (m *testExecTool) Description() string     { return "test exec tool" }
func (m *testExecTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (m *testExecTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return m.execFunc(ctx, params)
}

func newTestRegistry(tools ...*testExecTool) *ToolRegistry {
	r := NewToolRegistry()
	r.SetSafetyConfig(safety.Config{Enabled: true, ApprovalMode: "auto", BashEnabled: true, WriteFileEnabled: true})
	for _, tool := range tools {
		r.RegisterWithTier(tool, safety.TierRead)
	}
	return r
}

func TestExecuteConcurrently_RespectsConcurrencyLimit(t *testing.T) {
	const maxConcurrency = 2
	const numTools = 6

	var concurrent int32
	var maxConcurrent int32

	registry := newTestRegistry(&testExecTool{
		name: "blocking",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				prev := atomic.LoadInt32(&maxConcurrent)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxConcurrent, prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return &ToolResult{Content: "ok"}, nil
		},
	})

	executor := NewToolExecutor(registry, nil, ToolExecConfig{Concurrency: maxConcurrency, PerToolTimeout: time.Second})

	calls := make([]models.ToolCall, numTools)
	for i := range calls {
		calls[i] = models.ToolCall{ID: string(rune('a' + i)), Name: "blocking", Arguments: json.RawMessage(`{}`)}
	}

	executor.ExecuteConcurrently(context.Background(), calls, nil)

	if got := atomic.LoadInt32(&maxConcurrent); got > maxConcurrency {
		t.Errorf("max observed concurrency = %d, want <= %d", got, maxConcurrency)
	}
}

func TestExecuteConcurrently_PreservesOrder(t *testing.T) {
	registry := newTestRegistry(&testExecTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			// Reverse completion order from dispatch order.
			time.Sleep(time.Duration(10) * time.Millisecond)
			return &ToolResult{Content: "ok"}, nil
		},
	})
	executor := NewToolExecutor(registry, nil, DefaultToolExecConfig())

	calls := []models.ToolCall{
		{ID: "t1", Name: "echo", Arguments: json.RawMessage(`{}`)},
		{ID: "t2", Name: "echo", Arguments: json.RawMessage(`{}`)},
	}

	results := executor.ExecuteConcurrently(context.Background(), calls, nil)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ToolCall.ID != "t1" || results[1].ToolCall.ID != "t2" {
		t.Errorf("results out of order: %v", results)
	}
}

func TestExecuteConcurrently_AllToolsFail(t *testing.T) {
	registry := newTestRegistry(&testExecTool{
		name: "fails",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "error", IsError: true}, nil
		},
	})
	executor := NewToolExecutor(registry, nil, DefaultToolExecConfig())

	toolCalls := []models.ToolCall{
		{ID: "1", Name: "fails", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "fails", Arguments: json.RawMessage(`{}`)},
	}

	results := executor.ExecuteConcurrently(context.Background(), toolCalls, nil)

	for i, r := range results {
		if !r.Result.IsError {
			t.Errorf("result %d should be error", i)
		}
	}
}

func TestExecuteConcurrently_EmitsLifecycleEvents(t *testing.T) {
	registry := newTestRegistry(&testExecTool{
		name: "simple",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})
	executor := NewToolExecutor(registry, nil, DefaultToolExecConfig())

	var events []*models.ToolEvent
	var mu sync.Mutex
	emit := func(e *models.ToolEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	executor.ExecuteConcurrently(context.Background(), []models.ToolCall{
		{ID: "1", Name: "simple", Arguments: json.RawMessage(`{}`)},
	}, emit)

	mu.Lock()
	defer mu.Unlock()

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (started + succeeded)", len(events))
	}
	if events[0].Stage != models.ToolEventStarted {
		t.Errorf("first event stage = %s, want started", events[0].Stage)
	}
	if events[1].Stage != models.ToolEventSucceeded {
		t.Errorf("second event stage = %s, want succeeded", events[1].Stage)
	}
}

func TestExecuteConcurrently_EventsForTimeout(t *testing.T) {
	registry := newTestRegistry(&testExecTool{
		name: "slow",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			<-ctx.Done()
			return &ToolResult{Content: "timeout"}, nil
		},
	})
	executor := NewToolExecutor(registry, nil, ToolExecConfig{Concurrency: 4, PerToolTimeout: 20 * time.Millisecond})

	var events []*models.ToolEvent
	var mu sync.Mutex
	emit := func(e *models.ToolEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	executor.ExecuteConcurrently(context.Background(), []models.ToolCall{
		{ID: "1", Name: "slow", Arguments: json.RawMessage(`{}`)},
	}, emit)

	mu.Lock()
	defer mu.Unlock()

	hasStarted, hasFailed := false, false
	for _, e := range events {
		switch e.Stage {
		case models.ToolEventStarted:
			hasStarted = true
		case models.ToolEventFailed:
			hasFailed = true
		}
	}
	if !hasStarted {
		t.Error("expected started event")
	}
	if !hasFailed {
		t.Error("expected a failed event for the timed-out call")
	}
}

func TestExecuteSingle_Cancellation(t *testing.T) {
	registry := newTestRegistry(&testExecTool{
		name: "blocking",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	executor := NewToolExecutor(registry, nil, ToolExecConfig{Concurrency: 4, PerToolTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := executor.ExecuteSingle(ctx, models.ToolCall{ID: "1", Name: "blocking", Arguments: json.RawMessage(`{}`)})
	if !result.IsError {
		t.Error("expected error result for cancellation")
	}
	if result.Content != "Cancelled by user" {
		t.Errorf("content = %q, want %q", result.Content, "Cancelled by user")
	}
}

func TestExecuteConcurrently_UnknownTool(t *testing.T) {
	registry := newTestRegistry()
	executor := NewToolExecutor(registry, nil, DefaultToolExecConfig())

	results := executor.ExecuteConcurrently(context.Background(), []models.ToolCall{
		{ID: "1", Name: "nonexistent", Arguments: json.RawMessage(`{}`)},
	}, nil)

	if len(results) != 1 || !results[0].Result.IsError {
		t.Fatalf("expected single error result, got %+v", results)
	}
}

func TestToolExecResult_Fields(t *testing.T) {
	start := time.Now()
	result := ToolExecResult{
		Index:     0,
		ToolCall:  models.ToolCall{ID: "call-1", Name: "test"},
		Result:    models.ToolResult{ToolCallID: "call-1", Content: "ok"},
		StartTime: start,
		EndTime:   start.Add(100 * time.Millisecond),
		TimedOut:  false,
	}

	if result.Index != 0 {
		t.Errorf("Index = %d, want 0", result.Index)
	}
	if result.ToolCall.Name != "test" {
		t.Errorf("ToolCall.Name = %q, want %q", result.ToolCall.Name, "test")
	}
	if result.TimedOut {
		t.Error("TimedOut should be false")
	}
}

func TestCallTool_ApprovalDeniedReturnsErrorResult(t *testing.T) {
	registry := NewToolRegistry()
	registry.SetSafetyConfig(safety.Config{Enabled: true, ApprovalMode: "ask", BashEnabled: true, WriteFileEnabled: true})
	registry.RegisterWithTier(&testExecTool{
		name: "write_file",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "written"}, nil
		},
	}, safety.TierWrite)

	confirm := func(ctx context.Context, verdict safety.Verdict, call models.ToolCall) ConfirmResponse {
		return ConfirmResponse{Approved: false}
	}

	result, err := registry.CallTool(context.Background(), "write_file", json.RawMessage(`{"path":"out.txt"}`), confirm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !result.SafetyBlocked {
		t.Errorf("expected a denied, safety-blocked result, got %+v", result)
	}
}

func TestCallTool_HardDeniedNeverExecutes(t *testing.T) {
	registry := NewToolRegistry()
	registry.SetSafetyConfig(safety.Config{Enabled: true, ApprovalMode: "auto", BashEnabled: false})
	var executed bool
	registry.RegisterWithTier(&testExecTool{
		name: "bash",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			executed = true
			return &ToolResult{Content: "ran"}, nil
		},
	}, safety.TierExecute)

	result, err := registry.CallTool(context.Background(), "bash", json.RawMessage(`{"command":"ls"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executed {
		t.Fatal("hard-denied tool must never execute")
	}
	if result.ApprovalDecision != string(DecisionHardDenied) {
		t.Errorf("ApprovalDecision = %q, want hard_denied", result.ApprovalDecision)
	}
}

func TestCallTool_UnknownToolIsGoError(t *testing.T) {
	registry := NewToolRegistry()
	registry.SetSafetyConfig(safety.Config{Enabled: true, ApprovalMode: "auto"})

	_, err := registry.CallTool(context.Background(), "nope", json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
