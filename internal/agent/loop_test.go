package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/safety"
	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedProvider replays a fixed sequence of turn scripts, one per
// Complete() call, so tests can drive the Loop through specific paths
// without a real upstream.
type scriptedProvider struct {
	turns []func() []*CompletionChunk
	calls int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.calls >= len(p.turns) {
		p.calls++
		return nil, errTurnsExhausted
	}
	turn := p.turns[p.calls]
	p.calls++
	ch := make(chan *CompletionChunk, len(turn())+1)
	for _, c := range turn() {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) Models() []Model       { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

var errTurnsExhausted = &streamError{message: "scripted provider ran out of turns"}

func textTurn(s string) func() []*CompletionChunk {
	return func() []*CompletionChunk {
		return []*CompletionChunk{{Text: s}, {Done: true}}
	}
}

func toolCallTurn(id, name, args string) func() []*CompletionChunk {
	return func() []*CompletionChunk {
		return []*CompletionChunk{
			{ToolCallDelta: &ToolCallDelta{Index: 0, ToolCallID: id, ToolName: name, Delta: args}},
			{ToolCall: &models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}},
			{Done: true},
		}
	}
}

type echoTool struct{ name string }

func (t *echoTool) Name() string            { return t.name }
func (t *echoTool) Description() string     { return "echoes its input" }
func (t *echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	return &models.ToolResult{Content: string(params)}, nil
}

func newTestLoop(t *testing.T, provider LLMProvider, tools []*echoTool) *Loop {
	t.Helper()
	registry := NewToolRegistry()
	registry.SetSafetyConfig(safety.Config{Enabled: true, ApprovalMode: "auto", BashEnabled: true, WriteFileEnabled: true})
	toolList := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		registry.RegisterWithTier(tool, safety.TierRead)
		toolList = append(toolList, tool)
	}
	executor := NewToolExecutor(registry, nil, DefaultToolExecConfig())
	return NewLoop(provider, toolList, executor, "test-model", config.DefaultLoopConfig())
}

func collectEvents(ch <-chan models.AgentEvent) []models.AgentEvent {
	var events []models.AgentEvent
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func TestLoop_TerminatesOnPlainAssistantMessage(t *testing.T) {
	provider := &scriptedProvider{turns: []func() []*CompletionChunk{textTurn("hello there")}}
	loop := newTestLoop(t, provider, nil)

	events := collectEvents(loop.Run(context.Background(), nil, RunOptions{}))

	var sawDone, sawAssistant bool
	for _, e := range events {
		switch e.Kind {
		case models.EventDone:
			sawDone = true
		case models.EventAssistantMessage:
			var p models.AssistantMessagePayload
			if err := json.Unmarshal(e.Data, &p); err != nil {
				t.Fatalf("unmarshal assistant payload: %v", err)
			}
			if p.Content != "hello there" {
				t.Errorf("content = %q, want %q", p.Content, "hello there")
			}
			sawAssistant = true
		}
	}
	if !sawDone || !sawAssistant {
		t.Fatalf("expected assistant_message and done events, got %+v", events)
	}
}

func TestLoop_DispatchesToolCallThenFinishes(t *testing.T) {
	provider := &scriptedProvider{turns: []func() []*CompletionChunk{
		toolCallTurn("call_1", "echo", `{"x":1}`),
		textTurn("done with tools"),
	}}
	loop := newTestLoop(t, provider, []*echoTool{{name: "echo"}})

	events := collectEvents(loop.Run(context.Background(), nil, RunOptions{}))

	var sawToolStart, sawToolEnd, sawArgsDelta bool
	for _, e := range events {
		switch e.Kind {
		case models.EventToolCallStart:
			sawToolStart = true
		case models.EventToolCallEnd:
			var p models.ToolCallEndPayload
			json.Unmarshal(e.Data, &p)
			if p.Status != "success" {
				t.Errorf("tool call status = %q, want success", p.Status)
			}
			sawToolEnd = true
		case models.EventToolCallArgsDelta:
			sawArgsDelta = true
		}
	}
	if !sawToolStart || !sawToolEnd {
		t.Fatalf("expected tool_call_start and tool_call_end events, got %+v", events)
	}
	if !sawArgsDelta {
		t.Error("expected at least one tool_call_args_delta event from the streamed tool call")
	}
}

func TestLoop_MaxIterationsProducesError(t *testing.T) {
	turns := make([]func() []*CompletionChunk, 0, 3)
	for i := 0; i < 3; i++ {
		turns = append(turns, toolCallTurn("call", "echo", `{}`))
	}
	provider := &scriptedProvider{turns: turns}
	loop := newTestLoop(t, provider, []*echoTool{{name: "echo"}})
	loop.Config.MaxIterations = 2

	events := collectEvents(loop.Run(context.Background(), nil, RunOptions{}))

	last := events[len(events)-1]
	if last.Kind != models.EventError {
		t.Fatalf("expected final event to be error, got %s", last.Kind)
	}
}

func TestLoop_DrainsMessageQueueBeforeFinishing(t *testing.T) {
	provider := &scriptedProvider{turns: []func() []*CompletionChunk{
		textTurn("first answer"),
		textTurn("second answer"),
	}}
	loop := newTestLoop(t, provider, nil)
	queue := NewMessageQueue(10)
	queue.Enqueue(models.Message{Role: models.RoleUser, Content: "follow up"})

	events := collectEvents(loop.Run(context.Background(), nil, RunOptions{MessageQueue: queue}))

	var sawQueued bool
	doneCount := 0
	for _, e := range events {
		if e.Kind == models.EventQueuedMessage {
			sawQueued = true
		}
		if e.Kind == models.EventDone {
			doneCount++
		}
	}
	if !sawQueued {
		t.Error("expected queued_message event when a follow-up was pending")
	}
	if doneCount != 2 {
		t.Errorf("done events = %d, want 2 (one per turn)", doneCount)
	}
	if queue.Len() != 0 {
		t.Errorf("queue should be drained, has %d remaining", queue.Len())
	}
}

func TestLoop_CancelledContextSynthesizesCancelledResults(t *testing.T) {
	provider := &scriptedProvider{turns: []func() []*CompletionChunk{
		toolCallTurn("call_1", "echo", `{}`),
	}}
	loop := newTestLoop(t, provider, []*echoTool{{name: "echo"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := collectEvents(loop.Run(ctx, nil, RunOptions{}))

	var sawCancelled bool
	for _, e := range events {
		if e.Kind == models.EventToolCallEnd {
			var p models.ToolCallEndPayload
			json.Unmarshal(e.Data, &p)
			if p.Status == "cancelled" {
				sawCancelled = true
			}
		}
	}
	if !sawCancelled {
		t.Error("expected a cancelled tool_call_end event under an already-cancelled context")
	}
}

type blockingTool struct{ name string }

func (t *blockingTool) Name() string            { return t.name }
func (t *blockingTool) Description() string     { return "blocks until its context ends" }
func (t *blockingTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *blockingTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// TestLoop_MidFlightCancellationReportsCancelledByUser exercises genuine
// post-dispatch cancellation: the context is still live when the tool call
// is handed to the executor, and only cancelled while the tool is running.
func TestLoop_MidFlightCancellationReportsCancelledByUser(t *testing.T) {
	provider := &scriptedProvider{turns: []func() []*CompletionChunk{
		toolCallTurn("call_1", "block", `{}`),
	}}
	registry := NewToolRegistry()
	registry.SetSafetyConfig(safety.Config{Enabled: true, ApprovalMode: "auto", BashEnabled: true, WriteFileEnabled: true})
	tool := &blockingTool{name: "block"}
	registry.RegisterWithTier(tool, safety.TierRead)
	executor := NewToolExecutor(registry, nil, DefaultToolExecConfig())
	loop := NewLoop(provider, []Tool{tool}, executor, "test-model", config.DefaultLoopConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	events := collectEvents(loop.Run(ctx, nil, RunOptions{}))

	var found models.ToolCallEndPayload
	for _, e := range events {
		if e.Kind == models.EventToolCallEnd {
			json.Unmarshal(e.Data, &found)
		}
	}
	if found.Status != "cancelled" {
		t.Errorf("status = %q, want %q", found.Status, "cancelled")
	}
	if found.Content != "Cancelled by user" {
		t.Errorf("content = %q, want %q", found.Content, "Cancelled by user")
	}
}

func TestMessageQueue_RespectsCapacity(t *testing.T) {
	q := NewMessageQueue(2)
	if ok := q.Enqueue(models.Message{Content: "a"}); !ok {
		t.Fatal("first enqueue should succeed")
	}
	if ok := q.Enqueue(models.Message{Content: "b"}); !ok {
		t.Fatal("second enqueue should succeed")
	}
	if ok := q.Enqueue(models.Message{Content: "c"}); ok {
		t.Error("third enqueue should be dropped at capacity 2")
	}
	msg, ok := q.Dequeue()
	if !ok || msg.Content != "a" {
		t.Errorf("expected FIFO order, got %+v, ok=%v", msg, ok)
	}
}

func TestTruncateOversizedToolOutputs_ShrinksAndAnnotates(t *testing.T) {
	provider := &scriptedProvider{}
	loop := newTestLoop(t, provider, nil)
	loop.Config.ToolOutputMaxChars = 10

	original := "0123456789ABCDEFGHIJ"
	history := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "big_tool"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c1", ToolName: "big_tool", Content: original}}},
	}

	ctx := context.Background()
	out := make(chan models.AgentEvent, 8)
	changed := loop.truncateOversizedToolOutputs(ctx, &history, out)
	if !changed {
		t.Fatal("expected truncation to report a change")
	}
	got := history[1].ToolResults[0].Content
	if got[:10] != original[:10] {
		t.Errorf("truncated content should keep the original prefix, got %q", got[:10])
	}
	if len(got) <= len(original) && len(got) < 10 {
		t.Errorf("truncated content is unexpectedly short: %q", got)
	}
	close(out)
}

func TestLoop_RetriesStreamErrorsWithContextRecovery(t *testing.T) {
	provider := &scriptedProvider{turns: []func() []*CompletionChunk{
		func() []*CompletionChunk {
			return []*CompletionChunk{{Error: errContextOverflow, Code: "context_length_exceeded", Done: true}}
		},
		// No oversized tool output exists, so recoverContext falls through
		// to compaction; this is that compaction call's response.
		textTurn("compacted summary"),
		textTurn("recovered"),
	}}
	loop := newTestLoop(t, provider, nil)
	loop.Config.MaxContextRecoveryAttempts = 2

	history := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "ok"},
		{Role: models.RoleUser, Content: "more"},
		{Role: models.RoleAssistant, Content: "sure"},
	}

	events := collectEvents(loop.Run(context.Background(), history, RunOptions{}))

	var recoveredOK bool
	for _, e := range events {
		if e.Kind == models.EventAssistantMessage {
			var p models.AssistantMessagePayload
			json.Unmarshal(e.Data, &p)
			if p.Content == "recovered" {
				recoveredOK = true
			}
		}
	}
	if !recoveredOK {
		t.Fatalf("expected loop to recover and complete the turn, got %+v", events)
	}
}

var errContextOverflow = &streamError{message: "maximum context length exceeded", code: "context_length_exceeded"}
