package subagent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/safety"
	"github.com/haasonsaas/nexus/pkg/models"
)

// textProvider is a minimal agent.LLMProvider that always answers with a
// single plain-text turn, enough to drive a child Agent Loop to
// completion without any tool calls.
type textProvider struct{ text string }

func (p *textProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.text}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}
func (p *textProvider) Name() string          { return "text" }
func (p *textProvider) Models() []agent.Model { return nil }
func (p *textProvider) SupportsTools() bool   { return true }

func newTestFields(t *testing.T, provider agent.LLMProvider, depth int, limiter *agent.SubagentLimiter) agent.SubagentFields {
	t.Helper()
	registry := agent.NewToolRegistry()
	registry.SetSafetyConfig(safety.Config{Enabled: true, ApprovalMode: "auto", BashEnabled: true, WriteFileEnabled: true})
	registry.Register(New())
	executor := agent.NewToolExecutor(registry, nil, agent.DefaultToolExecConfig())

	if limiter == nil {
		limiter = agent.NewSubagentLimiter(5, 5)
	}

	cfg := config.DefaultSubagentConfig()
	return agent.SubagentFields{
		Provider:           provider,
		Registry:           registry,
		Executor:           executor,
		Sink:               nil,
		Depth:              depth,
		AgentID:            "main",
		Limiter:            limiter,
		Model:              "test-model",
		MaxDepth:           cfg.MaxDepth,
		MaxChildIterations: cfg.MaxChildIterations,
		MaxOutputChars:     cfg.MaxOutputChars,
		MaxPromptChars:     cfg.MaxPromptChars,
	}
}

func TestRunAgent_RequiresExecutionContext(t *testing.T) {
	tool := New()
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "execution context") {
		t.Fatalf("expected execution-context error, got %+v", result)
	}
}

func TestRunAgent_RejectsOversizedPrompt(t *testing.T) {
	fields := newTestFields(t, &textProvider{text: "ok"}, 0, nil)
	fields.MaxPromptChars = 10
	ctx := agent.WithSubagentFields(context.Background(), fields)

	tool := New()
	params, _ := json.Marshal(map[string]string{"prompt": strings.Repeat("x", 100)})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "exceeds maximum length") {
		t.Fatalf("expected oversized-prompt error, got %+v", result)
	}
}

func TestRunAgent_RejectsInvalidModel(t *testing.T) {
	fields := newTestFields(t, &textProvider{text: "ok"}, 0, nil)
	ctx := agent.WithSubagentFields(context.Background(), fields)

	tool := New()
	params, _ := json.Marshal(map[string]string{"prompt": "hi", "model": "not a model; rm -rf /"})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "invalid model") {
		t.Fatalf("expected invalid-model error, got %+v", result)
	}
}

func TestRunAgent_RejectsAtMaxDepth(t *testing.T) {
	fields := newTestFields(t, &textProvider{text: "ok"}, 3, nil) // MaxDepth default is 3
	ctx := agent.WithSubagentFields(context.Background(), fields)

	tool := New()
	params, _ := json.Marshal(map[string]string{"prompt": "hi"})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "depth") {
		t.Fatalf("expected depth-limit error, got %+v", result)
	}
}

func TestRunAgent_RejectsWhenTotalExhausted(t *testing.T) {
	limiter := agent.NewSubagentLimiter(5, 1)
	if !limiter.Acquire(context.Background()) {
		t.Fatal("setup: expected first acquire to succeed")
	}

	fields := newTestFields(t, &textProvider{text: "ok"}, 0, limiter)
	ctx := agent.WithSubagentFields(context.Background(), fields)

	tool := New()
	params, _ := json.Marshal(map[string]string{"prompt": "hi"})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "Maximum total sub-agents") {
		t.Fatalf("expected total-exhausted error, got %+v", result)
	}
}

func TestRunAgent_RunsChildLoopAndReturnsOutput(t *testing.T) {
	fields := newTestFields(t, &textProvider{text: "the child's findings"}, 0, nil)
	ctx := agent.WithSubagentFields(context.Background(), fields)

	tool := New()
	params, _ := json.Marshal(map[string]string{"prompt": "investigate something"})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %+v", result)
	}

	var decoded subagentResult
	if err := json.Unmarshal([]byte(result.Content), &decoded); err != nil {
		t.Fatalf("result content is not valid JSON: %v", err)
	}
	if decoded.Output != "the child's findings" {
		t.Errorf("output = %q, want %q", decoded.Output, "the child's findings")
	}
	if decoded.ModelUsed != "test-model" {
		t.Errorf("model_used = %q, want %q (inherited from parent)", decoded.ModelUsed, "test-model")
	}
	if limiterHasInflightSlot(fields.Limiter) {
		t.Error("limiter slot should have been released after completion")
	}
}

// limiterHasInflightSlot reports whether the limiter still has an
// outstanding (unreleased) concurrency slot by trying to spend its only
// remaining budget; the fields fixture always uses max_total 5 with
// plenty of headroom, so a fresh Acquire should always succeed once the
// run_agent call under test has released its own slot.
func limiterHasInflightSlot(l *agent.SubagentLimiter) bool {
	return !l.Acquire(context.Background())
}

func TestRunAgent_ExcludesRunAgentToolAtDepthCeiling(t *testing.T) {
	cfg := config.DefaultSubagentConfig()
	fields := newTestFields(t, &textProvider{text: "ok"}, cfg.MaxDepth-2, nil)
	ctx := agent.WithSubagentFields(context.Background(), fields)

	tool := New()
	params, _ := json.Marshal(map[string]string{"prompt": "hi"})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success at depth %d, got error: %+v", cfg.MaxDepth-2, result)
	}
}
