// Package subagent implements the run_agent tool: the Sub-Agent
// Scheduler's public contract (spec §4.F). It spawns an isolated child
// Agent Loop with its own message history, bounded by a shared
// SubagentLimiter for depth, concurrency, and cumulative-total budgets.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/pkg/models"
)

// modelIdentifierPattern rejects anything that isn't a plausible model
// string, so a malformed "model" argument can't be smuggled through to
// the provider (spec §4.F "Admission" step 2).
var modelIdentifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-:/]{0,127}$`)

// Tool is the run_agent tool handler. It carries no per-call state of
// its own — every run reads its execution context (parent provider,
// registry, limiter, depth, agent id) from ctx via
// agent.SubagentFieldsFromContext, matching the keyword-only context
// parameters the original implementation threads through handle().
type Tool struct{}

// New builds the run_agent tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string { return "run_agent" }

func (t *Tool) Description() string {
	return "Launch an autonomous sub-agent to handle a complex or independent task. " +
		"The sub-agent runs its own isolated session with access to tools (read, write, edit, bash, glob, grep) " +
		"and returns a summary of its work. Use this to parallelize independent tasks — " +
		"multiple run_agent calls may be issued simultaneously. " +
		"Each sub-agent has its own conversation context and cannot see the parent's history."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {
				"type": "string",
				"description": "A detailed, self-contained instruction for the sub-agent. Include all necessary context since the sub-agent cannot see the parent conversation."
			},
			"model": {
				"type": "string",
				"description": "Optional model override for this sub-agent. Defaults to the parent's model."
			}
		},
		"required": ["prompt"],
		"additionalProperties": false
	}`)
}

type runAgentParams struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// subagentResult is the JSON shape returned as the tool result's
// content (spec §4.F "Result").
type subagentResult struct {
	Output        string   `json:"output"`
	ElapsedSecs   float64  `json:"elapsed_seconds"`
	ToolCallsMade []string `json:"tool_calls_made"`
	ModelUsed     string   `json:"model_used"`
	Truncated     bool     `json:"truncated,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func errorResult(msg string) (*models.ToolResult, error) {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return &models.ToolResult{Content: string(raw), IsError: true}, nil
}

// Execute runs the Admission checks and, if they pass, a full nested
// Agent Loop turn (spec §4.F "Execution").
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var p runAgentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errorResult("invalid run_agent arguments")
	}

	fields, ok := agent.SubagentFieldsFromContext(ctx)
	if !ok {
		return errorResult("Sub-agent requires execution context")
	}

	maxPromptChars := fields.MaxPromptChars
	if maxPromptChars <= 0 {
		maxPromptChars = config.DefaultSubagentConfig().MaxPromptChars
	}
	if len(p.Prompt) > maxPromptChars {
		return errorResult(fmt.Sprintf("prompt exceeds maximum length of %d characters", maxPromptChars))
	}

	if p.Model != "" && !modelIdentifierPattern.MatchString(p.Model) {
		return errorResult("invalid model identifier")
	}

	maxDepth := fields.MaxDepth
	if maxDepth <= 0 {
		maxDepth = config.DefaultSubagentConfig().MaxDepth
	}
	if fields.Depth >= maxDepth {
		return errorResult(fmt.Sprintf("Maximum sub-agent depth (%d) reached", maxDepth))
	}

	if fields.Limiter == nil {
		return errorResult("Sub-agent requires a limiter context")
	}
	if !fields.Limiter.Acquire(ctx) {
		return errorResult(fmt.Sprintf(
			"Maximum total sub-agents (%d) reached for this request. Reuse existing sub-agent results or reduce parallelism.",
			fields.Limiter.TotalSpawned(),
		))
	}
	defer fields.Limiter.Release()

	return t.run(ctx, p, fields, maxDepth)
}

func (t *Tool) run(ctx context.Context, p runAgentParams, fields agent.SubagentFields, maxDepth int) (*models.ToolResult, error) {
	start := time.Now()
	childDepth := fields.Depth + 1

	childCounter := fields.ChildCounter
	if childCounter == nil {
		childCounter = new(atomic.Int64)
	}
	n := childCounter.Add(1)
	childAgentID := fmt.Sprintf("%s.%d", fields.AgentID, n)

	// Build the child's tool list; exclude run_agent itself once the
	// grandchild would already be at the depth ceiling so its own LLM
	// never sees a tool it cannot use (spec §4.F step 2).
	childTools := fields.Registry.Tools()
	if childDepth+1 >= maxDepth {
		filtered := make([]agent.Tool, 0, len(childTools))
		for _, tool := range childTools {
			if tool.Name() != "run_agent" {
				filtered = append(filtered, tool)
			}
		}
		childTools = filtered
	}

	maxChildIterations := fields.MaxChildIterations
	if maxChildIterations <= 0 {
		maxChildIterations = config.DefaultSubagentConfig().MaxChildIterations
	}
	maxOutputChars := fields.MaxOutputChars
	if maxOutputChars <= 0 {
		maxOutputChars = config.DefaultSubagentConfig().MaxOutputChars
	}

	childModelName := p.Model
	if childModelName == "" {
		childModelName = fields.Model
	}

	childLoopCfg := config.DefaultLoopConfig()
	childLoopCfg.MaxIterations = maxChildIterations

	childLoop := agent.NewLoop(fields.Provider, childTools, fields.Executor, childModelName, childLoopCfg)

	childCtx := agent.WithSubagentFields(ctx, agent.SubagentFields{
		Provider:           fields.Provider,
		Registry:           fields.Registry,
		Executor:           fields.Executor,
		Sink:               fields.Sink,
		Depth:              childDepth,
		AgentID:            childAgentID,
		Limiter:            fields.Limiter,
		Model:              childModelName,
		ChildCounter:       new(atomic.Int64),
		MaxDepth:           maxDepth,
		MaxChildIterations: maxChildIterations,
		MaxOutputChars:     maxOutputChars,
		MaxPromptChars:     fields.MaxPromptChars,
	})

	promptPreview := p.Prompt
	if len(promptPreview) > 200 {
		promptPreview = promptPreview[:200]
	}
	emitToParent(ctx, fields.Sink, childAgentID, models.EventSubagentStart, models.SubagentStartPayload{
		AgentID: childAgentID, Prompt: promptPreview, Depth: childDepth,
	})

	history := []models.Message{{Role: models.RoleUser, Content: p.Prompt, CreatedAt: start}}

	var output string
	var toolCallsMade []string
	var errMsg string

	events := childLoop.Run(childCtx, history, agent.RunOptions{
		ExtraSystemPrompt: BuildSystemPrompt(SystemPromptParams{AgentID: childAgentID, Depth: childDepth}),
	})
	for e := range events {
		forwarded := e
		forwarded.RunID = childAgentID
		if fields.Sink != nil {
			fields.Sink.Emit(ctx, forwarded)
		}

		switch e.Kind {
		case models.EventToken:
			var tp models.TokenPayload
			if json.Unmarshal(e.Data, &tp) == nil {
				output += tp.Content
			}
		case models.EventToolCallStart:
			var sp models.ToolCallStartPayload
			if json.Unmarshal(e.Data, &sp) == nil {
				toolCallsMade = append(toolCallsMade, sp.Name)
			}
		case models.EventError:
			var ep models.ErrorPayload
			if json.Unmarshal(e.Data, &ep) == nil {
				errMsg = ep.Message
			}
		}
	}

	elapsed := time.Since(start).Seconds()
	truncated := false
	if len(output) > maxOutputChars {
		output = output[:maxOutputChars] + "\n\n... [output truncated]"
		truncated = true
	}

	emitToParent(ctx, fields.Sink, childAgentID, models.EventSubagentEnd, models.SubagentEndPayload{
		AgentID: childAgentID, Output: output, ElapsedSeconds: round1(elapsed),
		ToolCallsMade: toolCallsMade, ModelUsed: childModelName, Truncated: truncated, Error: errMsg,
	})

	result := subagentResult{
		Output:        output,
		ElapsedSecs:   round1(elapsed),
		ToolCallsMade: toolCallsMade,
		ModelUsed:     childModelName,
		Truncated:     truncated,
		Error:         errMsg,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResult("Sub-agent execution failed")
	}
	return &models.ToolResult{Content: string(raw), IsError: errMsg != ""}, nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func emitToParent(ctx context.Context, sink agent.EventSink, agentID string, kind models.AgentEventKind, payload any) {
	if sink == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	sink.Emit(ctx, models.AgentEvent{Kind: kind, RunID: agentID, Data: raw})
}
