package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/pkg/models"
)

// LLMProvider is the Chat Stream Client contract (spec §4.C / §6.1):
// implementations wrap a specific upstream API (OpenAI-compatible,
// Anthropic, ...) behind a single streaming interface.
//
// Implementations must be safe for concurrent use; Complete may be called
// from multiple goroutines for different requests.
type LLMProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	Name() string
	Models() []Model
	SupportsTools() bool
}

// CompletionRequest is everything the loop sends to a provider for one
// streaming turn.
type CompletionRequest struct {
	Model    string              `json:"model"`
	System   string              `json:"system,omitempty"`
	Messages []CompletionMessage `json:"messages"`
	Tools    []Tool              `json:"tools,omitempty"`

	// MaxTokens caps the provider's output token budget. The Agent
	// Loop's compaction recovery strategy (§4.E.1) sets this to ~1000
	// for its summarization call.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking and ThinkingBudgetTokens thread extended-thinking
	// mode through to providers that support it (Anthropic). Ignored by
	// providers that don't.
	EnableThinking       bool `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int  `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage is one entry in the conversation sent to the provider.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// ToolCallDelta is one incremental argument fragment for a still-
// accumulating tool call, emitted by providers as input JSON streams in
// so the Agent Loop can forward it as a tool_call_args_delta event for
// the canvas streaming decoder (§4.C, §4.D) before the full call lands.
type ToolCallDelta struct {
	Index      int    `json:"index"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Delta      string `json:"delta"`
}

// CompletionChunk is a single unit of a streaming provider response: a
// token fragment, a tool-call argument fragment, a completed tool call,
// a terminal error, or the done signal. Exactly one of
// Text/ToolCallDelta/ToolCall/Error/Done carries meaning per chunk,
// mirroring the upstream delta shape (see internal/agent/providers).
type CompletionChunk struct {
	Text          string           `json:"text,omitempty"`
	ToolCallDelta *ToolCallDelta   `json:"tool_call_delta,omitempty"`
	ToolCall      *models.ToolCall `json:"tool_call,omitempty"`
	Done          bool             `json:"done,omitempty"`
	Error         error            `json:"-"`
	// Code classifies Error for the Agent Loop's recovery logic (§4.C,
	// §7): one of context_length_exceeded, timeout, rate_limit,
	// auth_failed, generic. Empty when Error is nil.
	Code         string `json:"code,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`

	// Thinking, ThinkingStart, ThinkingEnd carry extended-thinking
	// content for providers that support it (Anthropic). The Agent
	// Loop treats thinking text as the EventThinking phase marker, not
	// as assistant content.
	Thinking      string `json:"thinking,omitempty"`
	ThinkingStart bool   `json:"thinking_start,omitempty"`
	ThinkingEnd   bool   `json:"thinking_end,omitempty"`
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is the interface every built-in and MCP-backed tool implements.
// Execute must not itself enforce the safety gate — that is the
// ToolRegistry's job (see registry.go) so every call path, including
// sub-agents, goes through the same check.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

// ResponseChunk is what the Loop emits to its caller for each turn. It is
// the in-process twin of models.AgentEvent; internal/eventhub converts
// ResponseChunk values into AgentEvent frames for SSE delivery.
type ResponseChunk struct {
	Text       string             `json:"text,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`
	ToolEvent  *models.ToolEvent  `json:"tool_event,omitempty"`
	Narration  string             `json:"narration,omitempty"`
	Error      error              `json:"-"`
	Done       bool               `json:"done,omitempty"`
}
