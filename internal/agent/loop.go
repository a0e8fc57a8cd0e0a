package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/internal/canvas"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Error codes mirrored from internal/agent/providers (not imported here to
// avoid an import cycle: providers depends on this package for the
// LLMProvider/Tool contracts). Providers attach the same string values to
// CompletionChunk.Code, so the Loop can switch on them without depending
// on the providers package's types.
const (
	errorCodeContextLength = "context_length_exceeded"
	errorCodeTimeout       = "timeout"
	errorCodeRateLimit     = "rate_limit"
)

// streamError is the Loop's lightweight view of a provider failure,
// built from the already-classified CompletionChunk.Code/Error fields
// (or, for an upfront Complete() error, from the raw error alone).
type streamError struct {
	message   string
	code      string
	retryable bool
}

func (e *streamError) Error() string { return e.message }

func newStreamError(err error, code string) *streamError {
	if err == nil {
		return nil
	}
	se := &streamError{message: err.Error(), code: code}
	switch code {
	case errorCodeTimeout, errorCodeRateLimit:
		se.retryable = true
	}
	return se
}

// MessageQueue is the bounded follow-up mailbox described in spec §3: a
// user may send another message while the Agent Loop is mid-turn; it is
// drained into history between iterations rather than interrupting the
// current one (§4.E step 3, Scenario F).
type MessageQueue struct {
	mu       sync.Mutex
	items    []models.Message
	capacity int
}

// NewMessageQueue builds a queue bounded at capacity (spec default: 10).
func NewMessageQueue(capacity int) *MessageQueue {
	if capacity <= 0 {
		capacity = 10
	}
	return &MessageQueue{capacity: capacity}
}

// Enqueue appends msg, returning false (and dropping it) if the queue is
// already at capacity.
func (q *MessageQueue) Enqueue(msg models.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, msg)
	return true
}

// Dequeue removes and returns the oldest queued message, if any.
func (q *MessageQueue) Dequeue() (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Len reports the number of currently queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// narrationPrompt is injected verbatim as a temporary user turn on the
// configured cadence (§4.E step 6); the original implementation pops it
// by index afterward, not by value, so that behavior is preserved here.
const narrationPrompt = "Briefly summarize your progress in 1-2 sentences: what have you found or done so far, " +
	"and what are you doing next? Then continue your work."

// compactionPromptPrefix drives the context-recovery strategy 2 call
// (§4.E.1): a single bounded LLM call asked to preserve decisions,
// touched file paths, plan progress, current state, and encountered
// errors from a structured transcript, discarding everything else.
const compactionPromptPrefix = "Summarize the following conversation concisely, preserving:\n" +
	"- Key decisions and conclusions\n" +
	"- File paths that were read, written, or edited\n" +
	"- Important code changes and their purpose\n" +
	"- Which steps of any multi-step plan have been COMPLETED (tool_result SUCCESS) vs remaining\n" +
	"- Current state of the task — what has been done and what is next\n" +
	"- Any errors encountered and how they were resolved\n\n"

// Loop drives the LLM to completion for one user turn, dispatching tool
// calls through the Safety Gate and Tool Registry and applying
// context-window recovery strategies on overflow (§4.E).
type Loop struct {
	Provider LLMProvider
	Executor *ToolExecutor
	Tools    []Tool
	Model    string
	Config   config.LoopConfig

	// Subagent, if set, makes this Loop the root of a run_agent call
	// tree: its fields are attached to the turn's context once so the
	// run_agent tool handler (internal/tools/subagent) can admit and
	// run child Agent Loops (spec §4.F). Left nil for a Loop that is
	// itself already running as a sub-agent — in that case the parent
	// call site attaches SubagentFields directly via WithSubagentFields
	// before invoking Run.
	Subagent *RootSubagentConfig
}

// RootSubagentConfig configures the Sub-Agent Scheduler for a top-level
// Loop (one not itself running inside a sub-agent).
type RootSubagentConfig struct {
	Limiter            *SubagentLimiter
	AgentID            string
	MaxDepth           int
	MaxChildIterations int
	MaxOutputChars     int
	MaxPromptChars     int
}

// NewLoop builds an Agent Loop. tools is the schema list sent upstream;
// executor dispatches the same names through the Safety Gate.
func NewLoop(provider LLMProvider, tools []Tool, executor *ToolExecutor, model string, cfg config.LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	if cfg.ToolOutputMaxChars <= 0 {
		cfg.ToolOutputMaxChars = 2000
	}
	if cfg.MaxContextRecoveryAttempts <= 0 {
		cfg.MaxContextRecoveryAttempts = 2
	}
	return &Loop{Provider: provider, Executor: executor, Tools: tools, Model: model, Config: cfg}
}

// RunOptions are the per-turn knobs threaded through Run (spec §4.E
// public contract).
type RunOptions struct {
	ExtraSystemPrompt string
	MessageQueue      *MessageQueue
}

// Run drives one user turn to completion, returning a channel of
// AgentEvents that closes once the turn reaches a terminal state (a
// final assistant message with no pending tool calls and an empty
// message queue, a fatal error, or a cancellation). The channel is
// buffered so a slow consumer doesn't stall iteration internals; callers
// that need unbounded fan-out should wrap it in an EventSink (event_sink.go).
func (l *Loop) Run(ctx context.Context, history []models.Message, opts RunOptions) <-chan models.AgentEvent {
	out := make(chan models.AgentEvent, 32)
	go func() {
		defer close(out)
		l.run(ctx, history, opts, out)
	}()
	return out
}

func emit(out chan<- models.AgentEvent, ctx context.Context, kind models.AgentEventKind, payload any) {
	var data json.RawMessage
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			data = raw
		}
	}
	emitRaw(out, ctx, models.AgentEvent{Kind: kind, RunID: observability.GetRunID(ctx), Data: data})
}

// emitRaw sends an already-built AgentEvent, used both by emit and by
// the root sub-agent sink that re-forwards a child Loop's events onto
// the same channel (spec §4.H: the Event Fan-out layer sees subagent_*
// frames even though the parent Agent Loop's own text accumulation does
// not react to them).
func emitRaw(out chan<- models.AgentEvent, ctx context.Context, event models.AgentEvent) {
	select {
	case out <- event:
	case <-ctx.Done():
	}
}

func (l *Loop) run(ctx context.Context, history []models.Message, opts RunOptions, out chan<- models.AgentEvent) {
	totalToolCalls := 0
	autoPlanFired := false
	recoveryAttempts := 0
	iteration := 0

	if l.Subagent != nil {
		if _, already := SubagentFieldsFromContext(ctx); !already {
			ctx = WithSubagentFields(ctx, SubagentFields{
				Provider:           l.Provider,
				Registry:           l.Executor.Registry(),
				Executor:           l.Executor,
				Sink:               NewCallbackSink(func(sinkCtx context.Context, e models.AgentEvent) { emitRaw(out, sinkCtx, e) }),
				Depth:              0,
				AgentID:            l.Subagent.AgentID,
				Limiter:            l.Subagent.Limiter,
				Model:              l.Model,
				ChildCounter:       new(atomic.Int64),
				MaxDepth:           l.Subagent.MaxDepth,
				MaxChildIterations: l.Subagent.MaxChildIterations,
				MaxOutputChars:     l.Subagent.MaxOutputChars,
				MaxPromptChars:     l.Subagent.MaxPromptChars,
			})
		}
	}

	for {
		iteration++
		if iteration > l.Config.MaxIterations {
			loopErr := &LoopError{Phase: PhaseContinue, Iteration: iteration, Message: fmt.Sprintf("max iterations (%d) reached", l.Config.MaxIterations)}
			emit(out, ctx, models.EventError, models.ErrorPayload{Message: loopErr.Error()})
			return
		}

		emit(out, ctx, models.EventThinking, nil)

		text, pending, streamErr := l.streamOnce(ctx, history, opts, out)

		if streamErr != nil {
			if streamErr.code == errorCodeContextLength && recoveryAttempts < l.Config.MaxContextRecoveryAttempts {
				recoveryAttempts++
				iteration--
				if l.recoverContext(ctx, &history, out) {
					continue
				}
				emit(out, ctx, models.EventError, models.ErrorPayload{
					Message: "Conversation too long for model context window. Recovery failed after truncation and compaction. Please start a new conversation.",
					Code:    errorCodeContextLength,
				})
				return
			}
			loopErr := &LoopError{Phase: PhaseStream, Iteration: iteration, Message: streamErr.Error(), Cause: streamErr}
			emit(out, ctx, models.EventError, models.ErrorPayload{
				Message: loopErr.Error(), Code: streamErr.code, Retryable: streamErr.retryable,
			})
			return
		}

		if len(pending) == 0 {
			emit(out, ctx, models.EventAssistantMessage, models.AssistantMessagePayload{Content: text})
			if strings.TrimSpace(text) != "" {
				history = append(history, models.Message{Role: models.RoleAssistant, Content: text, CreatedAt: now()})
			}
			if opts.MessageQueue != nil {
				if msg, ok := opts.MessageQueue.Dequeue(); ok {
					emit(out, ctx, models.EventDone, models.DonePayload{Reason: "queued_followup"})
					history = append(history, msg)
					emit(out, ctx, models.EventQueuedMessage, models.QueuedMessagePayload{Content: msg.Content})
					continue
				}
			}
			emit(out, ctx, models.EventDone, models.DonePayload{Reason: "stop"})
			return
		}

		emit(out, ctx, models.EventAssistantMessage, models.AssistantMessagePayload{Content: text})
		history = append(history, buildAssistantToolCallMessage(text, pending))

		if ctx.Err() != nil {
			appendCancelledResults(&history, pending)
			for _, call := range pending {
				emit(out, ctx, models.EventToolCallEnd, models.ToolCallEndPayload{
					ToolCallID: call.ID, ToolName: call.Name, Status: "cancelled",
					Content: "Cancelled by user",
				})
			}
			emit(out, ctx, models.EventDone, models.DonePayload{Reason: "cancelled"})
			return
		}

		for _, call := range pending {
			emit(out, ctx, models.EventToolCallStart, models.ToolCallStartPayload{
				ID: call.ID, Name: call.Name, Arguments: call.Arguments,
			})
		}

		results := l.Executor.ExecuteConcurrently(ctx, pending, nil)
		byIndex := make(map[int]ToolExecResult, len(results))
		for _, r := range results {
			byIndex[r.Index] = r
		}
		for i, call := range pending {
			r := byIndex[i]
			status := "success"
			if r.Result.IsError {
				status = "error"
			}
			if ctx.Err() != nil && r.Result.Content == "Cancelled by user" {
				status = "cancelled"
			}
			emit(out, ctx, models.EventToolCallEnd, models.ToolCallEndPayload{
				ToolCallID: call.ID, ToolName: call.Name, Status: status,
				Content: r.Result.Content, SafetyBlocked: r.Result.SafetyBlocked,
			})
			history = append(history, toolResultMessage(call, r.Result))
		}
		totalToolCalls += len(pending)

		if ctx.Err() != nil {
			emit(out, ctx, models.EventDone, models.DonePayload{Reason: "cancelled"})
			return
		}

		if l.Config.AutoPlanThreshold > 0 && !autoPlanFired && totalToolCalls >= l.Config.AutoPlanThreshold {
			emit(out, ctx, models.EventAutoPlanSuggest, models.AutoPlanSuggestPayload{ToolCalls: totalToolCalls})
			autoPlanFired = true
		}

		if l.Config.NarrationCadence > 0 && totalToolCalls%l.Config.NarrationCadence == 0 {
			l.narrate(ctx, &history, out)
		}
	}
}

// streamOnce drives one LLM call to its terminal stream event, forwarding
// token/tool_call_args_delta/thinking events as they arrive and
// accumulating assistant text plus the fully-formed tool calls the
// provider reports at stream end.
func (l *Loop) streamOnce(ctx context.Context, history []models.Message, opts RunOptions, out chan<- models.AgentEvent) (string, []models.ToolCall, *streamError) {
	req := &CompletionRequest{
		Model:    l.Model,
		System:   opts.ExtraSystemPrompt,
		Messages: toCompletionMessages(history),
		Tools:    l.Tools,
	}

	chunks, err := l.Provider.Complete(ctx, req)
	if err != nil {
		return "", nil, newStreamError(err, "")
	}

	var text strings.Builder
	toolCalls := make(map[string]*models.ToolCall) // keyed by tool-call id
	toolOrder := make([]string, 0, 4)
	accumulators := make(map[int]*canvas.Accumulator)

	getAccumulator := func(idx int) *canvas.Accumulator {
		acc, ok := accumulators[idx]
		if !ok {
			acc = canvas.NewAccumulator()
			accumulators[idx] = acc
		}
		return acc
	}

	for chunk := range chunks {
		if ctx.Err() != nil {
			continue
		}
		switch {
		case chunk.Error != nil:
			return text.String(), nil, newStreamError(chunk.Error, chunk.Code)
		case chunk.ToolCallDelta != nil:
			d := chunk.ToolCallDelta
			acc := getAccumulator(d.Index)
			_, delta := acc.Feed(d.Delta)
			emit(out, ctx, models.EventToolCallArgsDelta, models.ToolCallArgsDeltaPayload{
				Index: d.Index, ToolCallID: d.ToolCallID, ToolName: d.ToolName, Delta: delta,
			})
		case chunk.ToolCall != nil:
			id := chunk.ToolCall.ID
			if _, seen := toolCalls[id]; !seen {
				toolOrder = append(toolOrder, id)
			}
			toolCalls[id] = parseToolCallArgs(chunk.ToolCall)
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			emit(out, ctx, models.EventToken, models.TokenPayload{Content: chunk.Text})
		case chunk.ThinkingStart, chunk.ThinkingEnd:
			emit(out, ctx, models.EventPhase, models.PhasePayload{Phase: "thinking"})
		case chunk.Thinking != "":
			emit(out, ctx, models.EventThinking, models.TokenPayload{Content: chunk.Thinking})
		case chunk.Done:
			// Terminal chunk; loop exits on channel close below.
		}
	}

	if ctx.Err() != nil {
		return text.String(), nil, nil
	}

	ordered := make([]models.ToolCall, 0, len(toolOrder))
	for _, id := range toolOrder {
		ordered = append(ordered, *toolCalls[id])
	}
	return text.String(), ordered, nil
}

// parseToolCallArgs normalizes a tool call's raw argument bytes,
// defaulting to an empty object when the upstream payload is not valid
// JSON (§4.C "invalid JSON → empty args map").
func parseToolCallArgs(tc *models.ToolCall) *models.ToolCall {
	out := *tc
	if len(out.Arguments) == 0 {
		out.Arguments = json.RawMessage(`{}`)
		return &out
	}
	var probe json.RawMessage
	if err := json.Unmarshal(out.Arguments, &probe); err != nil {
		out.Arguments = json.RawMessage(`{}`)
	}
	return &out
}

func buildAssistantToolCallMessage(text string, pending []models.ToolCall) models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		Content:   text,
		ToolCalls: pending,
		CreatedAt: now(),
	}
}

// toolResultMessage builds the tool-role history entry for one
// dispatched call, stripping internal bookkeeping (the approval
// decision tag) before it would ever reach the LLM — CompletionMessage
// conversion below re-derives content from ToolResults, not from this
// struct's extra fields, so nothing internal leaks upstream.
func toolResultMessage(call models.ToolCall, result models.ToolResult) models.Message {
	result.ToolCallID = call.ID
	return models.Message{
		Role:        models.RoleTool,
		ToolResults: []models.ToolResult{result},
		CreatedAt:   now(),
	}
}

func appendCancelledResults(history *[]models.Message, pending []models.ToolCall) {
	for _, call := range pending {
		*history = append(*history, toolResultMessage(call, models.ToolResult{
			ToolCallID: call.ID, ToolName: call.Name, Content: "Cancelled by user", IsError: true,
		}))
	}
}

// toCompletionMessages projects history onto the provider's wire shape,
// deliberately not forwarding ApprovalDecision (an internal bookkeeping
// field) to the LLM (§3 ToolCallResult invariant).
func toCompletionMessages(history []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		cm := CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			Attachments: m.Attachments,
		}
		if len(m.ToolResults) > 0 {
			sanitized := make([]models.ToolResult, len(m.ToolResults))
			for i, tr := range m.ToolResults {
				sanitized[i] = models.ToolResult{
					ToolCallID: tr.ToolCallID,
					ToolName:   tr.ToolName,
					Content:    tr.Content,
					IsError:    tr.IsError,
				}
			}
			cm.ToolResults = sanitized
		}
		out = append(out, cm)
	}
	return out
}

// narrate injects the narration prompt as a temporary user turn,
// streams just the response, then removes the injected message by the
// index it was inserted at (§4.E step 6, §9 "Narration prompt
// injection") — not by value, since a later mutation of history could
// make a value-based removal delete the wrong occurrence.
func (l *Loop) narrate(ctx context.Context, history *[]models.Message, out chan<- models.AgentEvent) {
	injectedAt := len(*history)
	*history = append(*history, models.Message{Role: models.RoleUser, Content: narrationPrompt, CreatedAt: now(), Ephemeral: true})

	req := &CompletionRequest{Model: l.Model, Messages: toCompletionMessages(*history)}
	chunks, err := l.Provider.Complete(ctx, req)
	if err != nil {
		*history = removeAt(*history, injectedAt)
		return
	}
	for chunk := range chunks {
		if chunk.Error != nil {
			break
		}
		if chunk.Text != "" {
			emit(out, ctx, models.EventToken, models.TokenPayload{Content: chunk.Text})
		}
		if chunk.Done {
			break
		}
	}
	*history = removeAt(*history, injectedAt)
}

func removeAt(history []models.Message, index int) []models.Message {
	if index < 0 || index >= len(history) {
		return history
	}
	return append(history[:index:index], history[index+1:]...)
}

// recoverContext applies the §4.E.1 context-recovery ladder on a single
// context-length-exceeded occurrence: try truncating oversized tool
// outputs first, and only fall through to full-history compaction if
// truncation found nothing to shrink. Returns true if the turn should
// retry the same iteration.
func (l *Loop) recoverContext(ctx context.Context, history *[]models.Message, out chan<- models.AgentEvent) bool {
	if l.truncateOversizedToolOutputs(ctx, history, out) {
		return true
	}
	return l.compactHistory(ctx, history, out)
}

// truncateOversizedToolOutputs implements strategy 1: any tool-role
// message whose content exceeds ToolOutputMaxChars is replaced with a
// prefix plus a retry hint citing the original length and the tool
// name, so the LLM knows why its own output shrank and can retry with
// narrower parameters. recoverContext always tries this first and only
// falls through to compactHistory when nothing was shrunk, so a single
// recovery pass never truncates the same output twice.
func (l *Loop) truncateOversizedToolOutputs(ctx context.Context, history *[]models.Message, out chan<- models.AgentEvent) bool {
	truncatedAny := false
	toolNameByCallID := make(map[string]string)
	for _, m := range *history {
		for _, tc := range m.ToolCalls {
			toolNameByCallID[tc.ID] = tc.Name
		}
	}

	for i, m := range *history {
		if m.Role != models.RoleTool {
			continue
		}
		for j, tr := range m.ToolResults {
			if len(tr.Content) <= l.Config.ToolOutputMaxChars {
				continue
			}
			toolName := toolNameByCallID[tr.ToolCallID]
			if toolName == "" {
				toolName = "unknown tool"
			}
			hint := fmt.Sprintf(
				"\n\n... [TRUNCATED — original output was %d chars from '%s'. "+
					"The output exceeded the context window. "+
					"You MUST retry this tool call with more constrained parameters "+
					"(e.g. fewer results, a narrower query, or a smaller limit) "+
					"to get output that fits within the context window.]",
				len(tr.Content), toolName,
			)
			(*history)[i].ToolResults[j].Content = tr.Content[:l.Config.ToolOutputMaxChars] + hint
			truncatedAny = true
		}
	}

	if truncatedAny {
		emit(out, ctx, models.EventToken, models.TokenPayload{
			Content: "Context limit reached — tool output was too large and has been truncated.",
		})
	}
	return truncatedAny
}

// compactHistory implements strategy 2: build a structured summary of
// the turn so far (assistant text, tool-call names with argument
// previews, tool-result status) and ask the LLM once to compress it,
// preserving decisions, touched file paths, plan progress, current
// state, and errors. On success the entire history becomes a single
// system message carrying that summary.
func (l *Loop) compactHistory(ctx context.Context, history *[]models.Message, out chan<- models.AgentEvent) bool {
	originalCount := len(*history)
	if originalCount < 4 {
		return false
	}

	prompt := compactionPromptPrefix + buildCompactionSummary(*history)

	req := &CompletionRequest{
		Model:     l.Model,
		Messages:  []CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: 1000,
	}
	chunks, err := l.Provider.Complete(ctx, req)
	if err != nil {
		return false
	}

	var compacted strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return false
		}
		if chunk.Text != "" {
			compacted.WriteString(chunk.Text)
		}
	}
	if compacted.Len() == 0 {
		return false
	}

	*history = []models.Message{{
		Role:      models.RoleSystem,
		Content:   fmt.Sprintf("Previous conversation summary (auto-compacted from %d messages):\n\n%s", originalCount, compacted.String()),
		CreatedAt: now(),
	}}
	emit(out, ctx, models.EventToken, models.TokenPayload{
		Content: "Context limit reached — compacting conversation and retrying...",
	})
	return true
}

func buildCompactionSummary(history []models.Message) string {
	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			text := m.Content
			if len(text) > 400 {
				text = text[:400] + "…"
			}
			if text != "" {
				fmt.Fprintf(&b, "ASSISTANT: %s\n", text)
			}
			for _, tc := range m.ToolCalls {
				preview := string(tc.Arguments)
				if len(preview) > 120 {
					preview = preview[:120] + "…"
				}
				fmt.Fprintf(&b, "TOOL_CALL: %s(%s)\n", tc.Name, preview)
			}
		case models.RoleTool:
			for _, tr := range m.ToolResults {
				status := "SUCCESS"
				if tr.IsError {
					status = "ERROR"
				}
				snippet := tr.Content
				if len(snippet) > 200 {
					snippet = snippet[:200] + "…"
				}
				fmt.Fprintf(&b, "TOOL_RESULT[%s] %s: %s\n", status, tr.ToolName, snippet)
			}
		case models.RoleUser:
			fmt.Fprintf(&b, "USER: %s\n", m.Content)
		}
	}
	return b.String()
}

func now() time.Time { return time.Now() }
