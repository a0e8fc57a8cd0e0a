package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus/internal/safety"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ToolResult and ToolCall alias the wire types so tool handlers and the
// rest of this package can write agent.ToolResult / agent.ToolCall
// without importing pkg/models directly.
type ToolResult = models.ToolResult
type ToolCall = models.ToolCall

// bypassKey is the internal args key the registry injects when a user
// has approved a hard-blocked command. Tool handlers that call
// safety.SanitizeCommand / safety.ValidatePath read it to skip the
// last-line-of-defense check for that one invocation only. Any key
// starting with "_" is stripped before a result is serialized back to
// the LLM (§6.2); this key lives on the request side and is never
// echoed into a result, so no stripping is needed there.
const bypassKey = "_hardblock_bypass"

// ConfirmResponse is what a ConfirmCallback returns for one approval
// prompt.
type ConfirmResponse struct {
	// Approved is false unless the user explicitly allowed the call.
	Approved bool
	// GrantSession requests that the tool be auto-allowed for the rest
	// of the session (§4.A "session-granted permissions").
	GrantSession bool
}

// ConfirmCallback is consulted whenever the Safety Gate says a tool call
// needs approval. A nil callback means no approval channel exists (e.g.
// non-interactive exec mode); hard-blocked calls are then silently
// denied and everything else that needs approval is denied outright.
type ConfirmCallback func(ctx context.Context, verdict safety.Verdict, call models.ToolCall) ConfirmResponse

// Decision tags a ToolResult with how the registry resolved the safety
// check, for audit logging. It is never sent to the LLM.
type Decision string

const (
	DecisionAuto        Decision = "auto"
	DecisionAllowedOnce Decision = "allowed_once"
	DecisionDenied      Decision = "denied"
	DecisionHardDenied  Decision = "hard_denied"
)

type registeredTool struct {
	tool Tool
	tier safety.ToolTier
}

// ToolRegistry maps tool name to handler, enforces the Safety Gate on
// every dispatch, and produces the schema list the Chat Stream Client
// sends upstream (§4.A).
type ToolRegistry struct {
	mu             sync.RWMutex
	tools          map[string]registeredTool
	safetyConfig   safety.Config
	workingDir     string
	sessionAllowed map[string]struct{}

	// onDecision, if set, is called after every CallTool with the final
	// decision tag for audit logging. It must not block.
	onDecision func(toolName string, decision Decision)
}

// NewToolRegistry builds an empty registry with the safety gate
// disabled (auto-allow everything). Call SetSafetyConfig before serving
// real traffic.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:          make(map[string]registeredTool),
		sessionAllowed: make(map[string]struct{}),
	}
}

// SetSafetyConfig installs the active safety configuration.
func (r *ToolRegistry) SetSafetyConfig(cfg safety.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.safetyConfig = cfg
}

// SetWorkingDir sets the directory sensitive-path checks resolve
// relative paths against.
func (r *ToolRegistry) SetWorkingDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workingDir = dir
}

// OnDecision installs an audit callback invoked after every CallTool.
func (r *ToolRegistry) OnDecision(fn func(toolName string, decision Decision)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDecision = fn
}

// Register adds a tool at its default tier (from safety.DefaultToolTiers
// or DefaultMCPTier if unlisted). Re-registering a name overwrites it.
func (r *ToolRegistry) Register(tool Tool) {
	r.RegisterWithTier(tool, safety.GetToolTier(tool.Name(), nil))
}

// RegisterWithTier adds a tool with an explicit tier override, used for
// MCP-provided tools the deployment has classified manually.
func (r *ToolRegistry) RegisterWithTier(tool Tool, tier safety.ToolTier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = registeredTool{tool: tool, tier: tier}
}

// Tools returns every registered tool, for callers (the Sub-Agent
// Scheduler) that need the concrete []Tool slice a child Agent Loop
// requires rather than the wire-format schemas EnumerateSchemas produces.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool)
	}
	return out
}

// Lookup returns the named tool, or ok=false if it isn't registered.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// toolSchema is the OpenAI function-calling wire shape (§6.1).
type toolSchema struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// EnumerateSchemas returns every registered tool's schema in OpenAI
// function-calling format, for the Chat Stream Client to send upstream.
func (r *ToolRegistry) EnumerateSchemas() []json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]json.RawMessage, 0, len(r.tools))
	for _, rt := range r.tools {
		var s toolSchema
		s.Type = "function"
		s.Function.Name = rt.tool.Name()
		s.Function.Description = rt.tool.Description()
		s.Function.Parameters = rt.tool.Schema()
		if raw, err := json.Marshal(s); err == nil {
			out = append(out, raw)
		}
	}
	return out
}

// GrantSession marks name as auto-allowed for the remainder of the
// registry's lifetime (cleared by ClearSessionGrants at session end).
func (r *ToolRegistry) GrantSession(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionAllowed[name] = struct{}{}
}

// ClearSessionGrants empties the session-allowed set.
func (r *ToolRegistry) ClearSessionGrants() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionAllowed = make(map[string]struct{})
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// evaluate runs the layered Safety Gate decision (§4.B, steps 1-7)
// against one proposed call.
func (r *ToolRegistry) evaluate(name string, tier safety.ToolTier, args json.RawMessage) safety.Verdict {
	r.mu.RLock()
	cfg := r.safetyConfig
	workingDir := r.workingDir
	sessionAllowed := make(map[string]struct{}, len(r.sessionAllowed))
	for k := range r.sessionAllowed {
		sessionAllowed[k] = struct{}{}
	}
	r.mu.RUnlock()

	// Step 1: global disable.
	if !cfg.Enabled {
		return safety.Verdict{}
	}
	// Step 2: per-tool disable.
	if name == "bash" && !cfg.BashEnabled {
		return safety.Verdict{HardDenied: true, ToolName: name, Reason: "bash tool is disabled by configuration"}
	}
	if (name == "write_file" || name == "edit_file") && !cfg.WriteFileEnabled {
		return safety.Verdict{HardDenied: true, ToolName: name, Reason: "write_file tool is disabled by configuration"}
	}

	deniedTools := toSet(cfg.DeniedTools)
	allowedTools := toSet(cfg.AllowedTools)
	mode := safety.ParseApprovalMode(cfg.ApprovalMode)

	needsApproval, ok := safety.ShouldRequireApproval(name, tier, mode, allowedTools, deniedTools, sessionAllowed)
	if !ok {
		// Step 3: denied list.
		return safety.Verdict{HardDenied: true, ToolName: name, Reason: "tool is in denied_tools"}
	}
	if !needsApproval {
		// Steps 4-5: allow/session-allow list, or auto mode.
		return safety.Verdict{}
	}

	// Step 6: tier crossed the approval threshold; layer in the
	// destructive-pattern / sensitive-path soft checks for bash and
	// write-path tools before settling on a reason.
	verdict := safety.Verdict{NeedsApproval: true, ToolName: name, Reason: fmt.Sprintf("%s tier requires approval under %s mode", tier, cfg.ApprovalMode)}

	switch name {
	case "bash":
		var parsed struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(args, &parsed)
		if v := safety.CheckBashCommand(parsed.Command, cfg.CustomPatterns); v.NeedsApproval {
			verdict.Reason = v.Reason
			verdict.Details = v.Details
		}
		if desc := safety.CheckHardBlock(parsed.Command); desc != "" {
			verdict.IsHardBlocked = true
			verdict.HardBlockDescription = desc
		}
	case "write_file", "edit_file":
		var parsed struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal(args, &parsed)
		if v := safety.CheckWritePath(parsed.Path, workingDir, cfg.SensitivePaths); v.NeedsApproval {
			verdict.Reason = v.Reason
			verdict.Details = v.Details
		}
	}

	return verdict
}

// CallTool is the Tool Registry's single dispatch path (§4.A "Invoke
// semantics"): every tool call, including those issued by a sub-agent,
// goes through this method so the Safety Gate is never bypassed.
func (r *ToolRegistry) CallTool(ctx context.Context, name string, args json.RawMessage, confirm ConfirmCallback) (*models.ToolResult, error) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	decision := DecisionAuto
	defer func() {
		r.mu.RLock()
		onDecision := r.onDecision
		r.mu.RUnlock()
		if onDecision != nil {
			onDecision(name, decision)
		}
	}()

	// A malformed call never reaches the Safety Gate or the handler: the
	// LLM gets the validation error back as a tool result, the same
	// feedback loop §6.2 uses for any other tool failure.
	if err := validateToolArgs(name, rt.tool.Schema(), args); err != nil {
		decision = DecisionDenied
		return &models.ToolResult{
			ToolName: name,
			Content:  fmt.Sprintf("invalid arguments: %v", err),
			IsError:  true,
		}, nil
	}

	verdict := r.evaluate(name, rt.tier, args)

	if verdict.HardDenied {
		decision = DecisionHardDenied
		return &models.ToolResult{
			ToolName:         name,
			Content:          fmt.Sprintf("blocked: %s", verdict.Reason),
			IsError:          true,
			SafetyBlocked:    true,
			ApprovalDecision: string(decision),
		}, nil
	}

	bypass := false
	if verdict.NeedsApproval {
		if confirm == nil {
			if verdict.IsHardBlocked {
				// Safety net: silently deny, no approval channel to ask.
				decision = DecisionDenied
				return &models.ToolResult{
					ToolName:         name,
					Content:          "blocked: no approval channel available for a hard-blocked command",
					IsError:          true,
					SafetyBlocked:    true,
					ApprovalDecision: string(decision),
				}, nil
			}
			decision = DecisionDenied
			return &models.ToolResult{
				ToolName:         name,
				Content:          fmt.Sprintf("denied: %s (no approval channel available)", verdict.Reason),
				IsError:          true,
				SafetyBlocked:    true,
				ApprovalDecision: string(decision),
			}, nil
		}

		resp := confirm(ctx, verdict, models.ToolCall{Name: name, Arguments: args})
		if !resp.Approved {
			decision = DecisionDenied
			return &models.ToolResult{
				ToolName:         name,
				Content:          fmt.Sprintf("denied: %s", verdict.Reason),
				IsError:          true,
				SafetyBlocked:    true,
				ApprovalDecision: string(decision),
			}, nil
		}
		if resp.GrantSession {
			r.GrantSession(name)
		}
		decision = DecisionAllowedOnce
		bypass = verdict.IsHardBlocked
	}

	execArgs := args
	if bypass {
		execArgs = injectBypass(args)
	}

	result, err := rt.tool.Execute(ctx, execArgs)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &models.ToolResult{}
	}
	result.ToolName = name
	result.ApprovalDecision = string(decision)
	return result, nil
}

// toolSchemaCache compiles each tool's JSON Schema once, keyed by tool
// name, since Schema() returns the same bytes on every call.
var toolSchemaCache sync.Map

func compileToolSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := toolSchemaCache.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(name, compiled)
	return compiled, nil
}

// validateToolArgs checks a proposed call's arguments against the tool's
// declared parameter schema before it ever reaches the Safety Gate or
// the handler's own Execute.
func validateToolArgs(name string, schema json.RawMessage, args json.RawMessage) error {
	compiled, err := compileToolSchema(name, schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	return compiled.Validate(decoded)
}

// injectBypass merges the internal hard-block bypass flag into a tool
// call's arguments object. Malformed args are passed through unchanged;
// the handler will fail its own validation instead.
func injectBypass(args json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil || m == nil {
		m = make(map[string]any)
	}
	m[bypassKey] = true
	out, err := json.Marshal(m)
	if err != nil {
		return args
	}
	return out
}

// HasBypass reports whether args carries the registry's hard-block
// bypass flag. Tool handlers call this before running
// safety.SanitizeCommand / safety.ValidatePath.
func HasBypass(args json.RawMessage) bool {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return false
	}
	v, ok := m[bypassKey]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
