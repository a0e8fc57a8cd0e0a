// Package safety implements Anteroom's layered tool safety gate: tiered
// approval requirements, destructive-pattern detection, and a hard-block
// list that cannot be overridden by configuration.
package safety

import "strings"

// ToolTier orders built-in tools by the severity of what they can do.
// Comparisons are ordinal: a higher tier is more dangerous than a lower one.
type ToolTier int

const (
	TierRead ToolTier = iota
	TierWrite
	TierExecute
	TierDestructive
)

func (t ToolTier) String() string {
	switch t {
	case TierRead:
		return "read"
	case TierWrite:
		return "write"
	case TierExecute:
		return "execute"
	case TierDestructive:
		return "destructive"
	default:
		return "unknown"
	}
}

// ApprovalMode controls which tiers require interactive approval before
// dispatch. The integer values double as thresholds: a tool whose tier is
// >= the mode's threshold requires approval, except AUTO which disables
// the gate entirely (the 99 sentinel is unreachable by any real tier).
type ApprovalMode int

const (
	// ApprovalAsk requires approval for every tool call, including reads.
	ApprovalAsk ApprovalMode = 1
	// ApprovalAskForWrites requires approval starting at TierWrite. This is
	// the default mode.
	ApprovalAskForWrites ApprovalMode = 1
	// ApprovalAskForDangerous requires approval only for TierExecute and
	// TierDestructive tools.
	ApprovalAskForDangerous ApprovalMode = 3
	// ApprovalAuto disables the approval gate (destructive-pattern and
	// hard-block checks still apply unless explicitly bypassed).
	ApprovalAuto ApprovalMode = 99
)

var approvalModeNames = map[string]ApprovalMode{
	"ask":               ApprovalAsk,
	"ask_for_writes":    ApprovalAskForWrites,
	"ask_for_dangerous": ApprovalAskForDangerous,
	"auto":              ApprovalAuto,
}

// ParseApprovalMode parses a configured mode name, defaulting to
// ApprovalAskForWrites on anything unrecognized.
func ParseApprovalMode(name string) ApprovalMode {
	if mode, ok := approvalModeNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return mode
	}
	return ApprovalAskForWrites
}

// DefaultToolTiers is the built-in name-to-tier table. Tools not listed
// here (including all MCP tools) fall back to DefaultMCPTier.
var DefaultToolTiers = map[string]ToolTier{
	"read_file":     TierRead,
	"glob_files":    TierRead,
	"grep":          TierRead,
	"write_file":    TierWrite,
	"edit_file":     TierWrite,
	"apply_patch":   TierWrite,
	"create_canvas": TierWrite,
	"update_canvas": TierWrite,
	"patch_canvas":  TierWrite,
	"bash":          TierExecute,
	"run_agent":     TierExecute,
}

// DefaultMCPTier is the tier assigned to any tool not present in the tier
// table, most notably MCP-provided tools whose risk profile is unknown.
const DefaultMCPTier = TierExecute

// GetToolTier resolves a tool's tier, honoring per-deployment overrides.
func GetToolTier(toolName string, overrides map[string]ToolTier) ToolTier {
	if overrides != nil {
		if tier, ok := overrides[toolName]; ok {
			return tier
		}
	}
	if tier, ok := DefaultToolTiers[toolName]; ok {
		return tier
	}
	return DefaultMCPTier
}

// ShouldRequireApproval decides whether a tool call needs interactive
// approval. It returns:
//   - (true, ok=true) — approval required
//   - (false, ok=true) — auto-allowed
//   - (false, ok=false) — hard-denied; the caller must not prompt
//
// Precedence: denied_tools always blocks. allowed_tools and
// session_allowed both auto-allow regardless of tier. Otherwise the
// decision falls back to the tier/mode threshold comparison.
func ShouldRequireApproval(
	toolName string,
	tier ToolTier,
	mode ApprovalMode,
	allowedTools map[string]struct{},
	deniedTools map[string]struct{},
	sessionAllowed map[string]struct{},
) (requiresApproval bool, ok bool) {
	if _, denied := deniedTools[toolName]; denied {
		return false, false
	}
	if _, allowed := allowedTools[toolName]; allowed {
		return false, true
	}
	if _, allowed := sessionAllowed[toolName]; allowed {
		return false, true
	}
	if mode == ApprovalAuto {
		return false, true
	}
	return int(tier) >= int(mode), true
}
