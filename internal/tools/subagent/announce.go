package subagent

import (
	"fmt"
	"strings"
	"time"
)

// FormatDurationShort formats a sub-agent's elapsed run time in
// human-readable form for debug logging.
func FormatDurationShort(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}

	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// SystemPromptParams parameterizes the defensive system prompt appended
// to every sub-agent's isolated message history (spec §4.F step 4).
type SystemPromptParams struct {
	AgentID string
	Depth   int
}

// BuildSystemPrompt builds the sub-agent's defensive system prompt: a
// reminder that it is not the main agent, has no access to the parent's
// history, and remains bound by the same safety policies.
func BuildSystemPrompt(params SystemPromptParams) string {
	var lines []string
	lines = append(lines, "# Sub-Agent Context")
	lines = append(lines, "")
	lines = append(lines, "You are a sub-agent executing a specific task. Follow these rules strictly:")
	lines = append(lines, "- Complete the task described in the user message. Do not deviate.")
	lines = append(lines, "- You have access to file and shell tools. Use them to accomplish your task.")
	lines = append(lines, "- All safety policies still apply. Do not attempt to circumvent security controls.")
	lines = append(lines, "- Do not execute destructive operations (rm -rf, DROP TABLE, etc.) unless explicitly instructed.")
	lines = append(lines, "- Keep your response concise and focused on results.")
	lines = append(lines, "- You cannot see the parent conversation; work only from the task below.")
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("Your agent id: %s (depth %d).", params.AgentID, params.Depth))

	return strings.Join(lines, "\n")
}
