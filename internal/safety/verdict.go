package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Verdict is the outcome of a safety check against a single tool call.
// A zero-value Verdict (NeedsApproval=false) means the call auto-allowed.
type Verdict struct {
	NeedsApproval bool
	Reason        string
	ToolName      string
	Details       map[string]string

	// HardDenied means the tool is blocked by static configuration
	// (disabled tool, or in the denied list) and must never be shown an
	// approval prompt — it is refused outright.
	HardDenied bool

	// IsHardBlocked and HardBlockDescription are set when the command
	// additionally matches the destructive hard-block list (see
	// hardblock.go). A hard-blocked verdict can still be approved by an
	// attentive user; it is not the same as HardDenied.
	IsHardBlocked       bool
	HardBlockDescription string
}

// destructivePattern pairs a compiled regex with a human reason shown in
// the approval prompt.
type destructivePattern struct {
	pattern *regexp.Regexp
	reason  string
}

// defaultDestructivePatterns flags bash invocations that deserve a closer
// look even when the tier/mode combination would otherwise auto-allow
// `bash`. These are soft signals: matching one of these routes the call
// through approval, it does not block it outright (see hardblock.go for
// the non-bypassable list).
var defaultDestructivePatterns = []destructivePattern{
	{regexp.MustCompile(`\brm\b`), "file removal"},
	{regexp.MustCompile(`\brmdir\b`), "directory removal"},
	{regexp.MustCompile(`\bgit\s+push\b.*(--force\b|-f\b)`), "force push"},
	{regexp.MustCompile(`\bgit\s+reset\s+--hard\b`), "hard reset"},
	{regexp.MustCompile(`\bgit\s+clean\b`), "clean untracked files"},
	{regexp.MustCompile(`\bgit\s+checkout\s+\.(\s|$)`), "discard working tree changes"},
	{regexp.MustCompile(`(?i)\bdrop\s+table\b`), "drop table"},
	{regexp.MustCompile(`(?i)\bdrop\s+database\b`), "drop database"},
	{regexp.MustCompile(`(?i)\btruncate\b`), "truncate"},
	{regexp.MustCompile(`>\s*/dev/`), "raw device write"},
	{regexp.MustCompile(`\bchmod\s+(-R\s+)?0?777\b`), "permission change"},
	{regexp.MustCompile(`\bkill\s+-9\b`), "forceful process kill"},
}

// defaultSensitivePaths are path fragments whose presence in a write
// target routes the write through approval even when write_file auto-allows.
var defaultSensitivePaths = []string{
	".env",
	".ssh",
	".gnupg",
	".aws/credentials",
	".config/gcloud",
}

// CheckBashCommand evaluates a bash command against the destructive
// pattern table. customPatterns, if non-nil, extends the default table.
func CheckBashCommand(command string, customPatterns []string) Verdict {
	patterns := defaultDestructivePatterns
	for _, raw := range customPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			continue
		}
		patterns = append(patterns, destructivePattern{pattern: re, reason: "custom pattern"})
	}

	for _, p := range patterns {
		if p.pattern.MatchString(command) {
			return Verdict{
				NeedsApproval: true,
				Reason:        fmt.Sprintf("command matches a destructive pattern (%s): %s", p.reason, command),
				ToolName:      "bash",
				Details:       map[string]string{"command": command},
			}
		}
	}
	return Verdict{}
}

// CheckWritePath evaluates a write target against the sensitive-path
// list. It matches both the resolved-absolute form of path and a
// component-wise comparison, so a relative path under the working
// directory is caught even when it doesn't textually contain the
// sensitive fragment.
func CheckWritePath(path, workingDir string, sensitivePaths []string) Verdict {
	if path == "" {
		return Verdict{}
	}
	candidates := sensitivePaths
	if candidates == nil {
		candidates = defaultSensitivePaths
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workingDir, abs)
	}
	resolved := abs
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = real
	}

	home, _ := os.UserHomeDir()
	components := strings.Split(filepath.ToSlash(path), "/")

	for _, sensitive := range candidates {
		sensitiveAbs := sensitive
		if !filepath.IsAbs(sensitiveAbs) && home != "" {
			sensitiveAbs = filepath.Join(home, sensitive)
		}
		if strings.Contains(resolved, sensitiveAbs) || strings.Contains(abs, sensitiveAbs) {
			return sensitiveVerdict(path, sensitive)
		}
		for _, part := range components {
			if part == sensitive || strings.HasPrefix(sensitive, part+"/") {
				return sensitiveVerdict(path, sensitive)
			}
		}
	}
	return Verdict{}
}

func sensitiveVerdict(path, sensitive string) Verdict {
	return Verdict{
		NeedsApproval: true,
		Reason:        fmt.Sprintf("write target touches a sensitive path (%s): %s", sensitive, path),
		ToolName:      "write_file",
		Details:       map[string]string{"path": path},
	}
}
