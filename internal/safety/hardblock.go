package safety

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

// hardBlockPattern pairs a compiled regex with the description shown when
// it fires. These are the last line of defense: they are checked after
// approval and cannot be bypassed by allowed_tools, session permissions,
// or approval mode — only an explicit, user-approved bypass flag threaded
// from the registry (see agent.ToolRegistry.CallTool) can let a matching
// command through.
var hardBlockPatterns = []destructivePattern{
	{regexp.MustCompile(`(?i)\brm\s+(-[a-zA-Z]*f[a-zA-Z]*\s+)?-[a-zA-Z]*r|\brm\s+(-[a-zA-Z]*r[a-zA-Z]*\s+)?-[a-zA-Z]*f`), "recursive forced deletion (rm -rf)"},
	{regexp.MustCompile(`(?i)\bmkfs\b`), "disk formatting (mkfs)"},
	{regexp.MustCompile(`(?i)\bdd\b.*\bif=/dev/(zero|urandom|random)\b`), "disk overwrite (dd)"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`\bwhile\s+true\s*;\s*do.*&\s*done`), "fork bomb"},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?777\s+/\s*$`), "recursive chmod 777 /"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(ba)?sh\b`), "pipe from network to shell"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*sudo\s+(ba)?sh\b`), "pipe from network to privileged shell"},
	{regexp.MustCompile(`\bbase64\s+(-d|--decode)\b[^|]*\|\s*(ba)?sh\b`), "base64 decode piped to shell"},
	{regexp.MustCompile(`\bbase64\s+(-d|--decode)\b[^|]*\|\s*sudo\s+(ba)?sh\b`), "base64 decode piped to privileged shell"},
	{regexp.MustCompile(`\b(python3?|perl|ruby)\b.*\b(os\.system|popen|exec)\s*\(`), "scripted shell escape"},
	{regexp.MustCompile(`\bsudo\s+rm\b`), "sudo rm"},
}

// blockedPaths are absolute paths that may never be read, written, or
// otherwise targeted by a tool, regardless of configuration.
var blockedPaths = map[string]struct{}{
	"/etc/shadow":  {},
	"/etc/passwd":  {},
	"/etc/sudoers": {},
}

// blockedPrefixes are absolute path prefixes treated the same way.
var blockedPrefixes = []string{"/proc/", "/sys/", "/dev/"}

// CheckHardBlock returns a non-empty description if command matches one
// of the hard-block patterns, or "" if it doesn't.
func CheckHardBlock(command string) string {
	normalized := strings.Join(strings.Fields(command), " ")
	for _, p := range hardBlockPatterns {
		if p.pattern.MatchString(normalized) {
			return p.reason
		}
	}
	return ""
}

// SanitizeCommand is the last line of defense for the bash tool: it
// refuses to run hard-blocked commands even if the caller has already
// been approved to run bash. It returns the (possibly unchanged) command
// and a non-nil error description on block.
func SanitizeCommand(command string) (string, string) {
	if strings.ContainsRune(command, 0) {
		return "", "command contains a NUL byte"
	}
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return command, ""
	}
	if desc := CheckHardBlock(trimmed); desc != "" {
		logged := trimmed
		if len(logged) > 100 {
			logged = logged[:100]
		}
		slog.Warn("hard-blocked bash command", "description", desc, "command", logged)
		return "", fmt.Sprintf("Blocked: %s", desc)
	}
	return command, ""
}

// ValidatePath rejects absolute paths that resolve to a blocked file or
// directory prefix, following symlinks so a link planted inside the
// workspace can't be used to reach a blocked target. It returns the
// resolved path and a non-empty reason on block.
func ValidatePath(path, workingDir string) (string, string) {
	if strings.ContainsRune(path, 0) {
		return "", "path contains a NUL byte"
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workingDir, abs)
	}
	resolved := abs
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = real
	}
	resolved = filepath.Clean(resolved)

	if _, blocked := blockedPaths[resolved]; blocked {
		slog.Warn("blocked path access", "path", resolved)
		return resolved, fmt.Sprintf("access to %s is blocked", resolved)
	}
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(resolved+"/", prefix) || strings.HasPrefix(resolved, prefix) {
			slog.Warn("blocked path prefix access", "path", resolved, "prefix", prefix)
			return resolved, fmt.Sprintf("access under %s is blocked", prefix)
		}
	}
	return resolved, ""
}
