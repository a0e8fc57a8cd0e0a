package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// GlobTool lists workspace files matching a glob pattern (§4.A built-in
// "glob_files"), tier READ.
type GlobTool struct {
	resolver Resolver
}

// NewGlobTool creates a glob tool scoped to the workspace.
func NewGlobTool(cfg Config) *GlobTool {
	return &GlobTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *GlobTool) Name() string        { return "glob_files" }
func (t *GlobTool) Description() string { return "List workspace files matching a glob pattern." }

func (t *GlobTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob pattern, e.g. \"**/*.go\" or \"src/*.ts\".",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of matches to return (default 200).",
				"minimum":     1,
			},
		},
		"required": []string{"pattern"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *GlobTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Pattern    string `json:"pattern"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Pattern) == "" {
		return toolError("pattern is required"), nil
	}
	limit := input.MaxResults
	if limit <= 0 {
		limit = 200
	}

	root := strings.TrimSpace(t.resolver.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return toolError(fmt.Sprintf("resolve workspace root: %v", err)), nil
	}

	var matches []string
	err = filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(rootAbs, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && rel != "." {
				return filepath.SkipDir
			}
			return nil
		}
		ok, err := matchGlob(input.Pattern, rel)
		if err == nil && ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil && err != ctx.Err() {
		return toolError(fmt.Sprintf("walk workspace: %v", err)), nil
	}

	sort.Strings(matches)
	truncated := false
	if len(matches) > limit {
		matches = matches[:limit]
		truncated = true
	}

	payload, _ := json.MarshalIndent(map[string]interface{}{
		"matches":   matches,
		"truncated": truncated,
	}, "", "  ")
	return &agent.ToolResult{Content: string(payload)}, nil
}

// matchGlob supports "**" as a recursive-any-directory segment in
// addition to filepath.Match's single-segment "*"/"?".
func matchGlob(pattern, name string) (bool, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Match(pattern, name)
	}
	re := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*\*`, ".*")
	re = strings.ReplaceAll(re, `\*`, "[^/]*") + "$"
	matched, err := regexp.MatchString(re, name)
	return matched, err
}

// GrepTool searches workspace file contents for a regex pattern (§4.A
// built-in "grep"), tier READ.
type GrepTool struct {
	resolver Resolver
}

// NewGrepTool creates a grep tool scoped to the workspace.
func NewGrepTool(cfg Config) *GrepTool {
	return &GrepTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *GrepTool) Name() string        { return "grep" }
func (t *GrepTool) Description() string { return "Search workspace file contents for a regex pattern." }

func (t *GrepTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Regular expression to search for.",
			},
			"glob": map[string]interface{}{
				"type":        "string",
				"description": "Optional glob to restrict which files are searched.",
			},
			"max_matches": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of matching lines to return (default 200).",
				"minimum":     1,
			},
		},
		"required": []string{"pattern"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// grepMatch is one matching line in the result set.
type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Pattern    string `json:"pattern"`
		Glob       string `json:"glob"`
		MaxMatches int    `json:"max_matches"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Pattern) == "" {
		return toolError("pattern is required"), nil
	}
	re, err := regexp.Compile(input.Pattern)
	if err != nil {
		return toolError(fmt.Sprintf("invalid pattern: %v", err)), nil
	}
	limit := input.MaxMatches
	if limit <= 0 {
		limit = 200
	}

	root := strings.TrimSpace(t.resolver.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return toolError(fmt.Sprintf("resolve workspace root: %v", err)), nil
	}

	var matches []grepMatch
	truncated := false
	walkErr := filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || truncated {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(rootAbs, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && rel != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if input.Glob != "" {
			if ok, err := matchGlob(input.Glob, rel); err != nil || !ok {
				return nil
			}
		}
		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				matches = append(matches, grepMatch{Path: rel, Line: lineNo, Text: scanner.Text()})
				if len(matches) >= limit {
					truncated = true
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != ctx.Err() {
		return toolError(fmt.Sprintf("walk workspace: %v", walkErr)), nil
	}

	payload, _ := json.MarshalIndent(map[string]interface{}{
		"matches":   matches,
		"truncated": truncated,
	}, "", "  ")
	return &agent.ToolResult{Content: string(payload)}, nil
}
