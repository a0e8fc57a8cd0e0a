// Package canvas implements the three canvas built-in tools (§4.A):
// create_canvas, update_canvas, and patch_canvas. A canvas is a rich
// content artifact (code or a document) that renders alongside the
// chat transcript instead of as an inline message.
//
// Semantics are grounded on the original implementation's
// tools/canvas.py: one canvas per conversation for create_canvas,
// full-content replace for update_canvas, and sequential
// unique-match search/replace for patch_canvas. Persistence is out of
// scope (§1 Non-goals), so canvases live in an in-memory Store keyed
// by conversation id for the lifetime of the process.
package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/nexus/internal/agent"
)

// MaxCanvasContent caps a canvas's content size, checked both on
// create/update and after every patch edit.
const MaxCanvasContent = 100_000

// MaxPatchEdits caps how many search/replace edits one patch_canvas
// call may apply.
const MaxPatchEdits = 50

// Canvas is one conversation's rich content artifact.
type Canvas struct {
	ID       string
	Title    string
	Content  string
	Language string
	Version  int
}

// Store holds at most one canvas per conversation. Safe for concurrent
// use; one Store is shared by all three tools for a runtime.
type Store struct {
	mu       sync.Mutex
	canvases map[string]*Canvas
}

// NewStore returns an empty canvas store.
func NewStore() *Store {
	return &Store{canvases: make(map[string]*Canvas)}
}

// Get returns the canvas for conversationID, or nil if none exists.
func (s *Store) Get(conversationID string) *Canvas {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.canvases[conversationID]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// create stores a new canvas for conversationID, failing if one
// already exists ("A canvas already exists for this conversation").
func (s *Store) create(conversationID string, c Canvas) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.canvases[conversationID]; exists {
		return fmt.Errorf("a canvas already exists for this conversation; use update_canvas or patch_canvas instead")
	}
	c.Version = 1
	s.canvases[conversationID] = &c
	return nil
}

// update replaces the full content of an existing canvas.
func (s *Store) update(conversationID, content string, title *string) (*Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.canvases[conversationID]
	if !ok {
		return nil, fmt.Errorf("no canvas exists for this conversation; use create_canvas first")
	}
	if len(content) > MaxCanvasContent {
		return nil, fmt.Errorf("content exceeds maximum canvas size of %d characters", MaxCanvasContent)
	}
	c.Content = content
	if title != nil {
		c.Title = *title
	}
	c.Version++
	cp := *c
	return &cp, nil
}

// patchEdit is one ordered search/replace operation.
type patchEdit struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// patchError carries the original's edit_index/failed_edit payload
// shape for an ambiguous or absent search string.
type patchError struct {
	message   string
	editIndex int
	failed    patchEdit
}

func (e *patchError) Error() string { return e.message }

// patch applies edits sequentially against the current content, each
// one requiring its search string to match exactly once in the
// content as it stands after the previous edit.
func (s *Store) patch(conversationID string, edits []patchEdit) (*Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.canvases[conversationID]
	if !ok {
		return nil, fmt.Errorf("no canvas exists for this conversation; use create_canvas first")
	}

	content := c.Content
	for i, edit := range edits {
		count := strings.Count(content, edit.Search)
		switch count {
		case 0:
			return nil, &patchError{
				message:   fmt.Sprintf("search text not found for edit %d", i),
				editIndex: i,
				failed:    edit,
			}
		case 1:
			content = strings.Replace(content, edit.Search, edit.Replace, 1)
		default:
			return nil, &patchError{
				message:   fmt.Sprintf("search text matches %d times for edit %d; must match exactly once", count, i),
				editIndex: i,
				failed:    edit,
			}
		}
		if len(content) > MaxCanvasContent {
			return nil, &patchError{
				message:   fmt.Sprintf("content exceeds maximum canvas size of %d characters after edit %d", MaxCanvasContent, i),
				editIndex: i,
				failed:    edit,
			}
		}
	}

	c.Content = content
	c.Version++
	cp := *c
	return &cp, nil
}

func toolError(message string) *agent.ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

func patchToolError(pe *patchError) *agent.ToolResult {
	payload, _ := json.Marshal(map[string]interface{}{
		"error":      pe.message,
		"edit_index": pe.editIndex,
		"failed_edit": map[string]string{
			"search":  pe.failed.Search,
			"replace": pe.failed.Replace,
		},
	})
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

func canvasSnapshot(c *Canvas) json.RawMessage {
	payload, _ := json.MarshalIndent(map[string]interface{}{
		"id":       c.ID,
		"title":    c.Title,
		"content":  c.Content,
		"language": c.Language,
		"version":  c.Version,
	}, "", "  ")
	return payload
}

// conversationID extracts the conversation-scoping key the Agent Loop
// injects into every canvas tool call's arguments, mirroring how the
// registry injects its hard-block bypass flag (the original's
// underscore-prefixed kwargs become an explicit context value here).
func conversationID(raw map[string]json.RawMessage) string {
	if v, ok := raw["_conversation_id"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s
		}
	}
	return "default"
}

// CreateTool implements create_canvas, tier WRITE.
type CreateTool struct {
	store *Store
}

// NewCreateTool builds the create_canvas tool over a shared Store.
func NewCreateTool(store *Store) *CreateTool { return &CreateTool{store: store} }

func (t *CreateTool) Name() string { return "create_canvas" }
func (t *CreateTool) Description() string {
	return "Create a new canvas artifact (code or document) for this conversation. Fails if one already exists; use update_canvas or patch_canvas instead."
}

func (t *CreateTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title":    map[string]interface{}{"type": "string", "description": "Short title for the canvas."},
			"content":  map[string]interface{}{"type": "string", "description": "Initial canvas content."},
			"language": map[string]interface{}{"type": "string", "description": "Optional syntax-highlighting language, e.g. \"python\" or \"markdown\"."},
		},
		"required": []string{"title", "content"},
	}
	payload, _ := json.Marshal(schema)
	return payload
}

func (t *CreateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	var input struct {
		Title    string `json:"title"`
		Content  string `json:"content"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Title) == "" {
		return toolError("title is required"), nil
	}
	if len(input.Content) > MaxCanvasContent {
		return toolError(fmt.Sprintf("content exceeds maximum canvas size of %d characters", MaxCanvasContent)), nil
	}

	convID := conversationID(raw)
	c := Canvas{ID: convID, Title: input.Title, Content: input.Content, Language: input.Language}
	if err := t.store.create(convID, c); err != nil {
		return toolError(err.Error()), nil
	}

	stored := t.store.Get(convID)
	return &agent.ToolResult{Content: string(canvasSnapshot(stored))}, nil
}

// UpdateTool implements update_canvas, tier WRITE.
type UpdateTool struct {
	store *Store
}

// NewUpdateTool builds the update_canvas tool over a shared Store.
func NewUpdateTool(store *Store) *UpdateTool { return &UpdateTool{store: store} }

func (t *UpdateTool) Name() string { return "update_canvas" }
func (t *UpdateTool) Description() string {
	return "Replace the full content of the conversation's existing canvas."
}

func (t *UpdateTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{"type": "string", "description": "New full canvas content, replacing what's there."},
			"title":   map[string]interface{}{"type": "string", "description": "Optional new title."},
		},
		"required": []string{"content"},
	}
	payload, _ := json.Marshal(schema)
	return payload
}

func (t *UpdateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	var input struct {
		Content string  `json:"content"`
		Title   *string `json:"title"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	convID := conversationID(raw)
	updated, err := t.store.update(convID, input.Content, input.Title)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return &agent.ToolResult{Content: string(canvasSnapshot(updated))}, nil
}

// PatchTool implements patch_canvas, tier WRITE.
type PatchTool struct {
	store *Store
}

// NewPatchTool builds the patch_canvas tool over a shared Store.
func NewPatchTool(store *Store) *PatchTool { return &PatchTool{store: store} }

func (t *PatchTool) Name() string { return "patch_canvas" }
func (t *PatchTool) Description() string {
	return "Apply a sequence of search/replace edits to the conversation's existing canvas. Each search string must match exactly once at the time its edit is applied."
}

func (t *PatchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"edits": map[string]interface{}{
				"type":        "array",
				"description": fmt.Sprintf("Ordered list of edits, up to %d.", MaxPatchEdits),
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"search":  map[string]interface{}{"type": "string"},
						"replace": map[string]interface{}{"type": "string"},
					},
					"required": []string{"search", "replace"},
				},
			},
		},
		"required": []string{"edits"},
	}
	payload, _ := json.Marshal(schema)
	return payload
}

func (t *PatchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	var input struct {
		Edits []patchEdit `json:"edits"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(input.Edits) == 0 {
		return toolError("edits is required and must be non-empty"), nil
	}
	if len(input.Edits) > MaxPatchEdits {
		return toolError(fmt.Sprintf("too many edits: %d exceeds the maximum of %d", len(input.Edits), MaxPatchEdits)), nil
	}

	convID := conversationID(raw)
	updated, err := t.store.patch(convID, input.Edits)
	if err != nil {
		if pe, ok := err.(*patchError); ok {
			return patchToolError(pe), nil
		}
		return toolError(err.Error()), nil
	}
	return &agent.ToolResult{Content: string(canvasSnapshot(updated))}, nil
}
