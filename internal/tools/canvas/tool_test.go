package canvas

import (
	"context"
	"encoding/json"
	"testing"
)

func TestCreateCanvas(t *testing.T) {
	store := NewStore()
	tool := NewCreateTool(store)

	params, _ := json.Marshal(map[string]interface{}{
		"title":   "notes",
		"content": "hello",
	})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	var snapshot struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal([]byte(result.Content), &snapshot); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if snapshot.Title != "notes" || snapshot.Content != "hello" || snapshot.Version != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestCreateCanvas_RejectsSecondCreate(t *testing.T) {
	store := NewStore()
	tool := NewCreateTool(store)
	params, _ := json.Marshal(map[string]interface{}{"title": "a", "content": "x"})

	if result, _ := tool.Execute(context.Background(), params); result.IsError {
		t.Fatalf("first create should succeed: %s", result.Content)
	}
	result, _ := tool.Execute(context.Background(), params)
	if !result.IsError {
		t.Fatal("expected second create_canvas to fail")
	}
}

func TestCreateCanvas_RejectsOversizedContent(t *testing.T) {
	store := NewStore()
	tool := NewCreateTool(store)
	huge := make([]byte, MaxCanvasContent+1)
	for i := range huge {
		huge[i] = 'x'
	}
	params, _ := json.Marshal(map[string]interface{}{"title": "a", "content": string(huge)})
	result, _ := tool.Execute(context.Background(), params)
	if !result.IsError {
		t.Fatal("expected oversized content to be rejected")
	}
}

func TestUpdateCanvas_RequiresExistingCanvas(t *testing.T) {
	store := NewStore()
	tool := NewUpdateTool(store)
	params, _ := json.Marshal(map[string]interface{}{"content": "new"})
	result, _ := tool.Execute(context.Background(), params)
	if !result.IsError {
		t.Fatal("expected update_canvas with no prior canvas to fail")
	}
}

func TestUpdateCanvas_ReplacesContent(t *testing.T) {
	store := NewStore()
	createParams, _ := json.Marshal(map[string]interface{}{"title": "a", "content": "v1"})
	if result, _ := NewCreateTool(store).Execute(context.Background(), createParams); result.IsError {
		t.Fatalf("create: %s", result.Content)
	}

	title := "renamed"
	updateParams, _ := json.Marshal(map[string]interface{}{"content": "v2", "title": title})
	result, err := NewUpdateTool(store).Execute(context.Background(), updateParams)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	var snapshot struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		Version int    `json:"version"`
	}
	json.Unmarshal([]byte(result.Content), &snapshot)
	if snapshot.Content != "v2" || snapshot.Title != "renamed" || snapshot.Version != 2 {
		t.Fatalf("unexpected snapshot after update: %+v", snapshot)
	}
}

func TestPatchCanvas_AppliesSequentialEdits(t *testing.T) {
	store := NewStore()
	createParams, _ := json.Marshal(map[string]interface{}{"title": "a", "content": "the quick fox"})
	NewCreateTool(store).Execute(context.Background(), createParams)

	patchParams, _ := json.Marshal(map[string]interface{}{
		"edits": []map[string]string{
			{"search": "quick", "replace": "slow"},
			{"search": "fox", "replace": "turtle"},
		},
	})
	result, err := NewPatchTool(store).Execute(context.Background(), patchParams)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	var snapshot struct {
		Content string `json:"content"`
		Version int    `json:"version"`
	}
	json.Unmarshal([]byte(result.Content), &snapshot)
	if snapshot.Content != "the slow turtle" {
		t.Fatalf("unexpected content after patch: %q", snapshot.Content)
	}
	if snapshot.Version != 2 {
		t.Fatalf("expected version 2, got %d", snapshot.Version)
	}
}

func TestPatchCanvas_AbsentSearchReportsEditIndex(t *testing.T) {
	store := NewStore()
	createParams, _ := json.Marshal(map[string]interface{}{"title": "a", "content": "hello world"})
	NewCreateTool(store).Execute(context.Background(), createParams)

	patchParams, _ := json.Marshal(map[string]interface{}{
		"edits": []map[string]string{
			{"search": "hello", "replace": "hi"},
			{"search": "nonexistent", "replace": "x"},
		},
	})
	result, _ := NewPatchTool(store).Execute(context.Background(), patchParams)
	if !result.IsError {
		t.Fatal("expected patch with an absent search string to fail")
	}

	var payload struct {
		EditIndex  int `json:"edit_index"`
		FailedEdit struct {
			Search string `json:"search"`
		} `json:"failed_edit"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatalf("parse error payload: %v", err)
	}
	if payload.EditIndex != 1 || payload.FailedEdit.Search != "nonexistent" {
		t.Fatalf("unexpected error payload: %+v", payload)
	}

	// A failed patch must not have applied the first edit either — the
	// whole batch fails together against the canvas's prior content.
	if got := store.Get("default").Content; got != "hello world" {
		t.Fatalf("canvas content mutated despite failed patch: %q", got)
	}
}

func TestPatchCanvas_AmbiguousSearchReportsEditIndex(t *testing.T) {
	store := NewStore()
	createParams, _ := json.Marshal(map[string]interface{}{"title": "a", "content": "aa aa"})
	NewCreateTool(store).Execute(context.Background(), createParams)

	patchParams, _ := json.Marshal(map[string]interface{}{
		"edits": []map[string]string{
			{"search": "aa", "replace": "bb"},
		},
	})
	result, _ := NewPatchTool(store).Execute(context.Background(), patchParams)
	if !result.IsError {
		t.Fatal("expected ambiguous (2-match) search string to fail")
	}

	var payload struct {
		EditIndex int `json:"edit_index"`
	}
	json.Unmarshal([]byte(result.Content), &payload)
	if payload.EditIndex != 0 {
		t.Fatalf("expected edit_index 0, got %d", payload.EditIndex)
	}
}

func TestPatchCanvas_RejectsTooManyEdits(t *testing.T) {
	store := NewStore()
	createParams, _ := json.Marshal(map[string]interface{}{"title": "a", "content": "x"})
	NewCreateTool(store).Execute(context.Background(), createParams)

	edits := make([]map[string]string, MaxPatchEdits+1)
	for i := range edits {
		edits[i] = map[string]string{"search": "x", "replace": "x"}
	}
	patchParams, _ := json.Marshal(map[string]interface{}{"edits": edits})
	result, _ := NewPatchTool(store).Execute(context.Background(), patchParams)
	if !result.IsError {
		t.Fatal("expected too many edits to be rejected")
	}
}

func TestConversationScoping_DifferentConversationsDontCollide(t *testing.T) {
	store := NewStore()
	createTool := NewCreateTool(store)

	paramsA, _ := json.Marshal(map[string]interface{}{"title": "a", "content": "content-a", "_conversation_id": "conv-a"})
	paramsB, _ := json.Marshal(map[string]interface{}{"title": "b", "content": "content-b", "_conversation_id": "conv-b"})

	if result, _ := createTool.Execute(context.Background(), paramsA); result.IsError {
		t.Fatalf("create conv-a: %s", result.Content)
	}
	if result, _ := createTool.Execute(context.Background(), paramsB); result.IsError {
		t.Fatalf("create conv-b: %s", result.Content)
	}

	if store.Get("conv-a").Content != "content-a" {
		t.Fatal("conv-a content mismatch")
	}
	if store.Get("conv-b").Content != "content-b" {
		t.Fatal("conv-b content mismatch")
	}
}
