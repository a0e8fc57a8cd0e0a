package models

import (
	"encoding/json"
	"testing"
)

func TestAgentEventTokenPayload(t *testing.T) {
	data, err := json.Marshal(TokenPayload{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	evt := AgentEvent{Kind: EventToken, RunID: "r1", Data: data}

	var payload TokenPayload
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Content != "hi" {
		t.Fatalf("got %q", payload.Content)
	}
}
