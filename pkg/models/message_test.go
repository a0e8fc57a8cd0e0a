package models

import "testing"

func TestMessageRoleRoundTrip(t *testing.T) {
	msg := Message{ID: "m1", Role: RoleUser, Content: "hello"}
	if msg.Role != RoleUser {
		t.Fatalf("got role %q", msg.Role)
	}
}

func TestToolResultErrorFlag(t *testing.T) {
	r := ToolResult{ToolCallID: "t1", Content: "boom", IsError: true}
	if !r.IsError {
		t.Fatal("expected IsError to be true")
	}
}
