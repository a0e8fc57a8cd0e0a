package safety

import "testing"

func TestGetToolTier(t *testing.T) {
	if tier := GetToolTier("bash", nil); tier != TierExecute {
		t.Fatalf("bash tier = %v, want TierExecute", tier)
	}
	if tier := GetToolTier("read_file", nil); tier != TierRead {
		t.Fatalf("read_file tier = %v, want TierRead", tier)
	}
	if tier := GetToolTier("mcp:some_tool", nil); tier != DefaultMCPTier {
		t.Fatalf("unknown tool tier = %v, want DefaultMCPTier", tier)
	}
	overrides := map[string]ToolTier{"bash": TierDestructive}
	if tier := GetToolTier("bash", overrides); tier != TierDestructive {
		t.Fatalf("override not applied: got %v", tier)
	}
}

func TestParseApprovalMode(t *testing.T) {
	cases := map[string]ApprovalMode{
		"auto":              ApprovalAuto,
		"ask":               ApprovalAsk,
		"ask_for_writes":    ApprovalAskForWrites,
		"ASK_FOR_DANGEROUS": ApprovalAskForDangerous,
		"garbage":           ApprovalAskForWrites,
		"":                  ApprovalAskForWrites,
	}
	for input, want := range cases {
		if got := ParseApprovalMode(input); got != want {
			t.Errorf("ParseApprovalMode(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestShouldRequireApproval(t *testing.T) {
	denied := toSet([]string{"bash"})
	if _, ok := ShouldRequireApproval("bash", TierExecute, ApprovalAskForWrites, nil, denied, nil); ok {
		t.Fatal("denied tool should report ok=false")
	}

	allowed := toSet([]string{"bash"})
	if needs, ok := ShouldRequireApproval("bash", TierExecute, ApprovalAskForWrites, allowed, nil, nil); !ok || needs {
		t.Fatalf("allowed tool should auto-allow, got needs=%v ok=%v", needs, ok)
	}

	if needs, ok := ShouldRequireApproval("write_file", TierWrite, ApprovalAuto, nil, nil, nil); !ok || needs {
		t.Fatalf("auto mode should always auto-allow, got needs=%v ok=%v", needs, ok)
	}

	if needs, ok := ShouldRequireApproval("bash", TierExecute, ApprovalAskForWrites, nil, nil, nil); !ok || !needs {
		t.Fatalf("execute tier under ask_for_writes should require approval, got needs=%v ok=%v", needs, ok)
	}

	if needs, ok := ShouldRequireApproval("read_file", TierRead, ApprovalAskForWrites, nil, nil, nil); !ok || needs {
		t.Fatalf("read tier under ask_for_writes should auto-allow, got needs=%v ok=%v", needs, ok)
	}
}

func TestShouldRequireApprovalSessionAllowed(t *testing.T) {
	session := toSet([]string{"bash"})
	needs, ok := ShouldRequireApproval("bash", TierExecute, ApprovalAskForWrites, nil, nil, session)
	if !ok || needs {
		t.Fatalf("session-allowed tool should auto-allow, got needs=%v ok=%v", needs, ok)
	}
}
