package inspect

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/xonecas/symb/internal/conversation"
	"github.com/xonecas/symb/internal/permission"
)

func request(id, name, args string, readOnly bool) Request {
	return Request{
		Part: conversation.ContentPart{
			Type: conversation.PartToolRequest,
			ID:   id,
			Call: &conversation.ToolCall{Name: name, Arguments: json.RawMessage(args)},
		},
		ReadOnly: readOnly,
	}
}

func openPolicies(t *testing.T) *permission.Store {
	t.Helper()
	s, err := permission.Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatalf("permission.Open: %v", err)
	}
	return s
}

func TestSecurityDeniesDangerousArguments(t *testing.T) {
	reqs := []Request{
		request("r1", "shell", `{"cmd":"rm -rf / --no-preserve-root"}`, false),
		request("r2", "shell", `{"cmd":"ls -la"}`, false),
	}
	findings := RunSecurity(reqs)
	if f, ok := findings["r1"]; !ok || f.Severity != SeverityDeny {
		t.Errorf("expected deny finding for r1, got %+v", findings)
	}
	if _, ok := findings["r2"]; ok {
		t.Error("benign command should not produce a finding")
	}
}

func TestPermissionModes(t *testing.T) {
	tests := []struct {
		name         string
		mode         Mode
		readOnly     bool
		wantApproved int
		wantApproval int
		wantDenied   int
	}{
		{"auto approves everything", ModeAuto, false, 1, 0, 0},
		{"chat denies everything", ModeChat, true, 0, 0, 1},
		{"smart approve passes readonly", ModeSmartApprove, true, 1, 0, 0},
		{"smart approve holds writes", ModeSmartApprove, false, 0, 1, 0},
		{"approve holds readonly too", ModeApprove, true, 0, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			approved, needsApproval, denied := RunPermission(
				[]Request{request("r1", "shell", `{}`, tt.readOnly)}, tt.mode, openPolicies(t))
			if len(approved) != tt.wantApproved || len(needsApproval) != tt.wantApproval || len(denied) != tt.wantDenied {
				t.Errorf("got approved=%d approval=%d denied=%d, want %d/%d/%d",
					len(approved), len(needsApproval), len(denied),
					tt.wantApproved, tt.wantApproval, tt.wantDenied)
			}
		})
	}
}

func TestPermissionPersistedPolicyShortCircuitsApproval(t *testing.T) {
	policies := openPolicies(t)
	if err := policies.Set("shell", permission.AlwaysAllow); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := policies.Set("deleter", permission.NeverAllow); err != nil {
		t.Fatalf("Set: %v", err)
	}

	approved, needsApproval, denied := RunPermission([]Request{
		request("r1", "shell", `{}`, false),
		request("r2", "deleter", `{}`, false),
		request("r3", "other", `{}`, false),
	}, ModeApprove, policies)

	if len(approved) != 1 || approved[0].Part.ID != "r1" {
		t.Errorf("always-allow policy should approve r1, got %+v", approved)
	}
	if len(denied) != 1 || denied[0].Part.ID != "r2" {
		t.Errorf("never-allow policy should deny r2, got %+v", denied)
	}
	if len(needsApproval) != 1 || needsApproval[0].Part.ID != "r3" {
		t.Errorf("unset policy should need approval for r3, got %+v", needsApproval)
	}
}

func TestRepetitionDeniesAfterThreshold(t *testing.T) {
	tracker := NewRepetitionTracker(3, 10)
	args := json.RawMessage(`{"cmd":"ls"}`)

	if _, deny := tracker.Check("shell", args); deny {
		t.Fatal("first call should not be denied")
	}
	tracker.Observe("shell", args)

	if _, deny := tracker.Check("shell", args); deny {
		t.Fatal("second call should not be denied")
	}
	tracker.Observe("shell", args)

	// Third identical call extends the run to the threshold.
	if _, deny := tracker.Check("shell", args); !deny {
		t.Error("third identical call should be denied")
	}

	// A different argument breaks the run.
	if _, deny := tracker.Check("shell", json.RawMessage(`{"cmd":"pwd"}`)); deny {
		t.Error("different arguments should not be denied")
	}
}

func TestRepetitionNormalizesArgumentFormatting(t *testing.T) {
	tracker := NewRepetitionTracker(2, 10)
	tracker.Observe("shell", json.RawMessage(`{"cmd":"ls"}`))

	// Same semantic arguments with different whitespace hash identically.
	if _, deny := tracker.Check("shell", json.RawMessage(`{ "cmd" : "ls" }`)); !deny {
		t.Error("whitespace variation should still count as a repeat")
	}
}

func TestPipelineOrderSecurityBeforePermission(t *testing.T) {
	p := &Pipeline{Mode: ModeAuto, Policies: openPolicies(t), Repetition: NewRepetitionTracker(3, 10)}

	result := p.Run([]Request{
		request("r1", "shell", `{"cmd":"rm -rf /"}`, false),
		request("r2", "shell", `{"cmd":"ls"}`, false),
	})

	if len(result.Denied) != 1 || result.Denied[0].Part.ID != "r1" {
		t.Errorf("security should deny r1 before permission sees it, got %+v", result.Denied)
	}
	if len(result.Approved) != 1 || result.Approved[0].Part.ID != "r2" {
		t.Errorf("auto mode should approve r2, got %+v", result.Approved)
	}
}

func TestPipelineRepetitionDeniesApprovedCall(t *testing.T) {
	tracker := NewRepetitionTracker(2, 10)
	tracker.Observe("shell", json.RawMessage(`{"cmd":"ls"}`))

	p := &Pipeline{Mode: ModeAuto, Policies: openPolicies(t), Repetition: tracker}
	result := p.Run([]Request{request("r1", "shell", `{"cmd":"ls"}`, false)})

	if len(result.Denied) != 1 {
		t.Fatalf("expected repetition denial, got %+v", result)
	}
	if result.Denied[0].Reason != "repeated identical tool call" {
		t.Errorf("denial reason = %q", result.Denied[0].Reason)
	}
}
