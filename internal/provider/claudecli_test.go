package provider

import (
	"context"
	"testing"
)

func TestPermissionFlagMapping(t *testing.T) {
	tests := []struct {
		mode    PermissionMode
		want    []string
		wantErr bool
	}{
		{PermissionAuto, []string{"--dangerously-skip-permissions"}, false},
		{PermissionSmartApprove, []string{"--permission-mode", "acceptEdits"}, false},
		{PermissionApprove, nil, true},
		{PermissionChat, []string{"--sandbox", "read-only"}, false},
		{PermissionMode("bogus"), nil, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			got, err := permissionFlag(tt.mode)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for mode %q", tt.mode)
				}
				return
			}
			if err != nil {
				t.Fatalf("permissionFlag: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("flags = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("flags = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSetModelSkipsWhenUnchanged(t *testing.T) {
	// A freshly-built adapter with the model already recorded must not try
	// to spawn the subprocess or write a control request when SetModel is
	// called with the same model (scenario: no second set_model when the
	// model is unchanged).
	c := NewClaudeCLI("claude", "/nonexistent/claude-binary", "sess_1", PermissionAuto)
	c.currentModel = "model_a"
	c.ready = true // pretend spawned; any write would panic on nil stdin

	if err := c.SetModel(context.Background(), "model_a"); err != nil {
		t.Fatalf("SetModel on unchanged model should be a no-op, got %v", err)
	}
}
