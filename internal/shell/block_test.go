package shell

import "testing"

func TestRuleCommandOnly(t *testing.T) {
	rs := RuleSet{{Command: "curl"}}

	if !rs.Blocked([]string{"curl", "https://example.com"}) {
		t.Error("bare command rule should block curl with any args")
	}
	if rs.Blocked([]string{"git", "status"}) {
		t.Error("unrelated command should not be blocked")
	}
	if rs.Blocked(nil) {
		t.Error("empty argv should not be blocked")
	}
}

func TestRuleSubcommandAndFlags(t *testing.T) {
	rs := RuleSet{{Command: "npm", Sub: []string{"install"}, Flags: []string{"-g"}}}

	tests := []struct {
		name string
		argv []string
		want bool
	}{
		{"global install blocked", []string{"npm", "install", "-g", "leftpad"}, true},
		{"flag position irrelevant", []string{"npm", "install", "leftpad", "-g"}, true},
		{"local install allowed", []string{"npm", "install", "leftpad"}, false},
		{"other subcommand allowed", []string{"npm", "run", "build", "-g"}, false},
		{"other command allowed", []string{"pnpm", "install", "-g"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rs.Blocked(tt.argv); got != tt.want {
				t.Errorf("Blocked(%v) = %v, want %v", tt.argv, got, tt.want)
			}
		})
	}
}

func TestRuleSubcommandOnly(t *testing.T) {
	rs := RuleSet{{Command: "pip", Sub: []string{"install"}}}

	if !rs.Blocked([]string{"pip", "install", "requests"}) {
		t.Error("pip install should be blocked")
	}
	if rs.Blocked([]string{"pip", "list"}) {
		t.Error("pip list should be allowed")
	}
}

func TestDefaultRules(t *testing.T) {
	rs := DefaultRules()

	blocked := [][]string{
		{"sudo", "rm", "-rf", "/"},
		{"curl", "http://evil.example"},
		{"python3", "-c", "import os"},
		{"apt-get", "install", "something"},
		{"go", "install", "example.com/cmd@latest"},
		{"go", "test", "-exec", "sh", "./..."},
		{"yarn", "global", "add", "leftpad"},
	}
	for _, argv := range blocked {
		if !rs.Blocked(argv) {
			t.Errorf("expected %v to be blocked", argv)
		}
	}

	allowed := [][]string{
		{"git", "status"},
		{"go", "build", "./..."},
		{"go", "test", "./..."},
		{"npm", "install"},
		{"ls", "-la"},
	}
	for _, argv := range allowed {
		if rs.Blocked(argv) {
			t.Errorf("expected %v to be allowed", argv)
		}
	}
}
