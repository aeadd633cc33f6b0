// Package shell runs agent tool commands through an in-process POSIX
// interpreter with a declarative block list, so a model-authored command can
// never reach the network, escalate privileges, or mutate the system even
// when the surrounding permission mode auto-approves it.
package shell

import "strings"

// Rule blocks an argv when its command matches and, when set, the required
// subcommand prefix and flags are present. A Rule with only Command set
// blocks the command outright.
type Rule struct {
	Command string   // argv[0] to match
	Sub     []string // positional args that must follow, in order
	Flags   []string // flags that must all be present, any position
}

func (r Rule) matches(argv []string) bool {
	if len(argv) == 0 || argv[0] != r.Command {
		return false
	}
	if len(r.Sub) == 0 && len(r.Flags) == 0 {
		return true
	}
	var positional, flags []string
	for _, a := range argv[1:] {
		if strings.HasPrefix(a, "-") {
			flags = append(flags, a)
		} else {
			positional = append(positional, a)
		}
	}
	if len(positional) < len(r.Sub) {
		return false
	}
	for i, want := range r.Sub {
		if positional[i] != want {
			return false
		}
	}
	for _, want := range r.Flags {
		found := false
		for _, f := range flags {
			if f == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RuleSet is an ordered block list; the first matching rule blocks.
type RuleSet []Rule

// Blocked reports whether any rule matches argv.
func (rs RuleSet) Blocked(argv []string) bool {
	for _, r := range rs {
		if r.matches(argv) {
			return true
		}
	}
	return false
}

// bannedCommands are blocked outright. Grouped by why they are banned.
var bannedCommands = []string{
	// Re-exec vectors: shells, interpreters, and indirection commands that
	// could run a blocked command or arbitrary network code one level down.
	"bash", "sh", "zsh", "fish", "csh", "tcsh", "ksh", "dash",
	"env", "nohup", "xargs", "strace", "ltrace",
	"python", "python3", "python2", "node", "ruby", "perl",
	"php", "lua", "tclsh", "wish",
	// Network and download.
	"aria2c", "axel", "curl", "curlie", "http-prompt", "httpie",
	"links", "lynx", "nc", "ncat", "scp", "sftp", "ssh",
	"telnet", "w3m", "wget", "xh",
	// Privilege escalation.
	"doas", "su", "sudo",
	// Package managers.
	"apk", "apt", "apt-cache", "apt-get", "dnf", "dpkg", "emerge",
	"home-manager", "makepkg", "opkg", "pacman", "paru", "pkg",
	"pkg_add", "pkg_delete", "portage", "rpm", "yay", "yum", "zypper",
	// System modification.
	"at", "batch", "chkconfig", "crontab", "fdisk", "mkfs", "mount",
	"parted", "service", "systemctl", "umount",
	// Network configuration.
	"firewall-cmd", "ifconfig", "ip", "iptables", "netstat", "pfctl",
	"route", "ufw",
	// cd outside the session root is handled by cwd clamping in the
	// interpreter wrapper, not here: cd is a shell builtin and never
	// reaches the exec handler.
}

// DefaultRules returns the standard block list: every banned command plus
// the install/escape shapes of otherwise-allowed developer tools.
func DefaultRules() RuleSet {
	rules := make(RuleSet, 0, len(bannedCommands)+12)
	for _, cmd := range bannedCommands {
		rules = append(rules, Rule{Command: cmd})
	}
	return append(rules,
		// Global package installs.
		Rule{Command: "npm", Sub: []string{"install"}, Flags: []string{"-g"}},
		Rule{Command: "npm", Sub: []string{"install"}, Flags: []string{"--global"}},
		Rule{Command: "pnpm", Sub: []string{"add"}, Flags: []string{"-g"}},
		Rule{Command: "pnpm", Sub: []string{"add"}, Flags: []string{"--global"}},
		Rule{Command: "yarn", Sub: []string{"global"}},
		Rule{Command: "pip", Sub: []string{"install"}},
		Rule{Command: "pip3", Sub: []string{"install"}},
		Rule{Command: "gem", Sub: []string{"install"}},
		Rule{Command: "cargo", Sub: []string{"install"}},
		Rule{Command: "go", Sub: []string{"install"}},
		// go test -exec runs an arbitrary binary around the test.
		Rule{Command: "go", Sub: []string{"test"}, Flags: []string{"-exec"}},
	)
}
