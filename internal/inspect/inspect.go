// Package inspect implements the fixed-order tool inspection pipeline:
// security, then permission, then repetition. Security is evaluated first
// because a Deny from it short-circuits the more expensive permission
// round-trip.
package inspect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/xonecas/symb/internal/conversation"
	"github.com/xonecas/symb/internal/permission"
)

// Mode is the global permission mode the Permission inspector consults.
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModeChat         Mode = "chat"
	ModeApprove      Mode = "approve"
	ModeSmartApprove Mode = "smart_approve"
)

// Severity of a security finding.
type Severity string

const (
	SeverityWarn Severity = "warn"
	SeverityDeny Severity = "deny"
)

// Finding is one inspector's verdict on a tool request.
type Finding struct {
	Inspector string
	Severity  Severity
	Reason    string
}

// Request bundles a ToolRequest content part with the metadata the
// inspectors need (whether the tool is marked readonly by the extension
// manager).
type Request struct {
	Part     conversation.ContentPart // Type == PartToolRequest
	ReadOnly bool
}

// Result is the pipeline's partition of a batch of requests.
type Result struct {
	Approved      []Request
	NeedsApproval []Request
	Denied        []DeniedRequest
}

// DeniedRequest pairs a denied request with the reason it was denied, so the
// caller can build a canned "declined" ToolResponse immediately.
type DeniedRequest struct {
	Request
	Reason string
}

// dangerousPatterns are crude shell/filesystem danger signals scanned across
// a tool's raw arguments JSON. The inspector is pattern-based, not a
// sandboxed analysis.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};`), // fork bomb
	regexp.MustCompile(`(?i)drop\s+table`),
	regexp.MustCompile(`(?i)mkfs\.`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

// RunSecurity pattern-matches a tool's arguments against dangerous-operation
// rules; it never approves, only optionally attaches a Warn or Deny finding.
func RunSecurity(reqs []Request) map[string]Finding {
	findings := map[string]Finding{}
	for _, r := range reqs {
		if r.Part.Call == nil {
			continue
		}
		raw := string(r.Part.Call.Arguments)
		for _, pat := range dangerousPatterns {
			if pat.MatchString(raw) {
				findings[r.Part.ID] = Finding{Inspector: "security", Severity: SeverityDeny, Reason: "matched dangerous-operation pattern"}
				break
			}
		}
	}
	return findings
}

// RunPermission classifies requests per the global mode and per-tool
// persisted policy.
func RunPermission(reqs []Request, mode Mode, policies *permission.Store) (approved, needsApproval []Request, denied []DeniedRequest) {
	for _, r := range reqs {
		name := ""
		if r.Part.Call != nil {
			name = r.Part.Call.Name
		}

		switch mode {
		case ModeChat:
			denied = append(denied, DeniedRequest{Request: r, Reason: "tool skipped in chat mode"})
			continue
		case ModeAuto:
			approved = append(approved, r)
			continue
		case ModeSmartApprove:
			if r.ReadOnly {
				approved = append(approved, r)
				continue
			}
		case ModeApprove:
			// Every non-readonly tool requires approval; readonly tools
			// still fall through to the persisted per-tool policy below
			// (Approve mode does not blanket-approve them the way
			// SmartApprove does).
		}

		if policies != nil {
			switch policies.Get(name) {
			case permission.AlwaysAllow:
				approved = append(approved, r)
				continue
			case permission.NeverAllow:
				denied = append(denied, DeniedRequest{Request: r, Reason: "tool policy is always-deny"})
				continue
			}
		}

		needsApproval = append(needsApproval, r)
	}
	return approved, needsApproval, denied
}

// RepetitionTracker compares in-flight tool calls against the N most recent
// ones seen in conversation history, denying when a normalized
// (name, arguments) signature repeats beyond threshold.
type RepetitionTracker struct {
	threshold int
	window    int
	history   []string
}

// NewRepetitionTracker builds a tracker that denies after `threshold`
// consecutive identical calls, looking back at most `window` prior calls.
func NewRepetitionTracker(threshold, window int) *RepetitionTracker {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 10
	}
	return &RepetitionTracker{threshold: threshold, window: window}
}

// Observe records a completed tool call's signature for future comparisons.
func (t *RepetitionTracker) Observe(name string, args json.RawMessage) {
	t.history = append(t.history, signature(name, args))
	if len(t.history) > t.window {
		t.history = t.history[len(t.history)-t.window:]
	}
}

// Check reports a Deny finding if this call would extend a run of
// consecutive identical calls to >= threshold.
func (t *RepetitionTracker) Check(name string, args json.RawMessage) (Finding, bool) {
	sig := signature(name, args)
	run := 1
	for i := len(t.history) - 1; i >= 0 && t.history[i] == sig; i-- {
		run++
	}
	if run >= t.threshold {
		return Finding{Inspector: "repetition", Severity: SeverityDeny, Reason: "repeated identical tool call"}, true
	}
	return Finding{}, false
}

func signature(name string, args json.RawMessage) string {
	var normalized any
	if len(args) > 0 {
		json.Unmarshal(args, &normalized) //nolint:errcheck
	}
	canon, _ := json.Marshal(normalized) //nolint:errcheck
	h := sha256.Sum256([]byte(strings.ToLower(name) + "|" + string(canon)))
	return hex.EncodeToString(h[:])
}

// Pipeline runs the three inspectors in fixed order and partitions a batch
// of tool requests.
type Pipeline struct {
	Mode       Mode
	Policies   *permission.Store
	Repetition *RepetitionTracker
}

// Run evaluates reqs in the fixed Security -> Permission -> Repetition
// order.
func (p *Pipeline) Run(reqs []Request) Result {
	var result Result

	securityFindings := RunSecurity(reqs)

	var survivors []Request
	for _, r := range reqs {
		if f, ok := securityFindings[r.Part.ID]; ok && f.Severity == SeverityDeny {
			result.Denied = append(result.Denied, DeniedRequest{Request: r, Reason: f.Reason})
			continue
		}
		survivors = append(survivors, r)
	}

	approved, needsApproval, denied := RunPermission(survivors, p.Mode, p.Policies)
	result.Denied = append(result.Denied, denied...)

	if p.Repetition != nil {
		var repApproved []Request
		for _, r := range approved {
			if r.Part.Call == nil {
				repApproved = append(repApproved, r)
				continue
			}
			if f, deny := p.Repetition.Check(r.Part.Call.Name, r.Part.Call.Arguments); deny {
				result.Denied = append(result.Denied, DeniedRequest{Request: r, Reason: f.Reason})
				continue
			}
			repApproved = append(repApproved, r)
		}
		approved = repApproved
	}

	result.Approved = approved
	result.NeedsApproval = needsApproval
	return result
}
