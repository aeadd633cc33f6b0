package provider

// contextLimits is a best-effort table of per-model context windows used by
// the compactor's pressure check. Unknown models fall back to
// defaultContextLimit.
var contextLimits = map[string]int{
	"claude-opus-4":     200000,
	"claude-sonnet-4":   200000,
	"claude-3-5-sonnet": 200000,
	"gpt-4o":            128000,
	"gpt-4.1":           1000000,
	"o3":                200000,
	"gemini-1.5-pro":    2000000,
	"gemini-2.0-flash":  1000000,
	"gemini-2.5-pro":    1000000,
}

const defaultContextLimit = 128000

// ContextLimit returns the known context window for model, or
// defaultContextLimit if the model is not in the table. Matching is by
// exact name first, then longest known prefix, so date-suffixed model
// names (e.g. "claude-sonnet-4-20250514") still resolve.
func ContextLimit(model string) int {
	if limit, ok := contextLimits[model]; ok {
		return limit
	}
	best := ""
	for name := range contextLimits {
		if len(name) > len(best) && hasPrefix(model, name) {
			best = name
		}
	}
	if best != "" {
		return contextLimits[best]
	}
	return defaultContextLimit
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
