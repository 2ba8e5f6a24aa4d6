package llm

import (
	"encoding/json"
	"strings"
)

// Intent categories. The rule fallback and the provider prompt agree on
// this set; anything else a model returns collapses to IntentOther.
const (
	IntentFileOperation = "file_operation"
	IntentDatabaseQuery = "database_query"
	IntentVaultAccess   = "vault_access"
	IntentNavigation    = "navigation"
	IntentOther         = "other"
)

// Context is the structured situation handed to intent analysis.
type Context struct {
	CWD           string   `json:"cwd"`
	CurrentModule string   `json:"current_module"`
	RecentHistory []string `json:"recent_history"`
}

// IntentResult is the outcome of analysing one line of user input.
type IntentResult struct {
	PrimaryIntent string   `json:"primary_intent"`
	Confidence    float64  `json:"confidence"`
	Entities      []string `json:"entities,omitempty"`
	// Source records whether a provider or the rule fallback produced
	// the result.
	Source string `json:"source"`
}

func validIntent(s string) bool {
	switch s {
	case IntentFileOperation, IntentDatabaseQuery, IntentVaultAccess, IntentNavigation, IntentOther:
		return true
	}
	return false
}

// ruleBasedIntent classifies input with keyword heuristics. It is the
// degraded mode when no provider is configured or reachable. Empty input
// is IntentOther with zero confidence.
func ruleBasedIntent(input string) IntentResult {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return IntentResult{PrimaryIntent: IntentOther, Confidence: 0, Source: "rules"}
	}

	lower := strings.ToLower(trimmed)
	first := strings.Fields(lower)[0]

	switch {
	case strings.HasPrefix(lower, "$vault.") || strings.Contains(lower, "vault "):
		return IntentResult{PrimaryIntent: IntentVaultAccess, Confidence: 0.9, Source: "rules"}
	case isSQLVerb(first):
		return IntentResult{PrimaryIntent: IntentDatabaseQuery, Confidence: 0.9, Source: "rules"}
	case containsAny(lower, "table", "database", "query", "schema", "index", "rows", "column"):
		return IntentResult{PrimaryIntent: IntentDatabaseQuery, Confidence: 0.6, Source: "rules"}
	case first == "cd" || first == "pushd" || first == "popd":
		return IntentResult{PrimaryIntent: IntentNavigation, Confidence: 0.9, Source: "rules"}
	case first == "ls" || first == "dir" || first == "cat" || first == "cp" || first == "mv" ||
		first == "rm" || first == "mkdir" || first == "touch" || first == "find" || first == "du":
		return IntentResult{PrimaryIntent: IntentFileOperation, Confidence: 0.9, Source: "rules"}
	case containsAny(lower, "file", "directory", "folder", "disk"):
		return IntentResult{PrimaryIntent: IntentFileOperation, Confidence: 0.6, Source: "rules"}
	default:
		return IntentResult{PrimaryIntent: IntentOther, Confidence: 0.3, Source: "rules"}
	}
}

func isSQLVerb(word string) bool {
	switch strings.ToUpper(word) {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER",
		"TRUNCATE", "EXPLAIN", "SHOW", "DESCRIBE", "WITH":
		return true
	}
	return false
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// intentPrompt builds the provider exchange for intent analysis.
func intentPrompt(input string, c Context) []Message {
	ctxJSON, _ := json.Marshal(c)
	system := `You classify terminal input for a database administration shell.
Respond with only a JSON object: {"primary_intent": "...", "confidence": 0.0, "entities": []}.
primary_intent must be one of: file_operation, database_query, vault_access, navigation, other.
confidence is between 0 and 1.`
	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: "Context: " + string(ctxJSON) + "\nInput: " + input},
	}
}

// parseIntentResponse extracts an IntentResult from a model reply,
// tolerating fenced or prefixed JSON. ok=false means unusable.
func parseIntentResponse(reply string) (IntentResult, bool) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return IntentResult{}, false
	}
	var res IntentResult
	if err := json.Unmarshal([]byte(reply[start:end+1]), &res); err != nil {
		return IntentResult{}, false
	}
	if !validIntent(res.PrimaryIntent) {
		res.PrimaryIntent = IntentOther
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	res.Source = "provider"
	return res, true
}
