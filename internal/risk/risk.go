// Package risk statically scores SQL statements before execution. It never
// runs the query: classification works on the token stream, so keywords
// inside string literals or comments cannot change the verdict.
package risk

import "strings"

// Level orders statements by how much damage they can do.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

// String returns the canonical uppercase name.
func (l Level) String() string {
	switch l {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Assessment is the analyzer's verdict for a piece of SQL. For multi
// statement input the level is the maximum over all statements and the
// operations and warnings accumulate.
type Assessment struct {
	Level                Level    `json:"level"`
	Operations           []string `json:"operations"`
	Warnings             []string `json:"warnings,omitempty"`
	AffectedRowsEstimate *int64   `json:"affected_rows_estimate,omitempty"`
}

// Estimator cheaply predicts how many rows a write statement touches,
// typically backed by the driver's plan explainer. It must not execute the
// statement. ok=false means no estimate is available.
type Estimator func(sql string) (rows int64, ok bool)

// Analyzer classifies SQL into risk levels.
type Analyzer struct {
	estimator Estimator
}

// NewAnalyzer returns an analyzer without row estimation.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// WithEstimator attaches a row estimator consulted for write statements.
func (a *Analyzer) WithEstimator(e Estimator) *Analyzer {
	a.estimator = e
	return a
}

// Analyze scores sql. Empty or comment-only input is LOW with no operations.
func (a *Analyzer) Analyze(sql string) Assessment {
	out := Assessment{Level: Low}
	seen := make(map[string]bool)

	for _, stmt := range splitStatements(lex(sql)) {
		level, op, warning := classify(stmt)
		if op != "" && !seen[op] {
			seen[op] = true
			out.Operations = append(out.Operations, op)
		}
		if warning != "" {
			out.Warnings = append(out.Warnings, warning)
		}
		if level > out.Level {
			out.Level = level
		}
	}

	if out.Level >= Medium && out.Level < Critical && a.estimator != nil {
		if rows, ok := a.estimator(sql); ok {
			out.AffectedRowsEstimate = &rows
		}
	}
	return out
}

// splitStatements cuts the token stream on top-level semicolons and drops
// empty statements.
func splitStatements(toks []token) [][]token {
	var stmts [][]token
	var cur []token
	for _, t := range toks {
		if t.kind == tokSemicolon {
			if len(cur) > 0 {
				stmts = append(stmts, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		stmts = append(stmts, cur)
	}
	return stmts
}

// classify applies the rule table to a single statement. First match wins:
//
//  1. DROP TABLE|DATABASE|SCHEMA or TRUNCATE is CRITICAL.
//  2. DELETE or UPDATE without WHERE is HIGH.
//  3. DELETE/UPDATE with WHERE, INSERT, CREATE, ALTER are MEDIUM.
//  4. SELECT, EXPLAIN, SHOW are LOW.
//
// Anything unrecognised is treated as MEDIUM rather than waved through.
func classify(stmt []token) (Level, string, string) {
	head := firstKeyword(stmt)
	if head == "" {
		return Low, "", ""
	}

	switch head {
	case "DROP":
		target := keywordAfter(stmt, "DROP")
		op := "DROP"
		if target != "" {
			op = "DROP " + target
		}
		switch target {
		case "TABLE", "DATABASE", "SCHEMA":
			return Critical, op, "operation causes permanent data loss"
		default:
			return Medium, op, ""
		}
	case "TRUNCATE":
		return Critical, "TRUNCATE", "operation causes permanent data loss"
	case "DELETE", "UPDATE":
		if !hasKeyword(stmt, "WHERE") {
			return High, head, head + " with no WHERE clause affects every row"
		}
		return Medium, head, ""
	case "INSERT", "CREATE", "ALTER", "REPLACE", "MERGE", "GRANT", "REVOKE":
		return Medium, head, ""
	case "SELECT", "EXPLAIN", "SHOW", "DESCRIBE", "DESC", "WITH":
		// WITH only stays read-only when the body is; a writing CTE is
		// caught by scanning the rest of the statement.
		if head == "WITH" && containsWriteKeyword(stmt) {
			return Medium, "WITH", ""
		}
		return Low, head, ""
	case "BEGIN", "COMMIT", "ROLLBACK", "SET", "USE":
		return Low, head, ""
	default:
		return Medium, head, ""
	}
}

func firstKeyword(stmt []token) string {
	for _, t := range stmt {
		if t.kind == tokWord {
			return t.text
		}
	}
	return ""
}

// keywordAfter returns the word token immediately following the first
// occurrence of kw, skipping modifiers like IF EXISTS ordering does not
// apply to (DROP TABLE IF EXISTS still reports TABLE).
func keywordAfter(stmt []token, kw string) string {
	for i, t := range stmt {
		if t.kind == tokWord && t.text == kw {
			for _, nxt := range stmt[i+1:] {
				if nxt.kind == tokWord {
					return nxt.text
				}
			}
			return ""
		}
	}
	return ""
}

func hasKeyword(stmt []token, kw string) bool {
	for _, t := range stmt {
		if t.kind == tokWord && t.text == kw {
			return true
		}
	}
	return false
}

func containsWriteKeyword(stmt []token) bool {
	for _, t := range stmt {
		if t.kind != tokWord {
			continue
		}
		switch t.text {
		case "INSERT", "UPDATE", "DELETE", "DROP", "TRUNCATE", "ALTER", "CREATE":
			return true
		}
	}
	return false
}

// RequiresConfirmation reports whether the execution gate must obtain an
// explicit user confirmation before sending the statement to a driver.
func RequiresConfirmation(l Level) bool {
	return l >= High
}

// ParseLevel maps a canonical name back to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return Low, true
	case "MEDIUM":
		return Medium, true
	case "HIGH":
		return High, true
	case "CRITICAL":
		return Critical, true
	default:
		return Low, false
	}
}
