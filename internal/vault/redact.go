package vault

import (
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

// RedactEntry pairs a credential name with its plaintext for substitution.
type RedactEntry struct {
	Name  string
	Value string
}

// Redactor substitutes stored plaintexts with ***<name>*** markers.
// The table is an immutable snapshot swapped atomically on vault mutation,
// so Redact is safe from any goroutine without locking.
//
// Substitution is strictly whole-token: an occurrence only counts when the
// runes adjacent to it are not word runes. A stored value "password" must
// never alter "password123".
type Redactor struct {
	table atomic.Pointer[[]RedactEntry]
}

// NewRedactor returns an empty redactor.
func NewRedactor() *Redactor {
	r := &Redactor{}
	empty := []RedactEntry{}
	r.table.Store(&empty)
	return r
}

// Replace swaps in a new table. Longer values are applied first so a value
// that contains another value as a token is redacted as itself.
func (r *Redactor) Replace(entries []RedactEntry) {
	sorted := make([]RedactEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Value) > len(sorted[j].Value)
	})
	r.table.Store(&sorted)
}

// Values returns the plaintexts in the current snapshot.
func (r *Redactor) Values() []string {
	table := *r.table.Load()
	out := make([]string, len(table))
	for i, e := range table {
		out[i] = e.Value
	}
	return out
}

// Redact performs the substitution on text.
func (r *Redactor) Redact(text string) string {
	table := *r.table.Load()
	for _, e := range table {
		if e.Value == "" {
			continue
		}
		text = redactTokens(text, e.Value, "***<"+e.Name+">***")
	}
	return text
}

// isWordRune reports whether r belongs to a token under Unicode word
// segmentation as used here: letters, digits, and the connector underscore.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// redactTokens replaces whole-token occurrences of value in text.
func redactTokens(text, value, replacement string) string {
	var b strings.Builder
	start := 0
	for {
		idx := strings.Index(text[start:], value)
		if idx < 0 {
			break
		}
		abs := start + idx
		end := abs + len(value)

		if tokenBoundary(text, abs, end) {
			b.WriteString(text[start:abs])
			b.WriteString(replacement)
			start = end
		} else {
			// Not a whole token; keep scanning past this occurrence.
			b.WriteString(text[start : abs+1])
			start = abs + 1
		}
	}
	if start == 0 {
		return text
	}
	b.WriteString(text[start:])
	return b.String()
}

// tokenBoundary reports whether text[abs:end] sits on token boundaries:
// the rune before abs and the rune at end must not be word runes.
func tokenBoundary(text string, abs, end int) bool {
	if abs > 0 {
		prev, _ := utf8.DecodeLastRuneInString(text[:abs])
		if isWordRune(prev) {
			return false
		}
	}
	if end < len(text) {
		next, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(next) {
			return false
		}
	}
	return true
}
