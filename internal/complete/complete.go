// Package complete produces ordered completion candidates for the
// prompt. Sources are consulted in parallel under a soft deadline so a
// slow embedding call can delay a keystroke by at most 50 ms.
package complete

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"aishell/internal/vector"
)

// Source identifies where a candidate came from. Lower values rank
// first regardless of similarity score.
type Source int

const (
	SourceVault Source = iota
	SourceSchema
	SourceCommands
)

func (s Source) String() string {
	switch s {
	case SourceVault:
		return "vault"
	case SourceSchema:
		return "schema"
	case SourceCommands:
		return "commands"
	default:
		return "unknown"
	}
}

// Candidate is one ranked completion.
type Candidate struct {
	Text   string
	Source Source
	Score  float64
}

// DefaultDeadline bounds one completion pass end to end.
const DefaultDeadline = 50 * time.Millisecond

const vaultPrefix = "$vault."

// Embedder turns the token at the cursor into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KeyLister exposes credential names. Values never appear in
// completions.
type KeyLister interface {
	Names() []string
}

// Options wire an Engine. Index and Embedder may be nil, which disables
// the semantic sources.
type Options struct {
	Vault    KeyLister
	Embedder Embedder
	Index    *vector.Store
	Deadline time.Duration
	Logger   *zap.Logger
}

// Engine merges vault keys, schema objects and command patterns into
// one ranked candidate list.
type Engine struct {
	vault    KeyLister
	embedder Embedder
	index    *vector.Store
	deadline time.Duration
	logger   *zap.Logger
}

func NewEngine(opts Options) *Engine {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		vault:    opts.Vault,
		embedder: opts.Embedder,
		index:    opts.Index,
		deadline: opts.Deadline,
		logger:   opts.Logger,
	}
}

// Complete returns candidates for the buffer with the cursor at byte
// offset cursor, best first. A source that misses the deadline is
// omitted; Complete itself never fails.
func (e *Engine) Complete(ctx context.Context, buffer string, cursor int) []Candidate {
	token := tokenAt(buffer, cursor)

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	var candidates []Candidate
	switch {
	case strings.HasPrefix(token, vaultPrefix):
		candidates = e.vaultCandidates(token)
	case inSQLContext(buffer):
		candidates = e.semanticCandidates(ctx, token, vector.SourceCatalog, SourceSchema)
	default:
		candidates = e.semanticCandidates(ctx, buffer, vector.SourceCommand, SourceCommands)
	}

	rank(candidates)
	return candidates
}

// vaultCandidates matches credential names against the text after the
// $vault. prefix. This source is in-memory and never misses the
// deadline.
func (e *Engine) vaultCandidates(token string) []Candidate {
	if e.vault == nil {
		return nil
	}
	partial := strings.TrimPrefix(token, vaultPrefix)
	var out []Candidate
	for _, name := range e.vault.Names() {
		if !strings.HasPrefix(name, partial) {
			continue
		}
		score := 1.0
		if len(name) > 0 {
			score = float64(len(partial)) / float64(len(name))
		}
		out = append(out, Candidate{
			Text:   vaultPrefix + name,
			Source: SourceVault,
			Score:  score,
		})
	}
	return out
}

// semanticCandidates embeds the query text and searches the vector
// store, all inside the deadline. Deadline expiry returns nothing.
func (e *Engine) semanticCandidates(ctx context.Context, text string, from string, as Source) []Candidate {
	if e.embedder == nil || e.index == nil || strings.TrimSpace(text) == "" {
		return nil
	}

	type outcome struct {
		matches []vector.Match
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		vec, err := e.embedder.Embed(ctx, text)
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		matches, err := e.index.Search(vec, 8, from)
		ch <- outcome{matches: matches, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil
	case res := <-ch:
		if res.err != nil {
			e.logger.Debug("completion source unavailable",
				zap.String("source", as.String()), zap.Error(res.err))
			return nil
		}
		out := make([]Candidate, 0, len(res.matches))
		for _, m := range res.matches {
			out = append(out, Candidate{
				Text:   m.Document.Text,
				Source: as,
				Score:  m.Similarity,
			})
		}
		return out
	}
}

// rank orders by source priority, then score, then text for
// determinism.
func rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Source != cs[j].Source {
			return cs[i].Source < cs[j].Source
		}
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].Text < cs[j].Text
	})
}

var sqlVerbs = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true,
	"WITH": true, "EXPLAIN": true, "SHOW": true, "DESCRIBE": true,
	"GRANT": true, "REVOKE": true,
}

// inSQLContext is a heuristic: the buffer starts with a SQL verb, or an
// earlier statement is still unclosed.
func inSQLContext(buffer string) bool {
	fields := strings.Fields(buffer)
	if len(fields) == 0 {
		return false
	}
	if sqlVerbs[strings.ToUpper(fields[0])] {
		return true
	}
	// "cmd; SELECT ..." keeps the SQL context of the open statement.
	if i := strings.LastIndexByte(buffer, ';'); i >= 0 {
		rest := strings.Fields(buffer[i+1:])
		return len(rest) > 0 && sqlVerbs[strings.ToUpper(rest[0])]
	}
	return false
}

// tokenAt extracts the token containing or immediately preceding the
// cursor. Token characters are letters, digits, underscore, dot and
// dollar.
func tokenAt(buffer string, cursor int) string {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(buffer) {
		cursor = len(buffer)
	}
	isTokenChar := func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r) ||
			r == '_' || r == '.' || r == '$' || r == '-'
	}
	start := cursor
	for start > 0 {
		r := rune(buffer[start-1])
		if !isTokenChar(r) {
			break
		}
		start--
	}
	end := cursor
	for end < len(buffer) && isTokenChar(rune(buffer[end])) {
		end++
	}
	return buffer[start:end]
}
