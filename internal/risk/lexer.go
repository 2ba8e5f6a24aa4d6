package risk

import (
	"strings"
	"unicode"
)

// token is one lexical unit of a SQL statement. Only the pieces the
// classifier needs are modelled: keywords/identifiers come through as
// uppercase words, everything quoted is collapsed so string contents can
// never masquerade as keywords, and statement separators are preserved.
type token struct {
	kind tokenKind
	text string
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokNumber
	tokPunct
	tokSemicolon
)

// lex splits sql into tokens, skipping whitespace and comments.
// It understands single-quoted strings with doubled-quote escapes,
// double-quoted and backtick-quoted identifiers, line comments (-- and #)
// and block comments. Dollar-quoted Postgres strings are handled so a
// function body cannot leak keywords into the classifier.
func lex(sql string) []token {
	var toks []token
	i := 0
	n := len(sql)

	for i < n {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ';':
			toks = append(toks, token{kind: tokSemicolon, text: ";"})
			i++
		case c == '-' && i+1 < n && sql[i+1] == '-':
			i = skipLineComment(sql, i)
		case c == '#':
			i = skipLineComment(sql, i)
		case c == '/' && i+1 < n && sql[i+1] == '*':
			i = skipBlockComment(sql, i)
		case c == '\'':
			i = skipQuoted(sql, i, '\'')
			toks = append(toks, token{kind: tokString})
		case c == '"':
			end := skipQuoted(sql, i, '"')
			toks = append(toks, token{kind: tokWord, text: strings.ToUpper(sql[i+1 : min(end-1, n)])})
			i = end
		case c == '`':
			end := skipQuoted(sql, i, '`')
			toks = append(toks, token{kind: tokWord, text: strings.ToUpper(sql[i+1 : min(end-1, n)])})
			i = end
		case c == '$':
			if end, ok := skipDollarQuoted(sql, i); ok {
				toks = append(toks, token{kind: tokString})
				i = end
				break
			}
			toks = append(toks, token{kind: tokPunct, text: "$"})
			i++
		case isWordStart(rune(c)):
			start := i
			for i < n && isWordPart(rune(sql[i])) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToUpper(sql[start:i])})
		case c >= '0' && c <= '9':
			start := i
			for i < n && (sql[i] >= '0' && sql[i] <= '9' || sql[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: sql[start:i]})
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks
}

func skipLineComment(sql string, i int) int {
	for i < len(sql) && sql[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(sql string, i int) int {
	i += 2
	for i+1 < len(sql) {
		if sql[i] == '*' && sql[i+1] == '/' {
			return i + 2
		}
		i++
	}
	return len(sql)
}

// skipQuoted consumes a quoted region starting at i (which holds the quote
// character) and returns the index past the closing quote. A doubled quote
// inside the region is an escape, not a terminator.
func skipQuoted(sql string, i int, quote byte) int {
	i++
	for i < len(sql) {
		if sql[i] == '\\' && quote == '\'' && i+1 < len(sql) {
			i += 2
			continue
		}
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(sql)
}

// skipDollarQuoted handles $tag$...$tag$ regions. Returns ok=false when the
// dollar sign does not open a valid dollar quote.
func skipDollarQuoted(sql string, i int) (int, bool) {
	j := i + 1
	for j < len(sql) && isWordPart(rune(sql[j])) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return 0, false
	}
	tag := sql[i : j+1]
	end := strings.Index(sql[j+1:], tag)
	if end < 0 {
		return len(sql), true
	}
	return j + 1 + end + len(tag), true
}

func isWordStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isWordPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
