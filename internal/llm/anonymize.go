package llm

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Pseudonymisation token kinds.
const (
	kindEmail      = "EMAIL"
	kindIP         = "IP"
	kindToken      = "TOKEN"
	kindCredential = "CREDENTIAL"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	// Bearer-token-shaped strings: explicit Bearer headers plus common
	// prefixed API key formats.
	tokenPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]{8,}=*|\b(?:sk|pk|ghp|gho|xoxb|xoxp|glpat)[-_][A-Za-z0-9_\-]{10,}\b`)
	// placeholderPattern matches the substitution tokens this package
	// emits. Input that already contains such spans is neutralised first
	// so generated tokens never collide with pre-existing text.
	placeholderPattern = regexp.MustCompile(`<(?:EMAIL|IP|TOKEN|CREDENTIAL)_\d+>`)
)

// AnonymizeMap records the substitutions made by Anonymize: token to
// original text. Deanonymize reverses them exactly.
type AnonymizeMap map[string]string

// anonymizer performs one pseudonymisation pass. Each distinct sensitive
// value gets a stable token within the pass, so repeated values map to
// the same token and the round trip stays lossless.
type anonymizer struct {
	counters map[string]int
	byValue  map[string]string
	mapping  AnonymizeMap
}

func newAnonymizer() *anonymizer {
	return &anonymizer{
		counters: make(map[string]int),
		byValue:  make(map[string]string),
		mapping:  make(AnonymizeMap),
	}
}

func (a *anonymizer) tokenFor(kind, value string) string {
	if tok, ok := a.byValue[value]; ok {
		return tok
	}
	a.counters[kind]++
	tok := fmt.Sprintf("<%s_%d>", kind, a.counters[kind])
	a.byValue[value] = tok
	a.mapping[tok] = value
	return tok
}

func (a *anonymizer) replacePattern(text string, re *regexp.Regexp, kind string) string {
	return re.ReplaceAllStringFunc(text, func(match string) string {
		return a.tokenFor(kind, match)
	})
}

// anonymize replaces sensitive spans in text. Token-shaped spans already
// present in the input are rewritten first, so the tokens generated below
// are the only ones in the output and the round trip stays lossless. Then
// vault-known credentials, longest value first, so a credential containing
// an email or IP is replaced as one unit; then pattern-shaped spans.
func (a *anonymizer) anonymize(text string, credentials []string) string {
	text = a.replacePattern(text, placeholderPattern, kindToken)

	creds := make([]string, 0, len(credentials))
	for _, c := range credentials {
		if c != "" {
			creds = append(creds, c)
		}
	}
	sort.SliceStable(creds, func(i, j int) bool { return len(creds[i]) > len(creds[j]) })
	for _, c := range creds {
		if strings.Contains(text, c) {
			text = strings.ReplaceAll(text, c, a.tokenFor(kindCredential, c))
		}
	}

	text = a.replacePattern(text, tokenPattern, kindToken)
	text = a.replacePattern(text, emailPattern, kindEmail)
	text = a.replacePattern(text, ipv4Pattern, kindIP)
	return text
}

// deanonymize reverses the substitution in a single pass, so a restored
// value that itself looks like a token is never replaced again.
func deanonymize(text string, mapping AnonymizeMap) string {
	if len(mapping) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if original, ok := mapping[tok]; ok {
			return original
		}
		return tok
	})
}
