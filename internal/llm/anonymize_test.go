package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aishell/internal/config"
)

type staticSensitive []string

func (s staticSensitive) SensitiveValues() []string { return s }

func anonymizeManager(t *testing.T, creds ...string) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		Config:    config.Default().LLM,
		Sensitive: staticSensitive(creds),
	})
	require.NoError(t, err)
	return m
}

func TestAnonymizeEmail(t *testing.T) {
	m := anonymizeManager(t)

	out, mapping := m.Anonymize("contact alice@example.com about the outage")
	assert.Equal(t, "contact <EMAIL_1> about the outage", out)
	assert.Equal(t, "alice@example.com", mapping["<EMAIL_1>"])
}

func TestAnonymizeIPv4(t *testing.T) {
	m := anonymizeManager(t)

	out, mapping := m.Anonymize("host 10.0.12.7 is unreachable")
	assert.Equal(t, "host <IP_1> is unreachable", out)
	assert.Equal(t, "10.0.12.7", mapping["<IP_1>"])
}

func TestAnonymizeBearerToken(t *testing.T) {
	m := anonymizeManager(t)

	out, mapping := m.Anonymize("auth header Bearer abcDEF123456789xyz failed")
	assert.Contains(t, out, "<TOKEN_1>")
	assert.NotContains(t, out, "abcDEF123456789xyz")
	require.Len(t, mapping, 1)
}

func TestAnonymizeVaultCredential(t *testing.T) {
	m := anonymizeManager(t, "hunter2-prod-password")

	out, mapping := m.Anonymize("connect with hunter2-prod-password now")
	assert.Equal(t, "connect with <CREDENTIAL_1> now", out)
	assert.Equal(t, "hunter2-prod-password", mapping["<CREDENTIAL_1>"])
}

func TestAnonymizeRepeatedValueSameToken(t *testing.T) {
	m := anonymizeManager(t)

	out, mapping := m.Anonymize("alice@example.com emailed alice@example.com")
	assert.Equal(t, "<EMAIL_1> emailed <EMAIL_1>", out)
	assert.Len(t, mapping, 1)
}

func TestAnonymizeRoundTripLossless(t *testing.T) {
	m := anonymizeManager(t, "s3cret-value")

	inputs := []string{
		"",
		"nothing sensitive here",
		"mail bob@corp.io from 192.168.1.1 with s3cret-value and Bearer tokenTOKENtoken99",
		"two mails: a@b.co and c@d.io, twice a@b.co",
		"s3cret-value at start and end s3cret-value",
	}
	for _, in := range inputs {
		anon, mapping := m.Anonymize(in)
		assert.Equal(t, in, m.Deanonymize(anon, mapping), "round trip for %q", in)
	}
}

func TestAnonymizePreexistingTokenShapesStayLossless(t *testing.T) {
	m := anonymizeManager(t)

	in := "reply quoting <EMAIL_1> verbatim, plus bob@corp.io"
	anon, mapping := m.Anonymize(in)
	assert.NotContains(t, anon, "bob@corp.io")
	assert.Equal(t, in, m.Deanonymize(anon, mapping))
}

func TestDeanonymizeDoesNotRescanRestoredText(t *testing.T) {
	// A restored value that looks like another token must survive.
	mapping := AnonymizeMap{
		"<TOKEN_1>": "<EMAIL_1>",
		"<EMAIL_1>": "real@x.io",
	}
	out := deanonymize("<TOKEN_1> and <EMAIL_1>", mapping)
	assert.Equal(t, "<EMAIL_1> and real@x.io", out)
}

func TestDeanonymizeTokenNumbersDoNotPrefixClash(t *testing.T) {
	mapping := AnonymizeMap{
		"<EMAIL_1>":  "one@x.io",
		"<EMAIL_10>": "ten@x.io",
	}
	out := deanonymize("<EMAIL_10> then <EMAIL_1>", mapping)
	assert.Equal(t, "ten@x.io then one@x.io", out)
}
