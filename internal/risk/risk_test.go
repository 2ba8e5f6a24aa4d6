package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeRuleTable(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		level   Level
		ops     []string
		warning string
	}{
		{
			name:    "drop table is critical",
			sql:     "DROP TABLE users",
			level:   Critical,
			ops:     []string{"DROP TABLE"},
			warning: "permanent data loss",
		},
		{
			name:    "drop database is critical",
			sql:     "drop database staging",
			level:   Critical,
			ops:     []string{"DROP DATABASE"},
			warning: "permanent data loss",
		},
		{
			name:    "drop table if exists still critical",
			sql:     "DROP TABLE IF EXISTS audit_log",
			level:   Critical,
			ops:     []string{"DROP TABLE"},
			warning: "permanent data loss",
		},
		{
			name:    "truncate is critical",
			sql:     "TRUNCATE audit_log",
			level:   Critical,
			ops:     []string{"TRUNCATE"},
			warning: "permanent data loss",
		},
		{
			name:    "delete without where is high",
			sql:     "DELETE FROM sessions",
			level:   High,
			ops:     []string{"DELETE"},
			warning: "no WHERE clause",
		},
		{
			name:    "update without where is high",
			sql:     "UPDATE users SET active = false",
			level:   High,
			ops:     []string{"UPDATE"},
			warning: "no WHERE clause",
		},
		{
			name:  "delete with where is medium",
			sql:   "DELETE FROM sessions WHERE expires_at < now()",
			level: Medium,
			ops:   []string{"DELETE"},
		},
		{
			name:  "insert is medium",
			sql:   "INSERT INTO users (name) VALUES ('ann')",
			level: Medium,
			ops:   []string{"INSERT"},
		},
		{
			name:  "alter is medium",
			sql:   "ALTER TABLE users ADD COLUMN age int",
			level: Medium,
			ops:   []string{"ALTER"},
		},
		{
			name:  "select is low",
			sql:   "SELECT * FROM users WHERE id = $1",
			level: Low,
			ops:   []string{"SELECT"},
		},
		{
			name:  "explain is low",
			sql:   "EXPLAIN SELECT count(*) FROM users",
			level: Low,
			ops:   []string{"EXPLAIN"},
		},
		{
			name:  "show is low",
			sql:   "SHOW TABLES",
			level: Low,
			ops:   []string{"SHOW"},
		},
	}

	a := NewAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Analyze(tt.sql)
			assert.Equal(t, tt.level, got.Level)
			assert.Equal(t, tt.ops, got.Operations)
			if tt.warning != "" {
				require.NotEmpty(t, got.Warnings)
				assert.Contains(t, got.Warnings[0], tt.warning)
			} else {
				assert.Empty(t, got.Warnings)
			}
		})
	}
}

func TestKeywordsInsideLiteralsDoNotCount(t *testing.T) {
	a := NewAnalyzer()

	got := a.Analyze("SELECT 'DROP TABLE users' AS note FROM docs")
	assert.Equal(t, Low, got.Level)

	got = a.Analyze("SELECT * FROM t -- DROP TABLE users\nWHERE id = 1")
	assert.Equal(t, Low, got.Level)

	got = a.Analyze("SELECT * /* TRUNCATE everything */ FROM t")
	assert.Equal(t, Low, got.Level)
}

func TestWhereInsideStringIsNotAWhereClause(t *testing.T) {
	a := NewAnalyzer()
	got := a.Analyze("DELETE FROM notes WHERE body = 'keep'")
	assert.Equal(t, Medium, got.Level)

	// The WHERE only exists inside the literal here.
	got = a.Analyze("UPDATE notes SET body = 'WHERE clause docs'")
	assert.Equal(t, High, got.Level)
}

func TestMultiStatementTakesMaximum(t *testing.T) {
	a := NewAnalyzer()
	got := a.Analyze("SELECT 1; DELETE FROM t WHERE id = 1; DROP TABLE t;")

	assert.Equal(t, Critical, got.Level)
	assert.Equal(t, []string{"SELECT", "DELETE", "DROP TABLE"}, got.Operations)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "permanent data loss")
}

func TestWritingCTEIsNotLow(t *testing.T) {
	a := NewAnalyzer()
	got := a.Analyze("WITH gone AS (DELETE FROM t WHERE old RETURNING id) SELECT * FROM gone")
	assert.Equal(t, Medium, got.Level)
}

func TestEmptyAndCommentOnlyInput(t *testing.T) {
	a := NewAnalyzer()

	got := a.Analyze("")
	assert.Equal(t, Low, got.Level)
	assert.Empty(t, got.Operations)

	got = a.Analyze("-- nothing to see\n/* really */")
	assert.Equal(t, Low, got.Level)
	assert.Empty(t, got.Operations)
}

func TestUnknownStatementDefaultsToMedium(t *testing.T) {
	a := NewAnalyzer()
	got := a.Analyze("VACUUM FULL users")
	assert.Equal(t, Medium, got.Level)
}

func TestEstimatorAttachedForWrites(t *testing.T) {
	a := NewAnalyzer().WithEstimator(func(string) (int64, bool) { return 42, true })

	got := a.Analyze("DELETE FROM t WHERE id < 100")
	require.NotNil(t, got.AffectedRowsEstimate)
	assert.Equal(t, int64(42), *got.AffectedRowsEstimate)

	// Reads never consult the estimator.
	got = a.Analyze("SELECT * FROM t")
	assert.Nil(t, got.AffectedRowsEstimate)
}

func TestRequiresConfirmation(t *testing.T) {
	assert.False(t, RequiresConfirmation(Low))
	assert.False(t, RequiresConfirmation(Medium))
	assert.True(t, RequiresConfirmation(High))
	assert.True(t, RequiresConfirmation(Critical))
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, l := range []Level{Low, Medium, High, Critical} {
		back, ok := ParseLevel(l.String())
		require.True(t, ok)
		assert.Equal(t, l, back)
	}
	_, ok := ParseLevel("apocalyptic")
	assert.False(t, ok)
}
