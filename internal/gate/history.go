package gate

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"aishell/internal/fault"
	"aishell/internal/risk"
)

// QueryRecord is one executed statement as persisted. The SQL is always
// the redacted form; the raw text never touches disk.
type QueryRecord struct {
	ID          int64
	SQLRedacted string
	Connection  string
	StartedAt   time.Time
	Duration    time.Duration
	RowCount    int64
	RiskLevel   risk.Level
	Error       string
}

const historySchema = `
CREATE TABLE IF NOT EXISTS query_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	sql_redacted TEXT    NOT NULL,
	connection   TEXT    NOT NULL,
	started_at   INTEGER NOT NULL,
	duration_us  INTEGER NOT NULL,
	row_count    INTEGER NOT NULL,
	risk_level   TEXT    NOT NULL,
	error        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_query_history_started
	ON query_history (started_at DESC);
`

// HistoryStore persists query records to a per-user sqlite file.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens or creates the history database. The file and its
// directory are owner-only.
func OpenHistory(path string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "creating history directory")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "opening history database")
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.KindUnavailable, err, "initialising history schema")
	}
	_ = os.Chmod(path, 0o600)
	return &HistoryStore{db: db}, nil
}

// Append writes one immutable record.
func (h *HistoryStore) Append(ctx context.Context, rec QueryRecord) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO query_history
			(sql_redacted, connection, started_at, duration_us, row_count, risk_level, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SQLRedacted, rec.Connection, rec.StartedAt.UnixMicro(),
		rec.Duration.Microseconds(), rec.RowCount, rec.RiskLevel.String(), rec.Error)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "appending query record")
	}
	return nil
}

// RecentRecords returns up to n records, newest first.
func (h *HistoryStore) RecentRecords(ctx context.Context, n int) ([]QueryRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, sql_redacted, connection, started_at, duration_us, row_count, risk_level, error
		FROM query_history ORDER BY started_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "reading query history")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]QueryRecord, error) {
	var out []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		var started, durationUS int64
		var level string
		if err := rows.Scan(&rec.ID, &rec.SQLRedacted, &rec.Connection,
			&started, &durationUS, &rec.RowCount, &level, &rec.Error); err != nil {
			return nil, fault.Wrap(fault.KindUnavailable, err, "scanning query record")
		}
		rec.StartedAt = time.UnixMicro(started)
		rec.Duration = time.Duration(durationUS) * time.Microsecond
		if l, ok := risk.ParseLevel(level); ok {
			rec.RiskLevel = l
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SlowestRecords returns up to n successful records ordered by duration,
// slowest first.
func (h *HistoryStore) SlowestRecords(ctx context.Context, n int) ([]QueryRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, sql_redacted, connection, started_at, duration_us, row_count, risk_level, error
		FROM query_history WHERE error = ''
		ORDER BY duration_us DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "reading slow queries")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the redacted SQL of the newest n records. It satisfies
// the enrichment pipeline's history source; failures surface as an
// empty slice there.
func (h *HistoryStore) Recent(n int) []string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	recs, err := h.RecentRecords(ctx, n)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.SQLRedacted)
	}
	return out
}

func (h *HistoryStore) Close() error {
	return h.db.Close()
}
