package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"aishell/internal/fault"
)

// sqlRaw adapts one database/sql handle to the Raw contract. Each pooled
// connection owns its own handle capped at a single underlying conn, so
// the aishell pool, not database/sql, decides lifecycle and validation.
type sqlRaw struct {
	db *sql.DB
}

// sqlFactory builds a Factory for the database/sql engines.
func sqlFactory(cs ConnString) (Factory, error) {
	driver, dsn, err := sqlDriverDSN(cs)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (Raw, error) {
		handle, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fault.Wrap(fault.KindUnavailable, err, "opening "+driver+" connection")
		}
		handle.SetMaxOpenConns(1)
		handle.SetMaxIdleConns(1)
		handle.SetConnMaxLifetime(time.Hour)
		if err := handle.PingContext(ctx); err != nil {
			_ = handle.Close()
			return nil, fault.Wrap(fault.KindUnavailable, err, "dialling "+string(cs.Kind))
		}
		return &sqlRaw{db: handle}, nil
	}, nil
}

// sqlDriverDSN maps a parsed connection string to the registered driver
// name and its native DSN form.
func sqlDriverDSN(cs ConnString) (driver, dsn string, err error) {
	switch cs.Kind {
	case KindPostgres:
		u := url.URL{
			Scheme:   "postgres",
			Host:     cs.Address(),
			Path:     "/" + cs.Database,
			RawQuery: cs.Params.Encode(),
		}
		if cs.User != "" {
			if cs.Password != "" {
				u.User = url.UserPassword(cs.User, cs.Password)
			} else {
				u.User = url.User(cs.User)
			}
		}
		if u.RawQuery == "" {
			u.RawQuery = "sslmode=prefer"
		}
		return "postgres", u.String(), nil
	case KindMySQL:
		var b strings.Builder
		if cs.User != "" {
			b.WriteString(cs.User)
			if cs.Password != "" {
				b.WriteString(":")
				b.WriteString(cs.Password)
			}
			b.WriteString("@")
		}
		fmt.Fprintf(&b, "tcp(%s)/%s?parseTime=true", cs.Address(), cs.Database)
		return "mysql", b.String(), nil
	case KindSQLite:
		return "sqlite3", cs.Path, nil
	default:
		return "", "", fault.Errorf(fault.KindInvalidInput, "%s is not a database/sql engine", cs.Kind)
	}
}

// Execute routes reads through Query so column data comes back, and
// everything else through Exec for the affected-row count.
func (r *sqlRaw) Execute(ctx context.Context, stmt string, params []any) (*Result, error) {
	start := time.Now()
	if isReadStatement(stmt) {
		rows, err := r.db.QueryContext(ctx, stmt, params...)
		if err != nil {
			return nil, wrapDriverErr(err)
		}
		defer rows.Close()
		res, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		res.Duration = time.Since(start)
		return res, nil
	}

	exec, err := r.db.ExecContext(ctx, stmt, params...)
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	affected, _ := exec.RowsAffected()
	return &Result{RowsAffected: affected, Duration: time.Since(start)}, nil
}

func (r *sqlRaw) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "ping")
	}
	return nil
}

func (r *sqlRaw) Close() error { return r.db.Close() }

// isReadStatement keys off the leading verb. WITH is treated as a read;
// writing CTEs still execute correctly through Query on the engines that
// support them.
func isReadStatement(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "SHOW", "EXPLAIN", "DESCRIBE", "DESC", "WITH", "PRAGMA", "VALUES":
		return true
	default:
		return false
	}
}

func scanRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapDriverErr(err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDriverErr(err)
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

func wrapDriverErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindTimeout, err, "statement deadline exceeded")
	}
	return fault.Wrap(fault.KindUnavailable, err, "driver error")
}
