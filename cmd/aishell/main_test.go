package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aishell/internal/db"
	"aishell/internal/fault"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", fault.New(fault.KindInvalidInput, "bad"), exitInvalidArgs},
		{"permission denied", fault.New(fault.KindPermissionDenied, "no"), exitPermissionDenied},
		{"risk rejected", fault.New(fault.KindRiskRejected, "critical"), exitCancelled},
		{"cancelled", fault.New(fault.KindCancelled, "ctrl-c"), exitCancelled},
		{"plain error", errors.New("boom"), exitGeneral},
		{"connection wrapper", connectionError(fault.New(fault.KindUnavailable, "refused")), exitConnectionError},
		{"query wrapper", queryError(fault.New(fault.KindUnavailable, "syntax")), exitQueryError},
		{"risk inside query wrapper", queryError(fault.New(fault.KindRiskRejected, "declined")), exitCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codeFor(tt.err))
		})
	}
}

func TestValidFormat(t *testing.T) {
	for _, format := range []string{"text", "json", "table", "csv"} {
		assert.NoError(t, validFormat(format))
	}
	err := validFormat("xml")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}

func TestExplainStatementPerEngine(t *testing.T) {
	stmt, err := explainStatement(db.KindPostgres, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "EXPLAIN SELECT 1", stmt)

	stmt, err = explainStatement(db.KindSQLite, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "EXPLAIN QUERY PLAN SELECT 1", stmt)

	_, err = explainStatement(db.KindRedis, "GET x")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}

func TestParseSchema(t *testing.T) {
	schema, err := parseSchema("host=string, port=number")
	require.NoError(t, err)
	assert.Equal(t, "string", schema["host"])
	assert.Equal(t, "number", schema["port"])

	_, err = parseSchema("malformed")
	require.Error(t, err)

	schema, err = parseSchema("")
	require.NoError(t, err)
	assert.Nil(t, schema)
}

func TestConnectionFileRoundTrip(t *testing.T) {
	f := newConnectionFile(filepath.Join(t.TempDir(), "connections.yaml"))

	require.NoError(t, f.add("prod", "postgres://u:p@db:5432/app"))
	require.NoError(t, f.add("local", "sqlite:///tmp/app.db"))

	// First registered connection becomes active.
	assert.Equal(t, "prod", f.activeName())

	require.NoError(t, f.setActive("local"))
	assert.Equal(t, "local", f.activeName())

	saved, active, err := f.list()
	require.NoError(t, err)
	assert.Len(t, saved, 2)
	assert.Equal(t, "local", active)

	err = f.add("prod", "postgres://other")
	require.Error(t, err)
	assert.Equal(t, fault.KindDuplicateName, fault.KindOf(err))

	require.NoError(t, f.remove("local"))
	assert.Empty(t, f.activeName(), "removing the active connection clears it")

	err = f.remove("ghost")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestConnectionFileVaultRefsStayUnresolved(t *testing.T) {
	f := newConnectionFile(filepath.Join(t.TempDir(), "connections.yaml"))
	dsn := "postgres://admin:$vault.prod-pass@db:5432/app"
	require.NoError(t, f.add("prod", dsn))

	got, err := f.get("prod")
	require.NoError(t, err)
	assert.Equal(t, dsn, got.DSN)
}

func TestIndexListStatementFiltersByTable(t *testing.T) {
	stmt, params, err := indexListStatement(db.KindSQLite, "users")
	require.NoError(t, err)
	assert.Contains(t, stmt, "sqlite_master")
	assert.Equal(t, []any{"users"}, params)

	_, params, err = indexListStatement(db.KindPostgres, "")
	require.NoError(t, err)
	assert.Nil(t, params)

	_, _, err = indexListStatement(db.KindMongo, "")
	require.Error(t, err)
}

func TestCellString(t *testing.T) {
	assert.Equal(t, "NULL", cellString(nil))
	assert.Equal(t, "x", cellString("x"))
	assert.Equal(t, "42", cellString(42))
	assert.Equal(t, "raw", cellString([]byte("raw")))
}
