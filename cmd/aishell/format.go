package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"aishell/internal/fault"
)

// resultSet is the format-independent shape every command renders.
type resultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	// Summary is a one-line trailer for text output (row counts,
	// durations). Other formats omit it.
	Summary string `json:"-"`
}

// render writes a result set in the selected format, to --output when
// set and stdout otherwise.
func render(rs resultSet) error {
	out := io.Writer(os.Stdout)
	if flagOutput != "" {
		f, err := os.Create(flagOutput)
		if err != nil {
			return fault.Wrap(fault.KindInvalidInput, err, "opening output file")
		}
		defer f.Close()
		out = f
	}

	return renderTo(out, cfg.OutputFormat, rs)
}

func renderTo(out io.Writer, format string, rs resultSet) error {
	switch format {
	case "json":
		return renderJSON(out, rs)
	case "csv":
		return renderCSV(out, rs)
	case "table":
		return renderTable(out, rs)
	default:
		return renderText(out, rs)
	}
}

func renderJSON(out io.Writer, rs resultSet) error {
	docs := make([]map[string]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		doc := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row) {
				doc[col] = row[i]
			}
		}
		docs = append(docs, doc)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(docs)
}

func renderCSV(out io.Writer, rs resultSet) error {
	w := csv.NewWriter(out)
	if err := w.Write(rs.Columns); err != nil {
		return err
	}
	for _, row := range rs.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = cellString(v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func renderText(out io.Writer, rs resultSet) error {
	for _, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = cellString(v)
		}
		fmt.Fprintln(out, strings.Join(cells, "\t"))
	}
	if rs.Summary != "" {
		fmt.Fprintln(out, rs.Summary)
	}
	return nil
}

func renderTable(out io.Writer, rs resultSet) error {
	widths := make([]int, len(rs.Columns))
	for i, col := range rs.Columns {
		widths[i] = len(col)
	}
	cells := make([][]string, len(rs.Rows))
	for r, row := range rs.Rows {
		cells[r] = make([]string, len(rs.Columns))
		for i := range rs.Columns {
			if i < len(row) {
				cells[r][i] = cellString(row[i])
			}
			if len(cells[r][i]) > widths[i] {
				widths[i] = len(cells[r][i])
			}
		}
	}

	writeRow := func(cols []string) {
		parts := make([]string, len(cols))
		for i, c := range cols {
			parts[i] = fmt.Sprintf("%-*s", widths[i], c)
		}
		fmt.Fprintln(out, "| "+strings.Join(parts, " | ")+" |")
	}
	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}

	writeRow(rs.Columns)
	fmt.Fprintln(out, "|-"+strings.Join(rule, "-|-")+"-|")
	for _, row := range cells {
		writeRow(row)
	}
	if rs.Summary != "" {
		fmt.Fprintln(out, rs.Summary)
	}
	return nil
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
