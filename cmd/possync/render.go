package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/possync/internal/mutation"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type recordRow struct {
	ID            int64      `json:"id" yaml:"id"`
	Entity        string     `json:"entity" yaml:"entity"`
	Operation     string     `json:"operation" yaml:"operation"`
	Status        string     `json:"status" yaml:"status"`
	Attempts      int        `json:"attempts" yaml:"attempts"`
	FailureKind   string     `json:"failureKind,omitempty" yaml:"failureKind,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty" yaml:"nextAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

func toRow(rec mutation.Record) recordRow {
	row := recordRow{
		ID:          rec.ID,
		Entity:      rec.Key().String(),
		Operation:   string(rec.Operation),
		Status:      string(rec.Status),
		Attempts:    rec.AttemptCount,
		FailureKind: string(rec.FailureKind),
		LastError:   rec.LastError,
	}
	if !rec.NextAttemptAt.IsZero() && rec.Status == mutation.StatusPending {
		at := rec.NextAttemptAt.UTC()
		row.NextAttemptAt = &at
	}
	return row
}

func toRows(recs []mutation.Record) []recordRow {
	rows := make([]recordRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, toRow(rec))
	}
	return rows
}

// render writes v as json or yaml, or calls table for the human format.
func render(w io.Writer, format string, v any, table func(io.Writer, *tablewriter.Table) error) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "", outputTable:
		return table(w, tablewriter.NewWriter(w))
	default:
		return fmt.Errorf("unsupported output format %q (want table, json or yaml)", format)
	}
}

func recordTable(t *tablewriter.Table, rows []recordRow) error {
	t.Header("ID", "ENTITY", "OP", "STATUS", "ATTEMPTS", "NEXT ATTEMPT", "LAST ERROR")
	data := make([][]string, 0, len(rows))
	for _, row := range rows {
		next := "-"
		if row.NextAttemptAt != nil {
			next = row.NextAttemptAt.Format(time.RFC3339)
		}
		data = append(data, []string{
			strconv.FormatInt(row.ID, 10),
			row.Entity,
			row.Operation,
			row.Status,
			strconv.Itoa(row.Attempts),
			next,
			truncate(row.LastError, 60),
		})
	}
	if err := t.Bulk(data); err != nil {
		return err
	}
	return t.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
