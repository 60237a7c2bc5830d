// Package compliance probes a Supabase project for the MFA, RLS and PITR
// controls and assembles the results into a compliance report.
package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/supabase"
)

const maxLoggedQuery = 1000

// Recorder is the evidence sink used by checks and fixes.
type Recorder interface {
	Record(ctx context.Context, action string, status models.EvidenceStatus, details map[string]any, projectRef string) string
}

// ManagementAPI is the part of the Supabase client the checks read from.
type ManagementAPI interface {
	GetAuthConfig(ctx context.Context, credential, projectRef string) (*supabase.AuthConfig, error)
	GetBackups(ctx context.Context, credential, projectRef string) (*supabase.BackupConfig, error)
	RunQuery(ctx context.Context, credential, projectRef, sql string) (supabase.QueryResult, error)
}

// QueryRunner is the part of the Supabase client the executor needs.
type QueryRunner interface {
	RunQuery(ctx context.Context, credential, projectRef, sql string) (supabase.QueryResult, error)
}

type Row map[string]any

// Executor runs single SQL statements against a project and records each
// attempt and its outcome as evidence.
type Executor struct {
	api QueryRunner
	rec Recorder
}

func NewExecutor(api QueryRunner, rec Recorder) *Executor {
	return &Executor{api: api, rec: rec}
}

// Execute runs sql and returns its normalized rows. Failures are recorded
// and returned; the caller decides whether they are fatal.
func (e *Executor) Execute(ctx context.Context, projectRef, credential, sql, label string) ([]Row, error) {
	attemptID := e.rec.Record(ctx, "sql_query_attempt", models.EvidenceInfo, map[string]any{
		"label": label,
		"query": truncate(sql, maxLoggedQuery),
	}, projectRef)

	raw, err := e.api.RunQuery(ctx, credential, projectRef, sql)
	if err != nil {
		e.rec.Record(ctx, "sql_query_failure", models.EvidenceError, map[string]any{
			"label":        label,
			"attemptId":    attemptID,
			"error":        err.Error(),
			"statusCode":   supabase.StatusCode(err),
			"responseBody": supabase.ResponseBody(err),
		}, projectRef)
		return nil, fmt.Errorf("running %s query: %w", label, err)
	}

	rows := NormalizeRows(raw)
	e.rec.Record(ctx, "sql_query_success", models.EvidenceSuccess, map[string]any{
		"label":     label,
		"attemptId": attemptID,
		"rowCount":  len(rows),
	}, projectRef)
	return rows, nil
}

// NormalizeRows accepts the SQL endpoint's payload shapes: a flat array of
// row objects, or an array of result sets which is flattened one level.
// Anything else, and any element that is not an object, yields no rows.
func NormalizeRows(raw []byte) []Row {
	var top []json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return []Row{}
	}

	items := top
	if len(top) > 0 && isArray(top[0]) {
		items = nil
		for _, set := range top {
			var inner []json.RawMessage
			if err := json.Unmarshal(set, &inner); err != nil {
				continue
			}
			items = append(items, inner...)
		}
	}

	rows := make([]Row, 0, len(items))
	for _, item := range items {
		var row Row
		if err := json.Unmarshal(item, &row); err != nil || row == nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool reads a boolean column. Postgres text renderings ("t", "true") are
// accepted as well.
func (r Row) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		return v == "t" || v == "true"
	}
	return false
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
