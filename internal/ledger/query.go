package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Filter narrows a run query. Zero values match everything.
type Filter struct {
	Status RunStatus
	Name   string
	Tenant string
	Since  time.Time
	Limit  int
}

// Stats aggregates the ledger over a trailing window.
type Stats struct {
	WindowDays     int              `json:"window_days"`
	CountsByStatus map[string]int64 `json:"counts_by_status"`
	InputTokens    int64            `json:"input_tokens"`
	OutputTokens   int64            `json:"output_tokens"`
	CostUSD        float64          `json:"cost_usd"`
	AvgEvalScore   *float64         `json:"avg_eval_score,omitempty"`
	TopKinds       []KindCount      `json:"top_kinds"`
}

// KindCount is one entry of Stats.TopKinds.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

// CostWindow is a tenant's committed spend over a trailing window.
type CostWindow struct {
	TenantID     string  `json:"tenant_id"`
	WindowDays   int     `json:"window_days"`
	RunCount     int64   `json:"run_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

const runColumns = `id, tenant_id, kind, name, version, status, started_at, ended_at,
	duration_ms, input_tokens, output_tokens, cost_usd, model, tags,
	error_kind, error_message, eval_score, eval_passed`

// Query returns runs matching the filter, newest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]RunRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	} else if f.Limit > 1000 {
		f.Limit = 1000
	}
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Tenant != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.Tenant)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UTC())
	}
	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ?;"
	args = append(args, f.Limit)

	var out []RunRecord
	err := l.store.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query runs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return fmt.Errorf("scan run: %w", err)
			}
			out = append(out, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecentFailures returns failed runs from the trailing hours, newest first.
func (l *Ledger) RecentFailures(ctx context.Context, hours int) ([]RunRecord, error) {
	if hours <= 0 {
		hours = 24
	}
	return l.Query(ctx, Filter{
		Status: StatusFailed,
		Since:  time.Now().UTC().Add(-time.Duration(hours) * time.Hour),
	})
}

// AggregateStats computes ledger-wide statistics over a trailing window.
func (l *Ledger) AggregateStats(ctx context.Context, windowDays int) (Stats, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	stats := Stats{
		WindowDays:     windowDays,
		CountsByStatus: make(map[string]int64),
	}

	err := l.store.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT status, COUNT(1) FROM runs
			WHERE started_at >= ?
			GROUP BY status;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("query status counts: %w", err)
		}
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return fmt.Errorf("scan status count: %w", err)
			}
			stats.CountsByStatus[status] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		var avgEval sql.NullFloat64
		if err := conn.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
				COALESCE(SUM(cost_usd), 0.0), AVG(eval_score)
			FROM runs WHERE started_at >= ?;
		`, cutoff).Scan(&stats.InputTokens, &stats.OutputTokens, &stats.CostUSD, &avgEval); err != nil {
			return fmt.Errorf("query totals: %w", err)
		}
		if avgEval.Valid {
			v := avgEval.Float64
			stats.AvgEvalScore = &v
		}

		rows, err = conn.QueryContext(ctx, `
			SELECT kind, COUNT(1) AS n FROM runs
			WHERE started_at >= ? AND kind != ''
			GROUP BY kind
			ORDER BY n DESC, kind ASC
			LIMIT 5;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("query top kinds: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var kc KindCount
			if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
				return fmt.Errorf("scan top kind: %w", err)
			}
			stats.TopKinds = append(stats.TopKinds, kc)
		}
		return rows.Err()
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// TenantCostWindow returns the tenant's committed spend over the trailing
// window. This is the figure the budget accountant adds in-flight
// reservations on top of.
func (l *Ledger) TenantCostWindow(ctx context.Context, tenant string, windowDays int) (CostWindow, error) {
	if windowDays <= 0 {
		windowDays = 1
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	cw := CostWindow{TenantID: tenant, WindowDays: windowDays}
	err := l.store.WithConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `
			SELECT COUNT(1), COALESCE(SUM(input_tokens), 0),
				COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0.0)
			FROM runs
			WHERE tenant_id = ? AND started_at >= ?;
		`, tenant, cutoff).Scan(&cw.RunCount, &cw.InputTokens, &cw.OutputTokens, &cw.CostUSD)
	})
	if err != nil {
		return CostWindow{}, fmt.Errorf("tenant cost window: %w", err)
	}
	return cw, nil
}

// Steps returns a run's step records in sequence order.
func (l *Ledger) Steps(ctx context.Context, runID string) ([]StepRecord, error) {
	var out []StepRecord
	err := l.store.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT run_id, seq, name, duration_ms, input_tokens, output_tokens
			FROM run_steps WHERE run_id = ? ORDER BY seq ASC;
		`, runID)
		if err != nil {
			return fmt.Errorf("query steps: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var s StepRecord
			if err := rows.Scan(&s.RunID, &s.Seq, &s.Name, &s.DurationMS, &s.InputTokens, &s.OutputTokens); err != nil {
				return fmt.Errorf("scan step: %w", err)
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ToolCalls returns a run's tool-call records in sequence order.
func (l *Ledger) ToolCalls(ctx context.Context, runID string) ([]ToolCallRecord, error) {
	var out []ToolCallRecord
	err := l.store.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT run_id, seq, tool, duration_ms, ok, COALESCE(error_message, '')
			FROM run_tool_calls WHERE run_id = ? ORDER BY seq ASC;
		`, runID)
		if err != nil {
			return fmt.Errorf("query tool calls: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var tc ToolCallRecord
			if err := rows.Scan(&tc.RunID, &tc.Seq, &tc.Tool, &tc.DurationMS, &tc.OK, &tc.ErrorMessage); err != nil {
				return fmt.Errorf("scan tool call: %w", err)
			}
			out = append(out, tc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanRun(rows *sql.Rows) (RunRecord, error) {
	var run RunRecord
	var status, tags string
	var endedAt sql.NullTime
	var errorKind, errorMessage sql.NullString
	var evalScore sql.NullFloat64
	var evalPassed sql.NullBool
	if err := rows.Scan(
		&run.ID, &run.TenantID, &run.Kind, &run.Name, &run.Version, &status,
		&run.StartedAt, &endedAt, &run.DurationMS,
		&run.InputTokens, &run.OutputTokens, &run.CostUSD, &run.Model, &tags,
		&errorKind, &errorMessage, &evalScore, &evalPassed,
	); err != nil {
		return RunRecord{}, err
	}
	run.Status = RunStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	if errorKind.Valid {
		run.ErrorKind = errorKind.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	if evalScore.Valid {
		v := evalScore.Float64
		run.EvalScore = &v
	}
	if evalPassed.Valid {
		v := evalPassed.Bool
		run.EvalPassed = &v
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &run.Tags); err != nil {
			return RunRecord{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return run, nil
}
