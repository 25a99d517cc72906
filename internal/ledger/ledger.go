// Package ledger provides durable, idempotent recording of skill run
// outcomes (cost, tokens, timing, nested steps and tool calls) and the query
// surface for aggregate statistics. Committed rows here are what the budget
// accountant treats as already-spent money.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/skillmeter/internal/pricing"
	"github.com/basket/skillmeter/internal/store"
)

// RunStatus is the terminal outcome of a skill run.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusReview  RunStatus = "review"
)

// RunRecord is one executed skill/workflow invocation. The caller supplies
// the identifier at run start; re-recording the same identifier overwrites
// rather than duplicates.
type RunRecord struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Kind         string     `json:"kind"`
	Name         string     `json:"name"`
	Version      string     `json:"version,omitempty"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	Model        string     `json:"model,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	EvalScore    *float64   `json:"eval_score,omitempty"`
	EvalPassed   *bool      `json:"eval_passed,omitempty"`
}

// StepRecord captures one sub-unit of a run. Written only alongside its
// parent run and never mutated afterward.
type StepRecord struct {
	RunID        string `json:"run_id"`
	Seq          int    `json:"seq"`
	Name         string `json:"name"`
	DurationMS   int64  `json:"duration_ms"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// ToolCallRecord captures one tool invocation within a run.
type ToolCallRecord struct {
	RunID        string `json:"run_id"`
	Seq          int    `json:"seq"`
	Tool         string `json:"tool"`
	DurationMS   int64  `json:"duration_ms"`
	OK           bool   `json:"ok"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Schema returns the ledger's table set. Safe to apply concurrently; the
// store runs it inside one exclusive transaction.
func Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('success', 'failed', 'review')),
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0.0,
			model TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			error_kind TEXT,
			error_message TEXT,
			eval_score REAL,
			eval_passed INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			seq INTEGER NOT NULL CHECK(seq >= 0),
			name TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS run_tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			seq INTEGER NOT NULL CHECK(seq >= 0),
			tool TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			ok INTEGER NOT NULL DEFAULT 1,
			error_message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant_started ON runs(tenant_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_started ON runs(status, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_run_tool_calls_run ON run_tool_calls(run_id, seq);`,
	}
}

// Ledger is the run recording and query surface over one store.
type Ledger struct {
	store        *store.Store
	logger       *slog.Logger
	artifactsDir string // empty disables snapshot export
}

// New creates a Ledger. artifactsDir may be empty to disable the per-run
// snapshot export.
func New(st *store.Store, logger *slog.Logger, artifactsDir string) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, logger: logger, artifactsDir: artifactsDir}
}

func validStatus(s RunStatus) bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusReview:
		return true
	}
	return false
}

// Record writes the run and its child records in one exclusive transaction:
// a reader never observes a run with a subset of its steps. Re-submitting a
// run identifier replaces the previous row and its children wholesale.
//
// A zero CostUSD with token counts present is derived from the model's
// pricing before the write. The post-commit snapshot export is best-effort
// and never fails the record.
func (l *Ledger) Record(ctx context.Context, run RunRecord, steps []StepRecord, toolCalls []ToolCallRecord) error {
	if run.ID == "" {
		return fmt.Errorf("ledger: run id is required")
	}
	if run.TenantID == "" {
		return fmt.Errorf("ledger: tenant id is required")
	}
	if !validStatus(run.Status) {
		return fmt.Errorf("ledger: invalid status %q", run.Status)
	}
	if run.CostUSD == 0 && run.Model != "" {
		run.CostUSD = pricing.EstimateCost(run.Model, run.InputTokens, run.OutputTokens)
	}
	if run.Tags == nil {
		run.Tags = []string{}
	}
	tags, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("ledger: marshal tags: %w", err)
	}

	startedAt := run.StartedAt.UTC()
	var endedAt any
	if run.EndedAt != nil {
		endedAt = run.EndedAt.UTC()
	}

	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (
				id, tenant_id, kind, name, version, status,
				started_at, ended_at, duration_ms,
				input_tokens, output_tokens, cost_usd, model, tags,
				error_kind, error_message, eval_score, eval_passed, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				kind = excluded.kind,
				name = excluded.name,
				version = excluded.version,
				status = excluded.status,
				started_at = excluded.started_at,
				ended_at = excluded.ended_at,
				duration_ms = excluded.duration_ms,
				input_tokens = excluded.input_tokens,
				output_tokens = excluded.output_tokens,
				cost_usd = excluded.cost_usd,
				model = excluded.model,
				tags = excluded.tags,
				error_kind = excluded.error_kind,
				error_message = excluded.error_message,
				eval_score = excluded.eval_score,
				eval_passed = excluded.eval_passed,
				updated_at = CURRENT_TIMESTAMP;
		`,
			run.ID, run.TenantID, run.Kind, run.Name, run.Version, string(run.Status),
			startedAt, endedAt, run.DurationMS,
			run.InputTokens, run.OutputTokens, run.CostUSD, run.Model, string(tags),
			nullString(run.ErrorKind), nullString(run.ErrorMessage),
			nullFloat(run.EvalScore), nullBool(run.EvalPassed),
		); err != nil {
			return fmt.Errorf("upsert run: %w", err)
		}

		// Re-records replace the children wholesale.
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id = ?;`, run.ID); err != nil {
			return fmt.Errorf("clear run steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_tool_calls WHERE run_id = ?;`, run.ID); err != nil {
			return fmt.Errorf("clear tool calls: %w", err)
		}

		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_steps (run_id, seq, name, duration_ms, input_tokens, output_tokens)
				VALUES (?, ?, ?, ?, ?, ?);
			`, run.ID, step.Seq, step.Name, step.DurationMS, step.InputTokens, step.OutputTokens); err != nil {
				return fmt.Errorf("insert step %d: %w", step.Seq, err)
			}
		}
		for _, call := range toolCalls {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_tool_calls (run_id, seq, tool, duration_ms, ok, error_message)
				VALUES (?, ?, ?, ?, ?, ?);
			`, run.ID, call.Seq, call.Tool, call.DurationMS, call.OK, nullString(call.ErrorMessage)); err != nil {
				return fmt.Errorf("insert tool call %d: %w", call.Seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if l.artifactsDir != "" {
		if err := l.writeSnapshot(run, steps, toolCalls); err != nil {
			l.logger.Warn("ledger: run snapshot export failed",
				"run_id", run.ID, "error", err)
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
