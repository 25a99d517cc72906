package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// snapshot is the denormalized per-run artifact written for human
// inspection. A convenience export, not the source of truth.
type snapshot struct {
	Run       RunRecord        `json:"run"`
	Steps     []StepRecord     `json:"steps,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// writeSnapshot exports one JSON file per run, named by run identifier. The
// write goes through a temp file and rename so a crashed export never leaves
// a half-written artifact.
func (l *Ledger) writeSnapshot(run RunRecord, steps []StepRecord, toolCalls []ToolCallRecord) error {
	// Run ids are caller-supplied; keep them inside the artifacts dir.
	if strings.ContainsAny(run.ID, "/\\") || run.ID == "." || run.ID == ".." {
		return fmt.Errorf("run id %q is not a valid artifact name", run.ID)
	}
	if err := os.MkdirAll(l.artifactsDir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	data, err := json.MarshalIndent(snapshot{Run: run, Steps: steps, ToolCalls: toolCalls}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	final := filepath.Join(l.artifactsDir, run.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
