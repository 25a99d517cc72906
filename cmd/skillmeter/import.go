package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/skillmeter/internal/ledger"
)

// importRecord is one JSONL line: a run plus its optional children.
type importRecord struct {
	Run       ledger.RunRecord        `json:"run"`
	Steps     []ledger.StepRecord     `json:"steps,omitempty"`
	ToolCalls []ledger.ToolCallRecord `json:"tool_calls,omitempty"`
}

// decodeImportLine parses one JSONL line, accepting either the wrapped
// {run, steps, tool_calls} form or a bare run object. A bare run object
// unmarshals into importRecord without error because its top-level keys are
// simply unknown there, so an empty Run after the first pass means the line
// must be retried in the bare form.
func decodeImportLine(line []byte) (importRecord, error) {
	var rec importRecord
	err := json.Unmarshal(line, &rec)
	if err == nil && (rec.Run.ID != "" || rec.Run.TenantID != "") {
		return rec, nil
	}
	var bare ledger.RunRecord
	if err2 := json.Unmarshal(line, &bare); err2 == nil && (bare.ID != "" || bare.TenantID != "") {
		return importRecord{Run: bare}, nil
	}
	if err == nil {
		return rec, nil
	}
	return importRecord{}, err
}

func runImportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("skillmeter import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := fs.String("path", "", "path to a JSONL file of runs (default: stdin)")
	dryRun := fs.Bool("dry-run", false, "parse and validate without writing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: skillmeter import [-path FILE] [-dry-run]")
		return 2
	}

	var in *os.File
	if *path == "" || *path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	acct, _, cleanup, err := openAccounting(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	imported := 0
	skipped := 0
	lineNo := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := decodeImportLine([]byte(line))
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
			skipped++
			continue
		}
		if rec.Run.ID == "" {
			rec.Run.ID = uuid.NewString()
		}
		if rec.Run.StartedAt.IsZero() {
			rec.Run.StartedAt = time.Now().UTC()
		}

		if *dryRun {
			imported++
			continue
		}
		if err := acct.RecordRun(ctx, rec.Run, rec.Steps, rec.ToolCalls); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: record: %v\n", lineNo, err)
			skipped++
			continue
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		return 1
	}

	verb := "imported"
	if *dryRun {
		verb = "validated"
	}
	fmt.Printf("%s %d runs", verb, imported)
	if skipped > 0 {
		fmt.Printf(", skipped %d", skipped)
	}
	fmt.Println()
	if skipped > 0 {
		return 1
	}
	return 0
}
