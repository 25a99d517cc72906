package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/skillmeter/internal/ledger"
)

func runRunsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("skillmeter runs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	status := fs.String("status", "", "filter by status (success, failed, review)")
	name := fs.String("name", "", "filter by skill name")
	tenant := fs.String("tenant", "", "filter by tenant")
	sinceHours := fs.Int("since", 0, "only runs started in the trailing hours")
	limit := fs.Int("limit", 20, "maximum rows")
	asJSON := fs.Bool("json", false, "emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: skillmeter runs [-status S] [-name N] [-tenant T] [-since H] [-limit N] [-json]")
		return 2
	}

	f := ledger.Filter{
		Status: ledger.RunStatus(*status),
		Name:   *name,
		Tenant: *tenant,
		Limit:  *limit,
	}
	if *sinceHours > 0 {
		f.Since = time.Now().UTC().Add(-time.Duration(*sinceHours) * time.Hour)
	}

	acct, _, cleanup, err := openAccounting(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	runs, err := acct.QueryRuns(ctx, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query runs: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	printRunTable(runs)
	return 0
}

func printRunTable(runs []ledger.RunRecord) {
	if len(runs) == 0 {
		fmt.Println(dimStyle.Render("no runs"))
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-12s %-8s %-20s %-12s %10s %9s  %s",
		"STARTED", "STATUS", "NAME", "TENANT", "DURATION", "COST", "ID")))
	for _, r := range runs {
		fmt.Printf("%-12s %-8s %-20s %-12s %9dms %9s  %s\n",
			r.StartedAt.Local().Format("Jan 02 15:04"),
			renderStatus(r.Status),
			truncate(r.Name, 20),
			truncate(r.TenantID, 12),
			r.DurationMS,
			fmt.Sprintf("$%.4f", r.CostUSD),
			r.ID)
	}
}

func renderStatus(s ledger.RunStatus) string {
	switch s {
	case ledger.StatusSuccess:
		return okStyle.Render(string(s))
	case ledger.StatusFailed:
		return errStyle.Render(string(s))
	case ledger.StatusReview:
		return warnStyle.Render(string(s))
	default:
		return string(s)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
