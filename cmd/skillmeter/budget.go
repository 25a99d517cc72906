package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/skillmeter/internal/budget"
)

func runBudgetCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printBudgetUsage()
		return 2
	}
	action := args[0]
	rest := args[1:]

	switch action {
	case "get":
		return runBudgetGet(ctx, rest)
	case "set":
		return runBudgetSet(ctx, rest)
	case "check":
		return runBudgetCheck(ctx, rest)
	case "help", "-h", "--help":
		printBudgetUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown budget action %q\n", action)
		printBudgetUsage()
		return 2
	}
}

func printBudgetUsage() {
	fmt.Fprintln(os.Stderr, `usage: skillmeter budget <action>

Actions:
  get   -tenant T                       Show a tenant's budget configuration
  set   -tenant T [-daily N] [-monthly N] [-per-run N] [-warn-at F] [-block]
                                        Replace a tenant's budget configuration
  check -tenant T [-cost N]             Show projected position for an estimated cost`)
}

func runBudgetGet(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("skillmeter budget get", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenant := fs.String("tenant", "", "tenant id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: skillmeter budget get -tenant T")
		return 2
	}

	acct, _, cleanup, err := openAccounting(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	cfg, err := acct.GetBudget(ctx, *tenant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "budget get: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}

func runBudgetSet(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("skillmeter budget set", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenant := fs.String("tenant", "", "tenant id")
	daily := fs.Float64("daily", 0, "daily ceiling in USD (0 = unlimited)")
	monthly := fs.Float64("monthly", 0, "monthly ceiling in USD (0 = unlimited)")
	perRun := fs.Float64("per-run", 0, "per-run ceiling in USD (0 = unlimited)")
	warnAt := fs.Float64("warn-at", 0.8, "warning threshold as a fraction of the limit")
	block := fs.Bool("block", false, "deny runs once a ceiling is exceeded")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: skillmeter budget set -tenant T [-daily N] [-monthly N] [-per-run N] [-warn-at F] [-block]")
		return 2
	}

	cfg := budget.Config{
		TenantID:        *tenant,
		DailyLimitUSD:   *daily,
		MonthlyLimitUSD: *monthly,
		PerRunLimitUSD:  *perRun,
		WarnAtPercent:   *warnAt,
		BlockOnExceed:   *block,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "budget set: %v\n", err)
		return 2
	}

	acct, _, cleanup, err := openAccounting(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	if err := acct.SetBudget(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "budget set: %v\n", err)
		return 1
	}
	fmt.Printf("budget saved for tenant %q\n", *tenant)
	return 0
}

func runBudgetCheck(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("skillmeter budget check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenant := fs.String("tenant", "", "tenant id")
	cost := fs.Float64("cost", 0, "estimated cost of the next run in USD")
	asJSON := fs.Bool("json", false, "emit JSON instead of a summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *cost < 0 || len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: skillmeter budget check -tenant T [-cost N] [-json]")
		return 2
	}

	acct, _, cleanup, err := openAccounting(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	status, err := acct.CheckBudget(ctx, *tenant, *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "budget check: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		printBudgetStatus(status)
	}
	// Non-zero exit when exceeded so shell pipelines can gate on it.
	if status.State == budget.StateExceeded {
		return 1
	}
	return 0
}

func printBudgetStatus(s budget.Status) {
	state := string(s.State)
	switch s.State {
	case budget.StateOK:
		state = okStyle.Render(state)
	case budget.StateWarning:
		state = warnStyle.Render(state)
	case budget.StateExceeded:
		state = errStyle.Render(state)
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("Budget for %s", s.TenantID)))
	fmt.Printf("  %s %s\n", dimStyle.Render("state:"), state)
	fmt.Printf("  %s $%.4f / %s (%.0f%%)\n", dimStyle.Render("daily:"), s.DailySpentUSD, limitLabel(s.DailyLimitUSD), s.DailyPercent)
	fmt.Printf("  %s $%.4f / %s (%.0f%%)\n", dimStyle.Render("monthly:"), s.MonthlySpentUSD, limitLabel(s.MonthlyLimitUSD), s.MonthlyPercent)
	if s.ReservedUSD > 0 {
		fmt.Printf("  %s $%.4f\n", dimStyle.Render("reserved:"), s.ReservedUSD)
	}
	if s.Message != "" {
		fmt.Printf("  %s\n", s.Message)
	}
}

func limitLabel(limit float64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("$%.2f", limit)
}
