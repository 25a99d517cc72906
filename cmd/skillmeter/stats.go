package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/skillmeter/internal/ledger"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func runStatsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("skillmeter stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	days := fs.Int("days", 7, "trailing window in days")
	asJSON := fs.Bool("json", false, "emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 || *days <= 0 {
		fmt.Fprintln(os.Stderr, "usage: skillmeter stats [-days N] [-json]")
		return 2
	}

	acct, _, cleanup, err := openAccounting(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	stats, err := acct.AggregateStats(ctx, *days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	printStats(stats)
	return 0
}

func printStats(s ledger.Stats) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("Run statistics (last %d days)", s.WindowDays)))

	total := int64(0)
	for _, n := range s.CountsByStatus {
		total += n
	}
	fmt.Printf("  %s %d\n", dimStyle.Render("runs:"), total)
	fmt.Printf("  %s %s  %s %s  %s %s\n",
		dimStyle.Render("success:"), okStyle.Render(fmt.Sprintf("%d", s.CountsByStatus[string(ledger.StatusSuccess)])),
		dimStyle.Render("failed:"), errStyle.Render(fmt.Sprintf("%d", s.CountsByStatus[string(ledger.StatusFailed)])),
		dimStyle.Render("review:"), warnStyle.Render(fmt.Sprintf("%d", s.CountsByStatus[string(ledger.StatusReview)])))
	fmt.Printf("  %s %d in / %d out\n", dimStyle.Render("tokens:"), s.InputTokens, s.OutputTokens)
	fmt.Printf("  %s $%.4f\n", dimStyle.Render("cost:"), s.CostUSD)
	if s.AvgEvalScore != nil {
		fmt.Printf("  %s %.2f\n", dimStyle.Render("avg eval:"), *s.AvgEvalScore)
	}
	if len(s.TopKinds) > 0 {
		fmt.Println(dimStyle.Render("  top kinds:"))
		for _, kc := range s.TopKinds {
			fmt.Printf("    %-24s %d\n", kc.Kind, kc.Count)
		}
	}
}
