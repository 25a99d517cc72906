package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

func runFailuresCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("skillmeter failures", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hours := fs.Int("hours", 24, "trailing window in hours")
	asJSON := fs.Bool("json", false, "emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 || *hours <= 0 {
		fmt.Fprintln(os.Stderr, "usage: skillmeter failures [-hours N] [-json]")
		return 2
	}

	acct, _, cleanup, err := openAccounting(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	runs, err := acct.RecentFailures(ctx, *hours)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failures: %v\n", err)
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

	if len(runs) == 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("no failures in the last %d hours", *hours)))
		return 0
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("Failures (last %d hours)", *hours)))
	for _, r := range runs {
		fmt.Printf("%s  %-20s %-12s %s\n",
			r.StartedAt.Local().Format("Jan 02 15:04"),
			truncate(r.Name, 20),
			truncate(r.ErrorKind, 12),
			truncate(r.ErrorMessage, 60))
	}
	return 0
}
