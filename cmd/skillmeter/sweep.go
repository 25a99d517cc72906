package main

import (
	"context"
	"fmt"
	"os"
)

func runSweepCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: skillmeter sweep")
		return 2
	}

	acct, _, cleanup, err := openAccounting(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	swept, err := acct.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	fmt.Printf("expired %d stale reservations\n", swept)
	return 0
}
