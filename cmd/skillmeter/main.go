package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/skillmeter/internal/accounting"
	"github.com/basket/skillmeter/internal/config"
	otelPkg "github.com/basket/skillmeter/internal/otel"
	"github.com/basket/skillmeter/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s stats [-days N]          Aggregate run statistics over a trailing window
  %s runs [options]           List recorded runs
                              Options: -status, -name, -tenant, -limit, -json
  %s failures [-hours N]      List failed runs from the trailing hours
  %s budget <action>          Manage tenant budgets
                              Actions: get, set, check
  %s sweep                    Expire stale budget reservations now
  %s import [-path FILE]      Import runs from a JSONL file

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SKILLMETER_HOME         Data directory (default: ~/.skillmeter)

EXAMPLES:
  Last week's stats:      %s stats -days 7
  Failures since noon:    %s failures -hours 6
  Set a daily ceiling:    %s budget set -tenant acme -daily 25
  Check before a run:     %s budget check -tenant acme -cost 0.50
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "stats":
		os.Exit(runStatsCommand(ctx, args[1:]))
	case "runs":
		os.Exit(runRunsCommand(ctx, args[1:]))
	case "failures":
		os.Exit(runFailuresCommand(ctx, args[1:]))
	case "budget":
		os.Exit(runBudgetCommand(ctx, args[1:]))
	case "sweep":
		os.Exit(runSweepCommand(ctx, args[1:]))
	case "import":
		os.Exit(runImportCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// openAccounting wires config, logger, and the accounting layer for a
// one-shot CLI invocation. Logs stay file-only when stdout is a terminal
// so command output stays clean.
func openAccounting(ctx context.Context) (*accounting.Accounting, config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("config load: %w", err)
	}

	quiet := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("logger init: %w", err)
	}
	slog.SetDefault(logger)

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		closer.Close()
		return nil, config.Config{}, nil, fmt.Errorf("otel init: %w", err)
	}

	acct, err := accounting.New(ctx, cfg, logger, provider)
	if err != nil {
		_ = provider.Shutdown(ctx)
		closer.Close()
		return nil, config.Config{}, nil, err
	}

	cleanup := func() {
		_ = acct.Close()
		_ = provider.Shutdown(ctx)
		closer.Close()
	}
	return acct, cfg, cleanup, nil
}
