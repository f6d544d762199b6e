package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"funding_arb/internal/bootstrap"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile    = flag.String("env", ".env", "Path to .env file with credentials")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [run|close]\n\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "  run    poll both venues, alert and trade per configuration (default)")
	fmt.Fprintln(flag.CommandLine.Output(), "  close  close every open position recorded in the trade log and exit")
	fmt.Fprintln(flag.CommandLine.Output())
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	code := 0
	switch cmd := flag.Arg(0); cmd {
	case "", "run":
		if err := app.Run(app.Runners()...); err != nil {
			code = 1
		}
	case "close":
		if err := closeAll(app); err != nil {
			app.Logger.Error("Close all failed", "error", err)
			code = 1
		}
	default:
		usage()
		code = 2
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	app.Close(shutdownCtx)
	cancel()
	os.Exit(code)
}

func closeAll(app *bootstrap.App) error {
	if !app.Cfg.App.EnableTrading {
		return fmt.Errorf("trading is disabled; set app.enable_trading to close positions")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	results, err := app.Orchestrator.CloseAll(ctx, "manual")
	for _, res := range results {
		app.Logger.Info("Position closed",
			"symbol", res.Position.Symbol,
			"position_id", res.Position.ID,
			"partial", res.Partial,
			"realized_pnl", res.RealizedPnL)
	}
	app.Logger.Info("Close all finished", "closed", len(results), "remaining", len(app.Ledger.OpenPositions()))
	return err
}
