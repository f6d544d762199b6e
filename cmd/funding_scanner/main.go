// funding_scanner prints one ranked table of funding spreads and exits. It
// never places orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"funding_arb/internal/bootstrap"
	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/snapshot"
	"funding_arb/pkg/concurrency"
	"funding_arb/pkg/logging"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	showAll    = flag.Bool("all", false, "Also list rejected candidates")
	timeout    = flag.Duration("timeout", 30*time.Second, "Overall fetch timeout")
)

func main() {
	flag.Parse()

	logger, _ := logging.NewZapLogger("WARN")

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			logger.Fatal("Failed to load config", "error", err)
		}
	} else {
		logger.Info("Config file not found, using default configuration")
	}
	// market data only
	cfg.App.EnableTrading = false
	cfg.App.PaperTrading = true

	venues := make([]core.IVenue, 0, 2)
	for _, name := range cfg.App.Pair {
		v, err := exchange.NewVenue(name, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to create venue", "venue", name, "error", err)
		}
		venues = append(venues, v)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "ScanPool", MaxWorkers: cfg.Concurrency.FetchWorkers}, logger)
	defer pool.Stop()

	builder := snapshot.NewBuilder(venues[0], venues[1], pool, snapshot.Config{
		Symbols:      cfg.Strategy.Symbols,
		FetchTimeout: time.Duration(cfg.Concurrency.FetchTimeoutSeconds) * time.Second,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	snap, err := builder.Build(ctx)
	if err != nil {
		logger.Fatal("Snapshot failed", "error", err)
	}

	eval := arbitrage.NewEvaluator(bootstrap.EvaluatorConfig(cfg)).Evaluate(snap)
	if err := render(os.Stdout, eval, *showAll); err != nil {
		logger.Fatal("Failed to write table", "error", err)
	}
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	watchlistStyle = cellStyle.Foreground(lipgloss.Color("11"))
	rejectedStyle  = cellStyle.Foreground(lipgloss.Color("8"))
)

var columns = []string{"RANK", "SYMBOL", "LONG", "SHORT", "SPREAD/8H", "NET/ROUND", "MONTHLY", "BREAK-EVEN", "NEXT FUNDING"}

func render(out io.Writer, eval *arbitrage.Evaluation, all bool) error {
	rows := make([][]string, 0, len(eval.Signals)+len(eval.Rejections))
	watch := make(map[int]bool)
	for i, sig := range eval.Signals {
		if sig.WatchlistOverride {
			watch[len(rows)] = true
		}
		rows = append(rows, row(strconv.Itoa(i+1), sig))
	}
	firstRejected := len(rows)
	if all {
		for _, rej := range eval.Rejections {
			rows = append(rows, row("-"+string(rej.Reason), rej.Signal))
		}
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(columns...).
		Rows(rows...).
		StyleFunc(func(r, _ int) lipgloss.Style {
			switch {
			case r == table.HeaderRow:
				return headerStyle
			case r >= firstRejected:
				return rejectedStyle
			case watch[r]:
				return watchlistStyle
			}
			return cellStyle
		})

	_, err := fmt.Fprintf(out, "%s\n\n%d signals, %d rejected, %d skipped\n",
		t.Render(), len(eval.Signals), len(eval.Rejections), len(eval.Skipped))
	return err
}

func row(rank string, sig *core.Signal) []string {
	breakEven := "never"
	if sig.BreakEvenRounds != core.BreakEvenNever {
		breakEven = strconv.Itoa(sig.BreakEvenRounds)
	}
	symbol := sig.Symbol
	if sig.WatchlistOverride {
		symbol += "*"
	}
	next := "-"
	if !sig.NextFundingTime.IsZero() {
		next = time.Until(sig.NextFundingTime).Round(time.Minute).String()
	}
	return []string{
		rank, symbol, sig.PayVenue, sig.ReceiveVenue,
		sig.NormalizedDiffPerRound.Shift(2).StringFixed(4) + "%",
		sig.NetPerRound.Shift(2).StringFixed(4) + "%",
		sig.ProjectedMonthlyReturn.Shift(2).StringFixed(2) + "%",
		breakEven, next,
	}
}
