package bootstrap

import (
	"strings"
	"time"

	"funding_arb/internal/alert"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/orchestrator"

	"github.com/shopspring/decimal"
)

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// EvaluatorConfig maps the strategy section and per-venue fees and volume floors
func EvaluatorConfig(cfg *Config) arbitrage.EvaluatorConfig {
	s := cfg.Strategy
	out := arbitrage.EvaluatorConfig{
		TakerFees:           make(map[string]decimal.Decimal, len(cfg.Venues)),
		SlippageBps:         dec(s.SlippageBps),
		MinPriceSpreadPct:   dec(s.MinPriceSpreadPct),
		MinSpreadPerRound:   dec(s.MinSpreadPerRound),
		MinVolume24h:        make(map[string]decimal.Decimal, len(cfg.Venues)),
		DefaultMinVolume24h: dec(s.DefaultMinVolume24h),
		TargetMonthlyReturn: dec(s.TargetMonthlyReturn),
		MaxBreakEvenRounds:  s.MaxBreakEvenRounds,
		RoundsPerMonth:      s.RoundsPerMonth,
		Watchlist:           make(map[string]bool, len(s.Watchlist)),
		Filters: arbitrage.Filters{
			Volume:    s.Filters.Volume,
			Delist:    s.Filters.Delist,
			PriceEdge: s.Filters.PriceEdge,
			MinSpread: s.Filters.MinSpread,
		},
	}
	for name, v := range cfg.Venues {
		out.TakerFees[name] = dec(v.TakerFee)
		if v.MinVolume24h > 0 {
			out.MinVolume24h[name] = dec(v.MinVolume24h)
		}
	}
	for _, sym := range s.Watchlist {
		out.Watchlist[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	return out
}

// ExecutionConfig maps the execution section onto the sequencer
func ExecutionConfig(cfg *Config) execution.Config {
	e := cfg.Execution
	leverage := make(map[string]int, len(cfg.Venues))
	for name, v := range cfg.Venues {
		if v.Leverage > 0 {
			leverage[name] = v.Leverage
		}
	}
	return execution.Config{
		NotionalPerLeg: dec(e.NotionalPerLeg),
		SlippageBps:    dec(cfg.Strategy.SlippageBps),
		LegOrder:       execution.LegOrder(e.LegOrder),
		OrderTimeout:   seconds(e.OrderTimeoutSeconds),
		OrderRetries:   e.OrderRetries,
		RetryBackoff:   500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		LegRiskRetries: e.LegRisk.MaxRetries,
		Fallback:       execution.Fallback(e.LegRisk.Fallback),
		CloseRetries:   e.CloseRetries,
		Leverage:       leverage,
	}
}

// OrchestratorConfig maps the app, execution and auto-close sections
func OrchestratorConfig(cfg *Config) orchestrator.Config {
	interval := seconds(cfg.App.PollIntervalSeconds)
	return orchestrator.Config{
		PollInterval:     interval,
		CycleTimeout:     interval,
		EnableTrading:    cfg.App.EnableTrading,
		MaxOpenPositions: cfg.Execution.MaxOpenPositions,
		AutoCloseEnabled: cfg.AutoClose.Enabled,
		AutoClose: arbitrage.AutoCloseConfig{
			ReturnPct:       dec(cfg.AutoClose.ReturnPct),
			SideDrawdownPct: dec(cfg.AutoClose.SideDrawdownPct),
		},
		Reconcile:     cfg.App.EnableTrading,
		UnwindLegRisk: cfg.Execution.LegRisk.Fallback != string(execution.FallbackHold),
	}
}

// AlertChannels returns a channel for every configured destination
func AlertChannels(cfg *Config) []alert.AlertChannel {
	a := cfg.Alerts
	var out []alert.AlertChannel
	if a.TelegramBotToken != "" && a.TelegramChatID != "" {
		out = append(out, alert.NewTelegramChannel(a.TelegramBotToken.Reveal(), a.TelegramChatID))
	}
	if a.SlackWebhookURL != "" {
		out = append(out, alert.NewSlackChannel(a.SlackWebhookURL.Reveal()))
	}
	if a.DiscordWebhookURL != "" {
		out = append(out, alert.NewDiscordChannel(a.DiscordWebhookURL.Reveal()))
	}
	return out
}
