package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rebalancer/internal/config"
	"rebalancer/internal/credstore"
	"rebalancer/internal/domain"
	"rebalancer/internal/session"
	"rebalancer/internal/signals"
	"rebalancer/internal/trader"
	"rebalancer/internal/util"
)

func main() {
	portfolioID := flag.String("portfolio", "", "run for a single portfolio id (default: all)")
	signalsPath := flag.String("signals", "", "signal file path (overrides config)")
	force := flag.Bool("force", false, "run even outside market hours")
	flag.Parse()

	cfgPath := "config/rebalancer.yaml"
	if p := os.Getenv("REBALANCER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	cal := util.NewTradingCalendar()
	if !cal.IsMarketOpen(time.Now()) && !*force {
		logger.Info("market closed, skipping run (use -force to override)")
		return
	}

	path := cfg.Signals.Path
	if *signalsPath != "" {
		path = *signalsPath
	}
	actions, err := signals.Load(path)
	if err != nil {
		log.Fatalf("failed to load signals: %v", err)
	}
	logger.Info("loaded signals", "path", path, "count", len(actions))

	store, err := credstore.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open credential store: %v", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessions := session.NewManager(store, cfg, logger)
	t := trader.New(sessions, cfg, logger)

	portfolios, err := resolvePortfolios(ctx, store, *portfolioID)
	if err != nil {
		log.Fatalf("failed to resolve portfolios: %v", err)
	}

	// One portfolio at a time: there is never more than one in-flight
	// brokerage call from this process.
	for _, p := range portfolios {
		summary, err := t.Execute(ctx, p.ID, actions)
		if err != nil {
			logger.Error("execution failed", "portfolio", p.ID, "err", err)
			continue
		}
		printSummary(p, summary)
	}
}

func resolvePortfolios(ctx context.Context, store credstore.Store, id string) ([]domain.Portfolio, error) {
	if id != "" {
		p, err := store.GetPortfolio(ctx, id)
		if err != nil {
			return nil, err
		}
		return []domain.Portfolio{*p}, nil
	}
	return store.ListPortfolios(ctx)
}

func printSummary(p domain.Portfolio, s *domain.TradeExecutionSummary) {
	fmt.Printf("=== %s (%s) ===\n", p.Name, p.ID)
	fmt.Printf("  successful: %d, failed: %d, skipped: %d\n",
		len(s.Successful), len(s.Failed), len(s.Skipped))
	for _, r := range s.Successful {
		fmt.Printf("  OK   %-5s %-4s %5d @ %.2f  order=%s\n", r.Symbol, r.Action, r.Shares, r.Price, r.OrderID)
	}
	for _, r := range s.Failed {
		fmt.Printf("  FAIL %-5s %-4s %5d  %s\n", r.Symbol, r.Action, r.Shares, r.Error)
	}
	for _, sk := range s.Skipped {
		fmt.Printf("  SKIP %-5s  %s\n", sk.Symbol, sk.Reason)
	}
}
