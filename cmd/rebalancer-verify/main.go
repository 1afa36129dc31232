package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"rebalancer/internal/config"
	"rebalancer/internal/credstore"
	"rebalancer/internal/session"
	"rebalancer/internal/trader"
	"rebalancer/internal/util"
)

func main() {
	portfolioID := flag.String("portfolio", "", "portfolio id to verify (default: all)")
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

	store, err := credstore.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open credential store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	sessions := session.NewManager(store, cfg, logger)
	t := trader.New(sessions, cfg, logger)

	if *portfolioID != "" {
		p, err := store.GetPortfolio(ctx, *portfolioID)
		if err != nil {
			log.Fatalf("unknown portfolio %s: %v", *portfolioID, err)
		}
		printStatus(p.Name, p.ID, t.VerifyConnection(ctx, p.ID))
		return
	}

	portfolios, err := store.ListPortfolios(ctx)
	if err != nil {
		log.Fatalf("failed to list portfolios: %v", err)
	}
	for _, p := range portfolios {
		printStatus(p.Name, p.ID, t.VerifyConnection(ctx, p.ID))
	}
}

func printStatus(name, id string, status trader.ConnectionStatus) {
	mark := "FAIL"
	if status.OK {
		mark = "OK"
	}
	fmt.Printf("%-4s %s (%s): %s", mark, name, id, status.Message)
	if status.OK {
		fmt.Printf(" (%d positions)", status.Positions)
	}
	fmt.Println()
}
