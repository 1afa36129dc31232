// rebalancer-accounts manages portfolios and their broker credentials.
// Schwab tokens are obtained by the external OAuth flow and imported here;
// Tradier only needs the API key.
//
// Usage:
//
//	rebalancer-accounts list
//	rebalancer-accounts create -name NAME
//	rebalancer-accounts connect-tradier -portfolio ID -key KEY [-sandbox]
//	rebalancer-accounts connect-schwab -portfolio ID -access TOKEN -refresh TOKEN -redirect URI [-account NUMBER]
//	rebalancer-accounts disconnect -portfolio ID
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"rebalancer/internal/config"
	"rebalancer/internal/credstore"
	"rebalancer/internal/domain"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfgPath := "config/rebalancer.yaml"
	if p := os.Getenv("REBALANCER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := credstore.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open credential store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	switch os.Args[1] {
	case "list":
		runList(ctx, store)
	case "create":
		runCreate(ctx, store, os.Args[2:])
	case "connect-tradier":
		runConnectTradier(ctx, store, os.Args[2:])
	case "connect-schwab":
		runConnectSchwab(ctx, store, os.Args[2:])
	case "disconnect":
		runDisconnect(ctx, store, os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: rebalancer-accounts <list|create|connect-tradier|connect-schwab|disconnect> [flags]")
	os.Exit(2)
}

func runList(ctx context.Context, store credstore.Store) {
	portfolios, err := store.ListPortfolios(ctx)
	if err != nil {
		log.Fatalf("failed to list portfolios: %v", err)
	}
	for _, p := range portfolios {
		brokerage, err := store.GetBrokerage(ctx, p.ID)
		if err != nil {
			log.Fatalf("failed to read brokerage binding: %v", err)
		}
		binding := string(brokerage)
		if brokerage == domain.BrokerageNone {
			binding = "not connected"
		}
		fmt.Printf("%s  %-20s %s\n", p.ID, p.Name, binding)
	}
}

func runCreate(ctx context.Context, store credstore.Store, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "portfolio display name")
	fs.Parse(args)
	if *name == "" {
		log.Fatal("create: -name is required")
	}

	p := &domain.Portfolio{
		ID:        uuid.NewString(),
		Name:      *name,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreatePortfolio(ctx, p); err != nil {
		log.Fatalf("failed to create portfolio: %v", err)
	}
	fmt.Println(p.ID)
}

func runConnectTradier(ctx context.Context, store credstore.Store, args []string) {
	fs := flag.NewFlagSet("connect-tradier", flag.ExitOnError)
	portfolioID := fs.String("portfolio", "", "portfolio id")
	key := fs.String("key", "", "tradier API key")
	sandbox := fs.Bool("sandbox", false, "use the tradier sandbox environment")
	fs.Parse(args)
	if *portfolioID == "" || *key == "" {
		log.Fatal("connect-tradier: -portfolio and -key are required")
	}

	cred := &domain.Credential{
		Brokerage: domain.BrokerageTradier,
		Tradier:   &domain.TradierCredential{APIKey: *key, Sandbox: *sandbox},
	}
	if err := store.WriteCredential(ctx, *portfolioID, cred); err != nil {
		log.Fatalf("failed to store tradier credential: %v", err)
	}
	fmt.Printf("portfolio %s connected to tradier\n", *portfolioID)
}

func runConnectSchwab(ctx context.Context, store credstore.Store, args []string) {
	fs := flag.NewFlagSet("connect-schwab", flag.ExitOnError)
	portfolioID := fs.String("portfolio", "", "portfolio id")
	access := fs.String("access", "", "OAuth access token")
	refresh := fs.String("refresh", "", "OAuth refresh token")
	redirect := fs.String("redirect", "", "redirect URI used at token issuance")
	account := fs.String("account", "", "account number (optional; resolved on first use)")
	fs.Parse(args)
	if *portfolioID == "" || *access == "" || *refresh == "" {
		log.Fatal("connect-schwab: -portfolio, -access and -refresh are required")
	}

	cred := &domain.Credential{
		Brokerage: domain.BrokerageSchwab,
		Schwab: &domain.SchwabCredential{
			AccessToken:   *access,
			RefreshToken:  *refresh,
			RedirectURI:   *redirect,
			AccountNumber: *account,
		},
	}
	if err := store.WriteCredential(ctx, *portfolioID, cred); err != nil {
		log.Fatalf("failed to store schwab credential: %v", err)
	}
	fmt.Printf("portfolio %s connected to schwab\n", *portfolioID)
}

func runDisconnect(ctx context.Context, store credstore.Store, args []string) {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	portfolioID := fs.String("portfolio", "", "portfolio id")
	fs.Parse(args)
	if *portfolioID == "" {
		log.Fatal("disconnect: -portfolio is required")
	}

	brokerage, err := store.GetBrokerage(ctx, *portfolioID)
	if err != nil {
		log.Fatalf("failed to read brokerage binding: %v", err)
	}
	if brokerage == domain.BrokerageNone {
		fmt.Printf("portfolio %s is not connected\n", *portfolioID)
		return
	}
	if err := store.DeleteCredential(ctx, *portfolioID, brokerage); err != nil {
		log.Fatalf("failed to delete credential: %v", err)
	}
	fmt.Printf("portfolio %s disconnected from %s\n", *portfolioID, brokerage)
}
