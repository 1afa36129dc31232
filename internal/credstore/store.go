// Package credstore defines the credential store consumed by the trading
// engine: per-portfolio broker credentials with an exclusive brokerage
// binding, plus the portfolio records that own them.
package credstore

import (
	"context"
	"errors"

	"rebalancer/internal/domain"
)

// ErrNotFound is returned when a portfolio or credential does not exist.
var ErrNotFound = errors.New("credstore: not found")

// Store persists portfolios and their broker credentials.
//
// A portfolio has at most one active brokerage at a time: WriteCredential
// atomically replaces any credential of the other brokerage type.
type Store interface {
	// CreatePortfolio inserts a new portfolio record.
	CreatePortfolio(ctx context.Context, p *domain.Portfolio) error

	// GetPortfolio retrieves a portfolio by its ID.
	GetPortfolio(ctx context.Context, id string) (*domain.Portfolio, error)

	// ListPortfolios returns all portfolios ordered by creation time.
	ListPortfolios(ctx context.Context) ([]domain.Portfolio, error)

	// ReadCredential returns the portfolio's credential for the given
	// brokerage, or ErrNotFound if none is stored.
	ReadCredential(ctx context.Context, portfolioID string, brokerage domain.Brokerage) (*domain.Credential, error)

	// WriteCredential stores the credential, deleting any credential of the
	// other brokerage type for the same portfolio in the same transaction.
	WriteCredential(ctx context.Context, portfolioID string, cred *domain.Credential) error

	// DeleteCredential removes the portfolio's credential for the given
	// brokerage, if any.
	DeleteCredential(ctx context.Context, portfolioID string, brokerage domain.Brokerage) error

	// GetBrokerage returns which brokerage the portfolio is bound to, or
	// domain.BrokerageNone when no credential is stored.
	GetBrokerage(ctx context.Context, portfolioID string) (domain.Brokerage, error)
}
