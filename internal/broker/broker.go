// Package broker defines the Broker interface and provides the Schwab and
// Tradier adapters used to fetch positions and place equity orders.
package broker

import (
	"context"
	"errors"
	"fmt"

	"rebalancer/internal/domain"
)

// Broker abstracts the brokerage operations the rebalancer needs. The
// reconciler and executor depend only on this interface; which adapter backs
// it is decided per portfolio by its stored brokerage binding.
type Broker interface {
	// Name returns the brokerage identifier ("schwab", "tradier").
	Name() string

	// ResolveAccountID returns the identifier used on trading endpoints
	// (Schwab's opaque account hash, Tradier's account id), resolving and
	// caching it on first use.
	ResolveAccountID(ctx context.Context) (string, error)

	// GetPositions returns the live positions keyed by symbol.
	GetPositions(ctx context.Context) (map[string]domain.Position, error)

	// PlaceOrder submits a single-leg, day-duration equity order and returns
	// the broker's order id (may be empty when the broker omits one).
	PlaceOrder(ctx context.Context, side domain.Side, symbol string, shares int64, price float64) (string, error)
}

// Sentinel errors shared by both adapters.
var (
	// ErrTokenExpired marks an auth-specific failure: the caller may refresh
	// credentials and retry the call exactly once.
	ErrTokenExpired = errors.New("token expired")

	// ErrTradingDisabled is returned when order placement is gated off for
	// the brokerage; no network call is made.
	ErrTradingDisabled = errors.New("trading disabled")

	// ErrInvalidShareQuantity is returned for non-positive share counts; no
	// network call is made.
	ErrInvalidShareQuantity = errors.New("Invalid share quantity")
)

// IsAuthExpired reports whether err is the auth-expiry class of failure that
// warrants a single token-refresh-and-retry cycle.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

func validateShares(shares int64) error {
	if shares <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidShareQuantity, shares)
	}
	return nil
}
