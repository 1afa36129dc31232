package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/domain"
	"rebalancer/internal/session"
	"rebalancer/internal/util"
)

// maxAuthRetries bounds the refresh-and-retry cycle: exactly one retry per
// order after a token refresh, never more.
const maxAuthRetries = 1

// SessionManager resolves portfolios into broker adapters and refreshes
// expired credentials. Satisfied by *session.Manager.
type SessionManager interface {
	Broker(ctx context.Context, portfolioID string) (broker.Broker, error)
	Refresh(ctx context.Context, portfolioID string) error
}

// Trader executes rebalancing batches. Orders run sequentially, paced by a
// per-brokerage rate limiter, to respect brokerage rate limits and keep the
// order-to-result mapping simple.
type Trader struct {
	sessions SessionManager
	limiters map[string]*util.RateLimiter
	log      *slog.Logger
}

// New creates a Trader wired with the given session manager and configuration.
func New(sessions SessionManager, cfg *config.Config, logger *slog.Logger) *Trader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trader{
		sessions: sessions,
		limiters: map[string]*util.RateLimiter{
			"schwab":  util.NewRateLimiter(cfg.Schwab.RateLimitPerMin),
			"tradier": util.NewRateLimiter(cfg.Tradier.RateLimitPerMin),
		},
		log: logger.With("component", "trader"),
	}
}

// Execute runs one rebalancing batch for the portfolio and returns the
// summary transcript.
//
// A portfolio with no broker credentials is not an error: trading is
// silently skipped with an empty summary, since the portfolio may simply not
// be connected yet. A failed position-snapshot fetch aborts the batch with a
// single synthetic failure entry for symbol "ALL" and no orders attempted.
func (t *Trader) Execute(ctx context.Context, portfolioID string, signals []domain.Signal) (*domain.TradeExecutionSummary, error) {
	summary := &domain.TradeExecutionSummary{}

	b, err := t.sessions.Broker(ctx, portfolioID)
	if err != nil {
		if errors.Is(err, session.ErrNoCredentials) {
			t.log.Info("portfolio not connected, skipping trading", "portfolio", portfolioID)
			return summary, nil
		}
		return nil, err
	}

	positions, b, err := t.fetchPositions(ctx, portfolioID, b)
	if err != nil {
		t.log.Error("failed to fetch position snapshot", "portfolio", portfolioID, "err", err)
		summary.AddResult(domain.TradeExecutionResult{
			Symbol:  "ALL",
			Success: false,
			Error:   fmt.Sprintf("Failed to fetch positions: %v", err),
		})
		return summary, nil
	}

	decisions := reconcile(signals, positions, summary)

	for _, d := range decisions {
		if d.Shares <= 0 {
			summary.AddResult(domain.TradeExecutionResult{
				Symbol:  d.Symbol,
				Action:  d.Side,
				Shares:  d.Shares,
				Price:   d.Price,
				Success: false,
				Error:   fmt.Sprintf("Invalid share quantity: %d", d.Shares),
			})
			continue
		}

		if rl := t.limiters[b.Name()]; rl != nil {
			if err := rl.Wait(ctx); err != nil {
				summary.AddResult(domain.TradeExecutionResult{
					Symbol: d.Symbol, Action: d.Side, Shares: d.Shares, Price: d.Price,
					Success: false, Error: err.Error(),
				})
				return summary, nil
			}
		}

		var orderID string
		orderID, b, err = t.placeWithRetry(ctx, portfolioID, b, d)

		result := domain.TradeExecutionResult{
			Symbol:  d.Symbol,
			Action:  d.Side,
			Shares:  d.Shares,
			Price:   d.Price,
			Success: err == nil,
			OrderID: orderID,
		}
		if err != nil {
			result.Error = err.Error()
			t.log.Warn("order failed", "portfolio", portfolioID, "symbol", d.Symbol, "side", d.Side, "err", err)
		} else {
			t.log.Info("order placed", "portfolio", portfolioID, "symbol", d.Symbol, "side", d.Side, "shares", d.Shares, "orderId", orderID)
		}
		summary.AddResult(result)
	}

	return summary, nil
}

// placeWithRetry submits one order, retrying exactly once after a token
// refresh when the broker reports an auth-expiry failure. The retry ceiling
// is an explicit loop bound. Returns the (possibly rebuilt) broker so later
// orders in the batch reuse the fresh session.
func (t *Trader) placeWithRetry(ctx context.Context, portfolioID string, b broker.Broker, d orderDecision) (string, broker.Broker, error) {
	for attempt := 0; ; attempt++ {
		orderID, err := b.PlaceOrder(ctx, d.Side, d.Symbol, d.Shares, d.Price)
		if err == nil || attempt >= maxAuthRetries || !broker.IsAuthExpired(err) {
			return orderID, b, err
		}

		t.log.Info("token expired, refreshing and retrying order", "portfolio", portfolioID, "symbol", d.Symbol)
		if rerr := t.sessions.Refresh(ctx, portfolioID); rerr != nil {
			return "", b, rerr
		}
		nb, berr := t.sessions.Broker(ctx, portfolioID)
		if berr != nil {
			return "", b, berr
		}
		b = nb
	}
}

// fetchPositions fetches the batch's single position snapshot, with the same
// one-shot refresh-and-retry as order placement.
func (t *Trader) fetchPositions(ctx context.Context, portfolioID string, b broker.Broker) (map[string]domain.Position, broker.Broker, error) {
	positions, err := b.GetPositions(ctx)
	if err == nil || !broker.IsAuthExpired(err) {
		return positions, b, err
	}

	if rerr := t.sessions.Refresh(ctx, portfolioID); rerr != nil {
		return nil, b, rerr
	}
	nb, berr := t.sessions.Broker(ctx, portfolioID)
	if berr != nil {
		return nil, b, berr
	}
	positions, err = nb.GetPositions(ctx)
	return positions, nb, err
}

// GetPortfolioPositions returns the live positions for the portfolio.
func (t *Trader) GetPortfolioPositions(ctx context.Context, portfolioID string) (map[string]domain.Position, error) {
	b, err := t.sessions.Broker(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	positions, _, err := t.fetchPositions(ctx, portfolioID, b)
	return positions, err
}

// ConnectionStatus is the result of a read-only connectivity check.
type ConnectionStatus struct {
	OK        bool
	Message   string
	Positions int
}

// VerifyConnection checks that the portfolio's credentials resolve to a
// working broker session by fetching positions. It places no orders.
func (t *Trader) VerifyConnection(ctx context.Context, portfolioID string) ConnectionStatus {
	b, err := t.sessions.Broker(ctx, portfolioID)
	if err != nil {
		if errors.Is(err, session.ErrNoCredentials) {
			return ConnectionStatus{OK: false, Message: "Not connected: no broker credentials"}
		}
		return ConnectionStatus{OK: false, Message: err.Error()}
	}

	positions, b, err := t.fetchPositions(ctx, portfolioID, b)
	if err != nil {
		return ConnectionStatus{OK: false, Message: fmt.Sprintf("Connection check failed: %v", err)}
	}
	return ConnectionStatus{
		OK:        true,
		Message:   fmt.Sprintf("Connected to %s", b.Name()),
		Positions: len(positions),
	}
}
