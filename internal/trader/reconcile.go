// Package trader coordinates one rebalancing batch per portfolio: it
// reconciles desired signals against live positions, executes the resulting
// orders sequentially with a bounded token-refresh retry, and aggregates
// outcomes into an execution summary.
package trader

import (
	"fmt"

	"rebalancer/internal/domain"
)

// orderDecision is a reconciled order ready for submission.
type orderDecision struct {
	Symbol string
	Side   domain.Side
	Shares int64
	Price  float64
}

// reconcile compares signals against a single position snapshot and returns
// the orders to place. Skips are appended to the summary directly. Enter
// signals are processed before exit signals, each in input order.
//
// Buys are skipped when any positive quantity is already held; there is no
// partial top-up. Sells always exit the full held quantity rather than the
// signal's requested quantity, so a stale signal can never sell more shares
// than the account holds.
func reconcile(signals []domain.Signal, positions map[string]domain.Position, summary *domain.TradeExecutionSummary) []orderDecision {
	var decisions []orderDecision

	for _, s := range signals {
		if s.Action != domain.SideBuy {
			continue
		}
		if p, ok := positions[s.Symbol]; ok && p.LongQuantity > 0 {
			summary.AddSkip(s.Symbol, fmt.Sprintf("Already holding %d shares", p.LongQuantity))
			continue
		}
		decisions = append(decisions, orderDecision{
			Symbol: s.Symbol,
			Side:   domain.SideBuy,
			Shares: s.Shares,
			Price:  s.Price,
		})
	}

	for _, s := range signals {
		if s.Action != domain.SideSell {
			continue
		}
		p, ok := positions[s.Symbol]
		if !ok || p.LongQuantity == 0 {
			summary.AddSkip(s.Symbol, "No position to exit")
			continue
		}
		decisions = append(decisions, orderDecision{
			Symbol: s.Symbol,
			Side:   domain.SideSell,
			Shares: p.LongQuantity,
			Price:  s.Price,
		})
	}

	return decisions
}
