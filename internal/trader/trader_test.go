package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/domain"
	"rebalancer/internal/session"
)

// fakeBroker implements broker.Broker for executor tests, scripting failures
// per symbol and counting every network-shaped call.
type fakeBroker struct {
	name          string
	positions     map[string]domain.Position
	positionsErr  error
	orderCalls    int
	positionCalls int
	// failures maps symbol -> errors to return on successive PlaceOrder
	// calls; once exhausted the order succeeds.
	failures map[string][]error
	orderID  string
}

var _ broker.Broker = (*fakeBroker)(nil)

func (f *fakeBroker) Name() string { return f.name }

func (f *fakeBroker) ResolveAccountID(_ context.Context) (string, error) { return "ACCT", nil }

func (f *fakeBroker) GetPositions(_ context.Context) (map[string]domain.Position, error) {
	f.positionCalls++
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	out := make(map[string]domain.Position, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBroker) PlaceOrder(_ context.Context, _ domain.Side, symbol string, _ int64, _ float64) (string, error) {
	f.orderCalls++
	if errs := f.failures[symbol]; len(errs) > 0 {
		err := errs[0]
		f.failures[symbol] = errs[1:]
		return "", err
	}
	if f.orderID != "" {
		return f.orderID, nil
	}
	return "12345", nil
}

// fakeSessions hands out the fake broker and records refreshes. A refresh
// marks tokensPersisted so tests can assert persistence happens before the
// retried attempt.
type fakeSessions struct {
	broker          *fakeBroker
	brokerErr       error
	refreshErr      error
	refreshCalls    int
	tokensPersisted bool
}

var _ SessionManager = (*fakeSessions)(nil)

func (f *fakeSessions) Broker(_ context.Context, _ string) (broker.Broker, error) {
	if f.brokerErr != nil {
		return nil, f.brokerErr
	}
	return f.broker, nil
}

func (f *fakeSessions) Refresh(_ context.Context, _ string) error {
	f.refreshCalls++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.tokensPersisted = true
	return nil
}

func newTestTrader(sessions SessionManager) *Trader {
	cfg := &config.Config{}
	cfg.Schwab.RateLimitPerMin = 6000
	cfg.Tradier.RateLimitPerMin = 6000
	return New(sessions, cfg, nil)
}

func TestExecuteBuySuccess(t *testing.T) {
	fb := &fakeBroker{name: "fake", positions: map[string]domain.Position{}}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(summary.Successful) != 1 || len(summary.Failed) != 0 || len(summary.Skipped) != 0 {
		t.Fatalf("summary buckets = %d/%d/%d, want 1/0/0", len(summary.Successful), len(summary.Failed), len(summary.Skipped))
	}
	got := summary.Successful[0]
	want := domain.TradeExecutionResult{
		Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50,
		Success: true, OrderID: "12345",
	}
	if got != want {
		t.Errorf("result = %+v, want %+v", got, want)
	}
}

func TestExecuteBuySkipsHeldPosition(t *testing.T) {
	fb := &fakeBroker{name: "fake", positions: map[string]domain.Position{
		"AAPL": {Symbol: "AAPL", LongQuantity: 3},
	}}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if fb.orderCalls != 0 {
		t.Errorf("orderCalls = %d, want 0 for a skipped signal", fb.orderCalls)
	}
	if len(summary.Skipped) != 1 {
		t.Fatalf("len(Skipped) = %d, want 1", len(summary.Skipped))
	}
	if !strings.Contains(summary.Skipped[0].Reason, "3") {
		t.Errorf("skip reason = %q, want held quantity mentioned", summary.Skipped[0].Reason)
	}
}

func TestExecuteSellNoPosition(t *testing.T) {
	fb := &fakeBroker{name: "fake", positions: map[string]domain.Position{}}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideSell, Shares: 10, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if fb.orderCalls != 0 {
		t.Errorf("orderCalls = %d, want 0", fb.orderCalls)
	}
	if len(summary.Skipped) != 1 || summary.Skipped[0].Reason != "No position to exit" {
		t.Errorf("Skipped = %+v, want one 'No position to exit' entry", summary.Skipped)
	}
}

func TestExecuteSellCapsAtHeldQuantity(t *testing.T) {
	fb := &fakeBroker{name: "fake", positions: map[string]domain.Position{
		"AAPL": {Symbol: "AAPL", LongQuantity: 5},
	}}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	// Signal asks for 14 shares but only 5 are held.
	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideSell, Shares: 14, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(summary.Successful) != 1 {
		t.Fatalf("len(Successful) = %d, want 1", len(summary.Successful))
	}
	if summary.Successful[0].Shares != 5 {
		t.Errorf("sold %d shares, want exactly the held 5", summary.Successful[0].Shares)
	}
}

func TestExecuteAuthRetryOnce(t *testing.T) {
	fb := &fakeBroker{
		name:      "fake",
		positions: map[string]domain.Position{},
		failures: map[string][]error{
			"AAPL": {fmt.Errorf("schwab: %w", broker.ErrTokenExpired)},
		},
	}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(summary.Successful) != 1 {
		t.Fatalf("len(Successful) = %d, want 1 after refresh-retry", len(summary.Successful))
	}
	if fb.orderCalls != 2 {
		t.Errorf("orderCalls = %d, want exactly 2 (original + one retry)", fb.orderCalls)
	}
	if fs.refreshCalls != 1 {
		t.Errorf("refreshCalls = %d, want 1", fs.refreshCalls)
	}
	if !fs.tokensPersisted {
		t.Error("tokens must be persisted before the retry")
	}
}

func TestExecuteSecondFailureIsTerminalForSymbol(t *testing.T) {
	fb := &fakeBroker{
		name:      "fake",
		positions: map[string]domain.Position{},
		failures: map[string][]error{
			"AAPL": {
				fmt.Errorf("schwab: %w", broker.ErrTokenExpired),
				errors.New("insufficient funds"),
			},
		},
	}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	// Batch of two: the second symbol must still execute.
	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
		{Symbol: "MSFT", Action: domain.SideBuy, Shares: 5, Price: 300.00},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(summary.Failed) != 1 {
		t.Fatalf("len(Failed) = %d, want 1", len(summary.Failed))
	}
	if !strings.Contains(summary.Failed[0].Error, "insufficient funds") {
		t.Errorf("failure message = %q, want underlying error", summary.Failed[0].Error)
	}
	if len(summary.Successful) != 1 || summary.Successful[0].Symbol != "MSFT" {
		t.Errorf("Successful = %+v, want MSFT to continue after AAPL failure", summary.Successful)
	}
}

func TestExecuteNonAuthFailureNoRetry(t *testing.T) {
	fb := &fakeBroker{
		name:      "fake",
		positions: map[string]domain.Position{},
		failures: map[string][]error{
			"AAPL": {errors.New("invalid symbol")},
		},
	}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if fb.orderCalls != 1 {
		t.Errorf("orderCalls = %d, want 1 (no retry for non-auth failures)", fb.orderCalls)
	}
	if fs.refreshCalls != 0 {
		t.Errorf("refreshCalls = %d, want 0", fs.refreshCalls)
	}
	if len(summary.Failed) != 1 {
		t.Errorf("len(Failed) = %d, want 1", len(summary.Failed))
	}
}

func TestExecuteInvalidShareQuantity(t *testing.T) {
	fb := &fakeBroker{name: "fake", positions: map[string]domain.Position{}}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 0, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if fb.orderCalls != 0 {
		t.Errorf("orderCalls = %d, want 0 for invalid share quantity", fb.orderCalls)
	}
	if len(summary.Failed) != 1 || !strings.Contains(summary.Failed[0].Error, "Invalid share quantity") {
		t.Errorf("Failed = %+v, want one invalid-share-quantity entry", summary.Failed)
	}
}

func TestExecuteTradingDisabled(t *testing.T) {
	fb := &fakeBroker{
		name:      "fake",
		positions: map[string]domain.Position{},
		failures: map[string][]error{
			"AAPL": {broker.ErrTradingDisabled},
		},
	}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(summary.Successful) != 0 {
		t.Errorf("len(Successful) = %d, want 0 when trading is disabled", len(summary.Successful))
	}
	if len(summary.Failed) != 1 || !strings.Contains(summary.Failed[0].Error, "trading disabled") {
		t.Errorf("Failed = %+v, want one trading-disabled entry", summary.Failed)
	}
	if fs.refreshCalls != 0 {
		t.Errorf("refreshCalls = %d, want 0", fs.refreshCalls)
	}
}

func TestExecuteNoCredentialsSkipsSilently(t *testing.T) {
	fs := &fakeSessions{brokerErr: fmt.Errorf("portfolio pf-1: %w", session.ErrNoCredentials)}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(summary.Successful) != 0 || len(summary.Failed) != 0 || len(summary.Skipped) != 0 {
		t.Errorf("summary = %+v, want empty for unconnected portfolio", summary)
	}
}

func TestExecutePositionFetchFailureAborts(t *testing.T) {
	fb := &fakeBroker{name: "fake", positionsErr: errors.New("connection reset")}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
		{Symbol: "MSFT", Action: domain.SideBuy, Shares: 5, Price: 300.00},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if fb.orderCalls != 0 {
		t.Errorf("orderCalls = %d, want 0 when the snapshot fetch fails", fb.orderCalls)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Symbol != "ALL" {
		t.Fatalf("Failed = %+v, want one synthetic ALL entry", summary.Failed)
	}
	if !strings.Contains(summary.Failed[0].Error, "connection reset") {
		t.Errorf("ALL entry error = %q, want underlying error", summary.Failed[0].Error)
	}
}

func TestExecuteOrderingEntersBeforeExits(t *testing.T) {
	fb := &fakeBroker{name: "fake", positions: map[string]domain.Position{
		"XOM": {Symbol: "XOM", LongQuantity: 7},
	}}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	summary, err := tr.Execute(context.Background(), "pf-1", []domain.Signal{
		{Symbol: "XOM", Action: domain.SideSell, Shares: 7, Price: 110.00},
		{Symbol: "AAPL", Action: domain.SideBuy, Shares: 10, Price: 150.50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(summary.Successful) != 2 {
		t.Fatalf("len(Successful) = %d, want 2", len(summary.Successful))
	}
	if summary.Successful[0].Symbol != "AAPL" || summary.Successful[1].Symbol != "XOM" {
		t.Errorf("order = [%s, %s], want buys before sells",
			summary.Successful[0].Symbol, summary.Successful[1].Symbol)
	}
}

func TestGetPortfolioPositionsIdempotent(t *testing.T) {
	fb := &fakeBroker{name: "fake", positions: map[string]domain.Position{
		"AAPL": {Symbol: "AAPL", LongQuantity: 10},
	}}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	first, err := tr.GetPortfolioPositions(context.Background(), "pf-1")
	if err != nil {
		t.Fatalf("GetPortfolioPositions: %v", err)
	}
	second, err := tr.GetPortfolioPositions(context.Background(), "pf-1")
	if err != nil {
		t.Fatalf("GetPortfolioPositions (second): %v", err)
	}
	if len(first) != len(second) || first["AAPL"] != second["AAPL"] {
		t.Errorf("positions differ between calls: %+v vs %+v", first, second)
	}
}

func TestVerifyConnection(t *testing.T) {
	fb := &fakeBroker{name: "fake", positions: map[string]domain.Position{
		"AAPL": {Symbol: "AAPL", LongQuantity: 10},
		"MSFT": {Symbol: "MSFT", LongQuantity: 4},
	}}
	fs := &fakeSessions{broker: fb}
	tr := newTestTrader(fs)

	status := tr.VerifyConnection(context.Background(), "pf-1")
	if !status.OK {
		t.Fatalf("status = %+v, want OK", status)
	}
	if status.Positions != 2 {
		t.Errorf("Positions = %d, want 2", status.Positions)
	}

	notConnected := newTestTrader(&fakeSessions{brokerErr: fmt.Errorf("pf: %w", session.ErrNoCredentials)})
	status = notConnected.VerifyConnection(context.Background(), "pf-1")
	if status.OK {
		t.Error("unconnected portfolio should not verify OK")
	}
	if !strings.Contains(status.Message, "Not connected") {
		t.Errorf("Message = %q, want not-connected text", status.Message)
	}
}
