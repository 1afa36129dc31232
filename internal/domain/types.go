// Package domain defines the core types shared across the rebalancer:
// portfolios, broker credentials, positions, signals, and execution results.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Brokerage identifies which broker a portfolio is bound to.
type Brokerage string

const (
	BrokerageSchwab  Brokerage = "schwab"
	BrokerageTradier Brokerage = "tradier"
	BrokerageNone    Brokerage = ""
)

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType selects how an order is priced at the brokerage.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// ---------------------------------------------------------------------------
// Portfolios and credentials
// ---------------------------------------------------------------------------

// Portfolio is a managed account tracked by the rebalancer. A portfolio is
// bound to at most one brokerage at a time via its stored credential.
type Portfolio struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// SchwabCredential holds the OAuth token pair and resolved account
// identifiers for a Schwab-bound portfolio. AccessToken and RefreshToken
// are rewritten by the token-refresh path; the remaining fields are set
// once at connect time.
type SchwabCredential struct {
	AccessToken   string
	RefreshToken  string
	RedirectURI   string
	AccountNumber string // human-readable account number
	AccountHash   string // opaque identifier required on trading endpoints
}

// TradierCredential holds the API key for a Tradier-bound portfolio. The
// key is immutable once stored; AccountID is resolved lazily on first use
// and written back so later runs skip the profile lookup.
type TradierCredential struct {
	APIKey    string
	AccountID string
	Sandbox   bool
}

// Credential is the tagged union of per-brokerage credentials. Exactly one
// of Schwab or Tradier is non-nil, matching Brokerage.
type Credential struct {
	Brokerage Brokerage
	Schwab    *SchwabCredential
	Tradier   *TradierCredential
}

// ---------------------------------------------------------------------------
// Positions and signals
// ---------------------------------------------------------------------------

// Position is a live holding fetched from the brokerage. Valuation fields
// are carried for display only; reconciliation uses LongQuantity alone.
type Position struct {
	Symbol       string
	LongQuantity int64
	MarketValue  float64
	DayPL        float64
	DayPLPercent float64
	OpenPL       float64
}

// Signal is one desired action produced by the upstream signal generator.
// Immutable within this engine.
type Signal struct {
	Symbol string  `json:"symbol"`
	Action Side    `json:"action"`
	Shares int64   `json:"shares"`
	Price  float64 `json:"price"`
}

// ---------------------------------------------------------------------------
// Execution results
// ---------------------------------------------------------------------------

// TradeExecutionResult records the outcome of a single order attempt. When
// an order is retried after a token refresh, only the retried attempt's
// result is kept.
type TradeExecutionResult struct {
	Symbol  string
	Action  Side
	Shares  int64
	Price   float64
	Success bool
	OrderID string
	Error   string
}

// SkippedTrade records a reconciliation decision not to place an order.
type SkippedTrade struct {
	Symbol string
	Reason string
}

// TradeExecutionSummary is the transcript of one execution batch. Entries
// appear in input order; the summary is built fresh per batch and never
// persisted.
type TradeExecutionSummary struct {
	Successful []TradeExecutionResult
	Failed     []TradeExecutionResult
	Skipped    []SkippedTrade
}

// AddResult appends r to the successful or failed bucket.
func (s *TradeExecutionSummary) AddResult(r TradeExecutionResult) {
	if r.Success {
		s.Successful = append(s.Successful, r)
	} else {
		s.Failed = append(s.Failed, r)
	}
}

// AddSkip appends a skipped entry with its human-readable reason.
func (s *TradeExecutionSummary) AddSkip(symbol, reason string) {
	s.Skipped = append(s.Skipped, SkippedTrade{Symbol: symbol, Reason: reason})
}
