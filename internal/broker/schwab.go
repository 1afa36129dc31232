package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SchwabBroker)(nil)

// SchwabBroker implements the Broker interface against the Schwab trader
// API. Trading endpoints are addressed by the opaque account hash, which is
// resolved from the account-numbers endpoint on first use.
type SchwabBroker struct {
	portfolioID    string
	accessToken    string
	accountNumber  string
	accountHash    string
	baseURL        string
	orderType      domain.OrderType
	tradingEnabled bool
	httpClient     *http.Client

	// onAccountHash is invoked when the account hash is resolved so the
	// caller can cache and persist it. Optional.
	onAccountHash func(ctx context.Context, accountNumber, hash string)
}

// SchwabOpts configures a SchwabBroker.
type SchwabOpts struct {
	PortfolioID    string
	AccessToken    string
	AccountNumber  string
	AccountHash    string // pre-resolved hash; empty triggers a lookup
	BaseURL        string
	OrderType      domain.OrderType
	TradingEnabled bool
	HTTPClient     *http.Client
	OnAccountHash  func(ctx context.Context, accountNumber, hash string)
}

// NewSchwabBroker creates a SchwabBroker from the given options.
func NewSchwabBroker(opts SchwabOpts) *SchwabBroker {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &SchwabBroker{
		portfolioID:    opts.PortfolioID,
		accessToken:    opts.AccessToken,
		accountNumber:  opts.AccountNumber,
		accountHash:    opts.AccountHash,
		baseURL:        opts.BaseURL,
		orderType:      opts.OrderType,
		tradingEnabled: opts.TradingEnabled,
		httpClient:     hc,
		onAccountHash:  opts.OnAccountHash,
	}
}

// Name returns "schwab".
func (b *SchwabBroker) Name() string { return "schwab" }

// ---------------------------------------------------------------------------
// Account hash resolution
// ---------------------------------------------------------------------------

type schwabAccountNumber struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

// ResolveAccountID returns the account hash, looking it up via the
// account-numbers endpoint when not yet resolved.
func (b *SchwabBroker) ResolveAccountID(ctx context.Context) (string, error) {
	if b.accountHash != "" {
		return b.accountHash, nil
	}

	body, err := b.get(ctx, "/trader/v1/accounts/accountNumbers")
	if err != nil {
		return "", fmt.Errorf("resolving schwab account hash: %w", err)
	}

	var accounts []schwabAccountNumber
	if err := json.Unmarshal(body, &accounts); err != nil {
		return "", fmt.Errorf("parsing account numbers: %w", err)
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("schwab returned no accounts")
	}

	// Prefer the account matching the stored number, else take the first.
	picked := accounts[0]
	for _, a := range accounts {
		if b.accountNumber != "" && a.AccountNumber == b.accountNumber {
			picked = a
			break
		}
	}

	b.accountNumber = picked.AccountNumber
	b.accountHash = picked.HashValue
	if b.onAccountHash != nil {
		b.onAccountHash(ctx, picked.AccountNumber, picked.HashValue)
	}
	return b.accountHash, nil
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

type schwabAccountResponse struct {
	SecuritiesAccount struct {
		Positions []struct {
			Instrument struct {
				Symbol string `json:"symbol"`
			} `json:"instrument"`
			LongQuantity                   float64 `json:"longQuantity"`
			MarketValue                    float64 `json:"marketValue"`
			CurrentDayProfitLoss           float64 `json:"currentDayProfitLoss"`
			CurrentDayProfitLossPercentage float64 `json:"currentDayProfitLossPercentage"`
			LongOpenProfitLoss             float64 `json:"longOpenProfitLoss"`
		} `json:"positions"`
	} `json:"securitiesAccount"`
}

// GetPositions fetches the account by hash with the positions field and maps
// every entry into a domain position keyed by symbol, including zero-quantity
// rows, so the count reflects what the account actually reports.
func (b *SchwabBroker) GetPositions(ctx context.Context) (map[string]domain.Position, error) {
	hash, err := b.ResolveAccountID(ctx)
	if err != nil {
		return nil, err
	}

	body, err := b.get(ctx, "/trader/v1/accounts/"+hash+"?fields=positions")
	if err != nil {
		return nil, fmt.Errorf("fetching schwab positions: %w", err)
	}

	var resp schwabAccountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing schwab positions: %w", err)
	}

	positions := make(map[string]domain.Position, len(resp.SecuritiesAccount.Positions))
	for _, p := range resp.SecuritiesAccount.Positions {
		qty := int64(math.Floor(p.LongQuantity))
		positions[p.Instrument.Symbol] = domain.Position{
			Symbol:       p.Instrument.Symbol,
			LongQuantity: qty,
			MarketValue:  p.MarketValue,
			DayPL:        p.CurrentDayProfitLoss,
			DayPLPercent: p.CurrentDayProfitLossPercentage,
			OpenPL:       p.LongOpenProfitLoss,
		}
	}
	return positions, nil
}

// ---------------------------------------------------------------------------
// Order submission
// ---------------------------------------------------------------------------

type schwabOrderLeg struct {
	Instruction string           `json:"instruction"`
	Quantity    int64            `json:"quantity"`
	Instrument  schwabInstrument `json:"instrument"`
}

type schwabInstrument struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"assetType"`
}

type schwabOrderRequest struct {
	OrderType          string           `json:"orderType"`
	Session            string           `json:"session"`
	Duration           string           `json:"duration"`
	OrderStrategyType  string           `json:"orderStrategyType"`
	OrderLegCollection []schwabOrderLeg `json:"orderLegCollection"`
	Price              string           `json:"price,omitempty"`
}

// PlaceOrder posts a single-leg, day-duration equity order directly to the
// Schwab REST order endpoint and parses the numeric order id from the
// response body.
func (b *SchwabBroker) PlaceOrder(ctx context.Context, side domain.Side, symbol string, shares int64, price float64) (string, error) {
	if err := validateShares(shares); err != nil {
		return "", err
	}
	if !b.tradingEnabled {
		return "", ErrTradingDisabled
	}

	hash, err := b.ResolveAccountID(ctx)
	if err != nil {
		return "", err
	}

	instruction := "BUY"
	if side == domain.SideSell {
		instruction = "SELL"
	}

	order := schwabOrderRequest{
		OrderType:         "MARKET",
		Session:           "NORMAL",
		Duration:          "DAY",
		OrderStrategyType: "SINGLE",
		OrderLegCollection: []schwabOrderLeg{{
			Instruction: instruction,
			Quantity:    shares,
			Instrument:  schwabInstrument{Symbol: symbol, AssetType: "EQUITY"},
		}},
	}
	if b.orderType == domain.OrderTypeLimit {
		order.OrderType = "LIMIT"
		order.Price = decimal.NewFromFloat(price).String()
	}

	payload, err := json.Marshal(order)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/trader/v1/accounts/"+hash+"/orders", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting schwab order: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := b.checkStatus(resp.StatusCode, body); err != nil {
		return "", err
	}

	return parseSchwabOrderID(body), nil
}

// parseSchwabOrderID extracts a numeric order id from the response body.
// Returns empty when the body carries none.
func parseSchwabOrderID(body []byte) string {
	var resp struct {
		OrderID json.Number `json:"orderId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.OrderID.String()
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

// schwabErrorResponse is the structured error body returned by the trader
// API, e.g. {"errors":[{"code":"TOKEN_EXPIRED", ...}]}.
type schwabErrorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (b *SchwabBroker) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.accessToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := b.checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus classifies non-2xx responses. A 401 or a structured
// TOKEN_EXPIRED error is the auth-expiry class; everything else is a plain
// brokerage rejection.
func (b *SchwabBroker) checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusUnauthorized {
		return fmt.Errorf("schwab returned 401: %w", ErrTokenExpired)
	}

	var errResp schwabErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		for _, e := range errResp.Errors {
			if e.Code == "TOKEN_EXPIRED" {
				return fmt.Errorf("schwab error %s: %w", e.Code, ErrTokenExpired)
			}
		}
		if len(errResp.Errors) > 0 {
			return fmt.Errorf("schwab error %d: %s", status, errResp.Errors[0].Message)
		}
	}
	return fmt.Errorf("schwab error %d: %s", status, bytes.TrimSpace(body))
}
