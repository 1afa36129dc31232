package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*TradierBroker)(nil)

// TradierBroker implements the Broker interface against the Tradier REST
// API. Every call carries the API key directly; there is no token refresh.
type TradierBroker struct {
	portfolioID    string
	apiKey         string
	accountID      string
	baseURL        string
	orderType      domain.OrderType
	tradingEnabled bool
	httpClient     *http.Client

	// onAccountID is invoked when the account id is resolved so the caller
	// can persist it and skip the profile lookup on later runs. Optional.
	onAccountID func(ctx context.Context, accountID string)
}

// TradierOpts configures a TradierBroker.
type TradierOpts struct {
	PortfolioID    string
	APIKey         string
	AccountID      string // previously resolved id; empty triggers a lookup
	BaseURL        string
	OrderType      domain.OrderType
	TradingEnabled bool
	HTTPClient     *http.Client
	OnAccountID    func(ctx context.Context, accountID string)
}

// NewTradierBroker creates a TradierBroker from the given options.
func NewTradierBroker(opts TradierOpts) *TradierBroker {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &TradierBroker{
		portfolioID:    opts.PortfolioID,
		apiKey:         opts.APIKey,
		accountID:      opts.AccountID,
		baseURL:        opts.BaseURL,
		orderType:      opts.OrderType,
		tradingEnabled: opts.TradingEnabled,
		httpClient:     hc,
		onAccountID:    opts.OnAccountID,
	}
}

// Name returns "tradier".
func (b *TradierBroker) Name() string { return "tradier" }

// ---------------------------------------------------------------------------
// Account resolution
// ---------------------------------------------------------------------------

type tradierAccount struct {
	AccountNumber string `json:"account_number"`
	Status        string `json:"status"`
}

type tradierProfileResponse struct {
	Profile struct {
		Account json.RawMessage `json:"account"`
	} `json:"profile"`
}

// ResolveAccountID returns the account id, resolving it via the user profile
// endpoint on first use. The first non-closed account wins, falling back to
// the first account.
func (b *TradierBroker) ResolveAccountID(ctx context.Context) (string, error) {
	if b.accountID != "" {
		return b.accountID, nil
	}

	body, err := b.get(ctx, "/v1/user/profile")
	if err != nil {
		return "", fmt.Errorf("resolving tradier account: %w", err)
	}

	var resp tradierProfileResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing tradier profile: %w", err)
	}

	accounts, err := oneOrMany[tradierAccount](resp.Profile.Account)
	if err != nil {
		return "", fmt.Errorf("parsing tradier accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("tradier profile has no accounts")
	}

	picked := accounts[0]
	for _, a := range accounts {
		if !strings.EqualFold(a.Status, "closed") {
			picked = a
			break
		}
	}

	b.accountID = picked.AccountNumber
	if b.onAccountID != nil {
		b.onAccountID(ctx, picked.AccountNumber)
	}
	return b.accountID, nil
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

type tradierPosition struct {
	Symbol   string          `json:"symbol"`
	Quantity json.RawMessage `json:"quantity"`
}

type tradierPositionsResponse struct {
	Positions json.RawMessage `json:"positions"`
}

// GetPositions fetches the account positions. Tradier returns a single
// object for one position, a list for several, and the string "null" for
// none; all three shapes are accepted. Non-positive or unparseable
// quantities are dropped and fractional quantities are floored.
func (b *TradierBroker) GetPositions(ctx context.Context) (map[string]domain.Position, error) {
	accountID, err := b.ResolveAccountID(ctx)
	if err != nil {
		return nil, err
	}

	body, err := b.get(ctx, "/v1/accounts/"+accountID+"/positions")
	if err != nil {
		return nil, fmt.Errorf("fetching tradier positions: %w", err)
	}

	var resp tradierPositionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing tradier positions: %w", err)
	}

	positions := make(map[string]domain.Position)
	raw := strings.TrimSpace(string(resp.Positions))
	if raw == "" || raw == "null" || raw == `"null"` {
		return positions, nil
	}

	var wrapper struct {
		Position json.RawMessage `json:"position"`
	}
	if err := json.Unmarshal(resp.Positions, &wrapper); err != nil {
		return nil, fmt.Errorf("parsing tradier positions: %w", err)
	}

	entries, err := oneOrMany[tradierPosition](wrapper.Position)
	if err != nil {
		return nil, fmt.Errorf("parsing tradier positions: %w", err)
	}

	for _, p := range entries {
		qty, ok := parseQuantity(p.Quantity)
		if !ok || qty <= 0 {
			continue
		}
		positions[p.Symbol] = domain.Position{
			Symbol:       p.Symbol,
			LongQuantity: qty,
		}
	}
	return positions, nil
}

// parseQuantity accepts a numeric or string quantity and floors it to whole
// shares.
func parseQuantity(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if perr != nil {
			return 0, false
		}
		f = parsed
	}
	return int64(math.Floor(f)), true
}

// ---------------------------------------------------------------------------
// Order submission
// ---------------------------------------------------------------------------

type tradierOrderResponse struct {
	Order struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	} `json:"order"`
}

// PlaceOrder posts a form-encoded single-leg equity order. The returned
// order id may be numeric or absent.
func (b *TradierBroker) PlaceOrder(ctx context.Context, side domain.Side, symbol string, shares int64, price float64) (string, error) {
	if err := validateShares(shares); err != nil {
		return "", err
	}
	if !b.tradingEnabled {
		return "", ErrTradingDisabled
	}

	accountID, err := b.ResolveAccountID(ctx)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", symbol)
	form.Set("side", string(side))
	form.Set("quantity", strconv.FormatInt(shares, 10))
	form.Set("type", string(b.orderType))
	form.Set("duration", "day")
	if b.orderType == domain.OrderTypeLimit {
		form.Set("price", decimal.NewFromFloat(price).String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/v1/accounts/"+accountID+"/orders", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting tradier order: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := b.checkStatus(resp.StatusCode, body); err != nil {
		return "", err
	}

	var parsed tradierOrderResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil
	}
	return parsed.Order.ID.String(), nil
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

func (b *TradierBroker) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Accept", "application/json")

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

func (b *TradierBroker) checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusUnauthorized {
		return fmt.Errorf("tradier returned 401: %w", ErrTokenExpired)
	}
	return fmt.Errorf("tradier error %d: %s", status, strings.TrimSpace(string(body)))
}

// oneOrMany decodes a JSON value that brokers serialize as either a single
// object or a list of objects.
func oneOrMany[T any](raw json.RawMessage) ([]T, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var many []T
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
