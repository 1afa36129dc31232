package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/credstore"
	"rebalancer/internal/domain"
)

// Sentinel errors surfaced to callers.
var (
	// ErrNoCredentials means the portfolio has no brokerage binding. This is
	// terminal and non-retryable: the portfolio is simply not connected.
	ErrNoCredentials = errors.New("no broker credentials")

	// ErrReauthRequired means the stored refresh token was rejected; the
	// portfolio must be re-authenticated via OAuth.
	ErrReauthRequired = errors.New("re-authenticate via OAuth")
)

// Manager resolves portfolio credentials into ready broker adapters and owns
// the reactive token-refresh path.
type Manager struct {
	store      credstore.Store
	cfg        *config.Config
	cache      *Cache
	schwabAuth *broker.SchwabAuth
	httpClient *http.Client
	log        *slog.Logger
}

// NewManager creates a Manager wired with the given store and configuration.
func NewManager(store credstore.Store, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		cfg:        cfg,
		cache:      NewCache(),
		schwabAuth: broker.NewSchwabAuth(cfg.Schwab.ClientID, cfg.Schwab.ClientSecret, cfg.Schwab.BaseURL),
		log:        logger.With("component", "session"),
	}
}

// SetHTTPClient overrides the HTTP client used by constructed adapters.
// Intended for tests.
func (m *Manager) SetHTTPClient(hc *http.Client) {
	m.httpClient = hc
	m.schwabAuth.HTTPClient = hc
}

// Broker returns an initialized broker adapter for the portfolio, or
// ErrNoCredentials when it has no brokerage binding.
func (m *Manager) Broker(ctx context.Context, portfolioID string) (broker.Broker, error) {
	brokerage, err := m.store.GetBrokerage(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("looking up brokerage binding: %w", err)
	}

	switch brokerage {
	case domain.BrokerageSchwab:
		return m.schwabBroker(ctx, portfolioID)
	case domain.BrokerageTradier:
		return m.tradierBroker(ctx, portfolioID)
	}
	return nil, fmt.Errorf("portfolio %s: %w", portfolioID, ErrNoCredentials)
}

// schwabBroker returns the cached client or constructs one from the stored
// credential. Construction runs under the portfolio lock so concurrent
// callers never build duplicate clients.
func (m *Manager) schwabBroker(ctx context.Context, portfolioID string) (broker.Broker, error) {
	lock := m.cache.portfolioLock(portfolioID)
	lock.Lock()
	defer lock.Unlock()

	if b, ok := m.cache.Client(portfolioID); ok {
		return b, nil
	}

	cred, err := m.store.ReadCredential(ctx, portfolioID, domain.BrokerageSchwab)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, fmt.Errorf("portfolio %s: %w", portfolioID, ErrNoCredentials)
		}
		return nil, fmt.Errorf("reading schwab credential: %w", err)
	}

	hash := cred.Schwab.AccountHash
	if cached, ok := m.cache.AccountHash(portfolioID); ok {
		hash = cached
	}

	b := broker.NewSchwabBroker(broker.SchwabOpts{
		PortfolioID:    portfolioID,
		AccessToken:    cred.Schwab.AccessToken,
		AccountNumber:  cred.Schwab.AccountNumber,
		AccountHash:    hash,
		BaseURL:        m.cfg.Schwab.BaseURL,
		OrderType:      domain.OrderType(m.cfg.Schwab.OrderType),
		TradingEnabled: m.cfg.Schwab.TradingEnabled,
		HTTPClient:     m.httpClient,
		OnAccountHash: func(ctx context.Context, accountNumber, accountHash string) {
			m.cache.PutAccountHash(portfolioID, accountHash)
			m.persistSchwabAccount(ctx, portfolioID, accountNumber, accountHash)
		},
	})
	m.cache.PutClient(portfolioID, b)
	return b, nil
}

// persistSchwabAccount writes the resolved account number and hash back into
// the stored credential, preserving the token fields.
func (m *Manager) persistSchwabAccount(ctx context.Context, portfolioID, accountNumber, accountHash string) {
	cred, err := m.store.ReadCredential(ctx, portfolioID, domain.BrokerageSchwab)
	if err != nil {
		m.log.Warn("could not persist resolved account hash", "portfolio", portfolioID, "err", err)
		return
	}
	cred.Schwab.AccountNumber = accountNumber
	cred.Schwab.AccountHash = accountHash
	if err := m.store.WriteCredential(ctx, portfolioID, cred); err != nil {
		m.log.Warn("could not persist resolved account hash", "portfolio", portfolioID, "err", err)
	}
}

// tradierBroker constructs a fresh adapter per call; Tradier has no session
// state beyond the API key, only the resolved account id is persisted.
func (m *Manager) tradierBroker(ctx context.Context, portfolioID string) (broker.Broker, error) {
	cred, err := m.store.ReadCredential(ctx, portfolioID, domain.BrokerageTradier)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, fmt.Errorf("portfolio %s: %w", portfolioID, ErrNoCredentials)
		}
		return nil, fmt.Errorf("reading tradier credential: %w", err)
	}

	baseURL := m.cfg.Tradier.BaseURL
	if cred.Tradier.Sandbox {
		baseURL = m.cfg.Tradier.SandboxURL
	}

	return broker.NewTradierBroker(broker.TradierOpts{
		PortfolioID:    portfolioID,
		APIKey:         cred.Tradier.APIKey,
		AccountID:      cred.Tradier.AccountID,
		BaseURL:        baseURL,
		OrderType:      domain.OrderType(m.cfg.Tradier.OrderType),
		TradingEnabled: m.cfg.Tradier.TradingEnabled,
		HTTPClient:     m.httpClient,
		OnAccountID: func(ctx context.Context, accountID string) {
			m.persistTradierAccount(ctx, portfolioID, cred, accountID)
		},
	}), nil
}

// persistTradierAccount writes the resolved account id back so later runs
// skip the profile lookup.
func (m *Manager) persistTradierAccount(ctx context.Context, portfolioID string, cred *domain.Credential, accountID string) {
	cred.Tradier.AccountID = accountID
	if err := m.store.WriteCredential(ctx, portfolioID, cred); err != nil {
		m.log.Warn("could not persist tradier account id", "portfolio", portfolioID, "err", err)
	}
}

// Refresh runs one token-refresh cycle for the portfolio: exchange the
// stored refresh token, persist the new pair, and evict the cached client
// and account hash so the next Broker call rebuilds from fresh state.
//
// A rejected refresh token maps to ErrReauthRequired and is terminal. For a
// Tradier binding there is nothing to refresh: the API key is static, so an
// auth failure also means re-entering credentials.
func (m *Manager) Refresh(ctx context.Context, portfolioID string) error {
	brokerage, err := m.store.GetBrokerage(ctx, portfolioID)
	if err != nil {
		return fmt.Errorf("looking up brokerage binding: %w", err)
	}

	switch brokerage {
	case domain.BrokerageSchwab:
		// Serialized with client construction for the same portfolio.
		lock := m.cache.portfolioLock(portfolioID)
		lock.Lock()
		defer lock.Unlock()
		return m.refreshSchwab(ctx, portfolioID)
	case domain.BrokerageTradier:
		return fmt.Errorf("tradier api key rejected: %w", ErrReauthRequired)
	}
	return fmt.Errorf("portfolio %s: %w", portfolioID, ErrNoCredentials)
}

func (m *Manager) refreshSchwab(ctx context.Context, portfolioID string) error {
	cred, err := m.store.ReadCredential(ctx, portfolioID, domain.BrokerageSchwab)
	if err != nil {
		return fmt.Errorf("reading schwab credential: %w", err)
	}

	tokens, err := m.schwabAuth.Refresh(ctx, cred.Schwab.RefreshToken)
	if err != nil {
		if errors.Is(err, broker.ErrRefreshTokenExpired) {
			return fmt.Errorf("schwab refresh token rejected: %w", ErrReauthRequired)
		}
		return fmt.Errorf("refreshing schwab tokens: %w", err)
	}

	cred.Schwab.AccessToken = tokens.AccessToken
	// Brokers may reuse refresh tokens; keep the previous one when the
	// response omits a new value.
	if tokens.RefreshToken != "" {
		cred.Schwab.RefreshToken = tokens.RefreshToken
	}
	// A refresh may follow a change of underlying account. Clear the stored
	// hash so the next session re-resolves it from the account-numbers
	// endpoint; the account number stays as a match preference.
	cred.Schwab.AccountHash = ""
	if err := m.store.WriteCredential(ctx, portfolioID, cred); err != nil {
		return fmt.Errorf("persisting refreshed tokens: %w", err)
	}

	m.cache.Evict(portfolioID)
	m.log.Info("refreshed schwab tokens", "portfolio", portfolioID)
	return nil
}

// Invalidate drops the portfolio's cached session. Callers that rewrite
// credentials (re-authentication, brokerage switch) must invalidate so stale
// clients never serve the new binding.
func (m *Manager) Invalidate(portfolioID string) {
	m.cache.Evict(portfolioID)
}
