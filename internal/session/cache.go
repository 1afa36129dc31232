// Package session owns per-portfolio broker sessions: it resolves stored
// credentials into ready-to-call broker adapters, caches them, and runs the
// token-refresh path that rewrites Schwab credentials.
package session

import (
	"sync"

	"rebalancer/internal/broker"
)

// Cache holds initialized broker clients and resolved account hashes keyed
// by portfolio id. All read-modify-write sequences (lookup-or-create,
// refresh-and-evict) run under the per-portfolio lock so a refresh can never
// race an order using the stale token.
type Cache struct {
	mu            sync.Mutex
	clients       map[string]broker.Broker
	accountHashes map[string]string
	locks         map[string]*sync.Mutex
}

// NewCache creates an empty session cache.
func NewCache() *Cache {
	return &Cache{
		clients:       make(map[string]broker.Broker),
		accountHashes: make(map[string]string),
		locks:         make(map[string]*sync.Mutex),
	}
}

// portfolioLock returns the mutex guarding one portfolio's cache entries,
// creating it on first use.
func (c *Cache) portfolioLock(portfolioID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[portfolioID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[portfolioID] = l
	}
	return l
}

// Client returns the cached broker client for the portfolio, if any.
func (c *Cache) Client(portfolioID string) (broker.Broker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.clients[portfolioID]
	return b, ok
}

// PutClient caches the broker client for the portfolio.
func (c *Cache) PutClient(portfolioID string, b broker.Broker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[portfolioID] = b
}

// AccountHash returns the cached Schwab account hash for the portfolio.
func (c *Cache) AccountHash(portfolioID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.accountHashes[portfolioID]
	return h, ok
}

// PutAccountHash caches the resolved account hash for the portfolio.
func (c *Cache) PutAccountHash(portfolioID, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountHashes[portfolioID] = hash
}

// Evict drops the portfolio's cached client and account hash. Called after
// a token refresh and after a credential rewrite, since either may follow a
// change of underlying account.
func (c *Cache) Evict(portfolioID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, portfolioID)
	delete(c.accountHashes, portfolioID)
}
