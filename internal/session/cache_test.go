package session

import (
	"testing"

	"rebalancer/internal/broker"
)

func TestCacheClientLifecycle(t *testing.T) {
	c := NewCache()

	if _, ok := c.Client("pf-1"); ok {
		t.Error("empty cache should have no client")
	}

	b := broker.NewTradierBroker(broker.TradierOpts{PortfolioID: "pf-1", APIKey: "key"})
	c.PutClient("pf-1", b)
	c.PutAccountHash("pf-1", "HASH")

	got, ok := c.Client("pf-1")
	if !ok || got != broker.Broker(b) {
		t.Error("Client should return the cached broker")
	}
	hash, ok := c.AccountHash("pf-1")
	if !ok || hash != "HASH" {
		t.Errorf("AccountHash = (%q, %v), want cached hash", hash, ok)
	}

	c.Evict("pf-1")
	if _, ok := c.Client("pf-1"); ok {
		t.Error("Evict should drop the client")
	}
	if _, ok := c.AccountHash("pf-1"); ok {
		t.Error("Evict should drop the account hash")
	}
}

func TestCachePortfolioLockStable(t *testing.T) {
	c := NewCache()
	l1 := c.portfolioLock("pf-1")
	l2 := c.portfolioLock("pf-1")
	if l1 != l2 {
		t.Error("portfolioLock should return the same mutex per portfolio")
	}
	if c.portfolioLock("pf-2") == l1 {
		t.Error("different portfolios should get different mutexes")
	}
}
