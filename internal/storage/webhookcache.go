package storage

import (
	"sync"
	"time"
)

type activeCacheEntry struct {
	webhooks  []Webhook
	expiresAt time.Time
}

// activeWebhookCache holds the active webhooks of recently dispatched
// accounts for a short TTL, so a burst of inbound messages does not hit the
// database once per event.
type activeWebhookCache struct {
	mu      sync.RWMutex
	entries map[string]activeCacheEntry
	ttl     time.Duration
}

func newActiveWebhookCache(ttl time.Duration) *activeWebhookCache {
	return &activeWebhookCache{
		entries: make(map[string]activeCacheEntry),
		ttl:     ttl,
	}
}

func (c *activeWebhookCache) get(accountID string) ([]Webhook, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[accountID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, accountID)
		c.mu.Unlock()
		return nil, false
	}
	return entry.webhooks, true
}

func (c *activeWebhookCache) set(accountID string, webhooks []Webhook) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[accountID] = activeCacheEntry{
		webhooks:  webhooks,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

func (c *activeWebhookCache) invalidate(accountID string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	delete(c.entries, accountID)
	c.mu.Unlock()
}
