package webhook

import (
	"context"
	"sync"
	"time"
)

type secretKey struct {
	accountID string
	secret    string
}

type secretEntry struct {
	valid     bool
	expiresAt time.Time
}

// SecretCache is a time-bounded positive/negative cache over webhook secret
// validation, keyed by (account, presented secret). Entries for an account
// are invalidated eagerly on any webhook mutation; a deleted webhook's secret
// must stop validating immediately, not after the TTL. Clear is run
// periodically because part of the key is attacker-supplied and invalid
// guesses would otherwise accumulate.
type SecretCache struct {
	source SecretSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[secretKey]secretEntry
}

func NewSecretCache(source SecretSource, ttl time.Duration) *SecretCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SecretCache{
		source:  source,
		ttl:     ttl,
		entries: make(map[secretKey]secretEntry),
	}
}

// Validate reports whether secret is an active webhook secret of the account,
// reading through to the store on a miss.
func (c *SecretCache) Validate(ctx context.Context, accountID string, secret string) (bool, error) {
	key := secretKey{accountID: accountID, secret: secret}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.valid, nil
	}

	valid, err := c.source.HasWebhookSecret(ctx, accountID, secret)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.entries[key] = secretEntry{valid: valid, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return valid, nil
}

// InvalidateAccount drops every cached entry scoped to the account.
// Registered as a webhook mutation hook on the store.
func (c *SecretCache) InvalidateAccount(accountID string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.accountID == accountID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Clear empties the cache entirely.
func (c *SecretCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[secretKey]secretEntry)
	c.mu.Unlock()
}

// Len reports the current entry count.
func (c *SecretCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
