// Package signing issues and caches time-limited read URLs for stored media
// objects. The cache is the only component that talks to the URL-signing
// authority.
package signing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sceneline/internal/domain"
)

// Authority mints a signed URL for an object key with the given lifetime.
type Authority interface {
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Cache hands out signed URLs, reissuing through the authority only when the
// cached entry is inside the safety margin of its expiry. Refreshes are
// deduplicated per key so a burst of readers triggers one issuance.
type Cache struct {
	authority Authority
	ttl       time.Duration
	margin    time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

type entry struct {
	url     string
	expires time.Time
}

func NewCache(authority Authority, ttl, margin time.Duration) *Cache {
	if margin <= 0 {
		margin = ttl / 10
	}
	return &Cache{
		authority: authority,
		ttl:       ttl,
		margin:    margin,
		now:       time.Now,
		entries:   make(map[string]entry),
	}
}

// SetNow overrides the clock, for tests.
func (c *Cache) SetNow(now func() time.Time) { c.now = now }

// GetURL returns a signed URL whose expiry is at least the safety margin in
// the future.
func (c *Cache) GetURL(ctx context.Context, key string) (domain.SignedURL, error) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && e.expires.After(now.Add(c.margin)) {
		return domain.SignedURL{Key: key, URL: e.url, Expires: e.expires.UTC().Format(time.RFC3339)}, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have refreshed
		// while this one waited its turn.
		c.mu.RLock()
		cur, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && cur.expires.After(c.now().Add(c.margin)) {
			return cur, nil
		}
		// Waiters share this flight; don't let the caller that happened to
		// start it fail everyone by cancelling.
		issued := c.now()
		url, err := c.authority.Sign(context.WithoutCancel(ctx), key, c.ttl)
		if err != nil {
			return entry{}, err
		}
		fresh := entry{url: url, expires: issued.Add(c.ttl)}
		c.mu.Lock()
		c.entries[key] = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return domain.SignedURL{}, err
	}
	got := v.(entry)
	return domain.SignedURL{Key: key, URL: got.url, Expires: got.expires.UTC().Format(time.RFC3339)}, nil
}

// Invalidate drops the cached entry for a key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
