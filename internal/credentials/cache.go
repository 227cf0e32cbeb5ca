package credentials

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"convene/internal/calendar"
	"convene/internal/clock"
)

const (
	// DefaultCacheTTL bounds how long a resolved credential is reused.
	DefaultCacheTTL = 50 * time.Minute

	// expirySkew is subtracted from a token's expiry when caching it.
	expirySkew = 2 * time.Minute

	loadTimeout = 30 * time.Second
)

type cacheEntry struct {
	cred      calendar.Credential
	expiresAt time.Time
}

// Cache holds resolved credentials for a short TTL. Concurrent misses for
// the same key share one load.
type Cache struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache creates a credential cache. ttl <= 0 uses DefaultCacheTTL.
func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Cache{ttl: ttl, clock: clk, entries: make(map[string]cacheEntry)}
}

func cacheKey(userID string, profile ScopeProfile) string {
	return string(profile) + "|" + userID
}

// Get returns the cached credential for userID and profile, calling load on
// a miss. Errors are not cached. load runs detached from the caller's
// cancellation so one abandoned request does not fail the others waiting on
// the same load; the caller itself stops waiting when ctx is done.
func (c *Cache) Get(ctx context.Context, userID string, profile ScopeProfile, load func(context.Context) (calendar.Credential, error)) (calendar.Credential, error) {
	key := cacheKey(userID, profile)
	if cred, ok := c.lookup(key); ok {
		return cred, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if cred, ok := c.lookup(key); ok {
			return cred, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		cred, err := load(lctx)
		if err != nil {
			return calendar.Credential{}, err
		}
		c.store(key, cred)
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return calendar.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return calendar.Credential{}, res.Err
		}
		return res.Val.(calendar.Credential), nil
	}
}

// Invalidate drops any cached credential for userID and profile.
func (c *Cache) Invalidate(userID string, profile ScopeProfile) {
	c.mu.Lock()
	delete(c.entries, cacheKey(userID, profile))
	c.mu.Unlock()
}

func (c *Cache) lookup(key string) (calendar.Credential, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return calendar.Credential{}, false
	}
	return e.cred, true
}

func (c *Cache) store(key string, cred calendar.Credential) {
	expiresAt := c.clock.Now().Add(c.ttl)
	if !cred.Expiry.IsZero() {
		if limit := cred.Expiry.Add(-expirySkew); limit.Before(expiresAt) {
			expiresAt = limit
		}
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{cred: cred, expiresAt: expiresAt}
	c.mu.Unlock()
}
