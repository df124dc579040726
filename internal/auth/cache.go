package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"recurflow/internal/store"
)

const (
	CacheKey   = "scheduling.auth_cache"
	DefaultTTL = 5 * time.Minute
)

// Checker performs the real "is the caller authenticated" check.
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

type CheckerFunc func(ctx context.Context) (bool, error)

func (f CheckerFunc) Check(ctx context.Context) (bool, error) { return f(ctx) }

type CacheEntry struct {
	IsValid     bool      `json:"isValid"`
	LastChecked time.Time `json:"lastChecked"`
	ValidUntil  time.Time `json:"validUntil"`
}

// Cache memoizes Checker results in the KV store for TTL. Failed checks are
// cached as invalid for the same TTL so a broken backend is not hammered.
type Cache struct {
	kv      store.KV
	checker Checker
	ttl     time.Duration
	now     func() time.Time
}

func NewCache(kv store.KV, checker Checker, ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{kv: kv, checker: checker, ttl: ttl, now: now}
}

func (c *Cache) Validate(ctx context.Context) bool {
	now := c.now()
	var cached CacheEntry
	ok, err := store.GetJSON(ctx, c.kv, CacheKey, &cached)
	if err != nil {
		log.Warn().Err(err).Msg("read auth cache")
	}
	if ok && now.Before(cached.ValidUntil) {
		return cached.IsValid
	}

	valid, err := c.checker.Check(ctx)
	if err != nil {
		log.Error().Err(err).Msg("authentication check failed")
		valid = false
	}
	entry := CacheEntry{IsValid: valid, LastChecked: now, ValidUntil: now.Add(c.ttl)}
	if err := store.SetJSON(ctx, c.kv, CacheKey, entry); err != nil {
		log.Warn().Err(err).Msg("write auth cache")
	}
	return valid
}

// MarkInvalid records a rejection seen outside the check, e.g. a 401 from
// the expense API. It holds for the TTL like a failed check.
func (c *Cache) MarkInvalid(ctx context.Context) {
	now := c.now()
	entry := CacheEntry{IsValid: false, LastChecked: now, ValidUntil: now.Add(c.ttl)}
	if err := store.SetJSON(ctx, c.kv, CacheKey, entry); err != nil {
		log.Warn().Err(err).Msg("write auth cache")
	}
}

// Invalidate forces the next Validate to run the real check.
func (c *Cache) Invalidate(ctx context.Context) {
	if err := store.SetJSON(ctx, c.kv, CacheKey, CacheEntry{}); err != nil {
		log.Warn().Err(err).Msg("invalidate auth cache")
	}
}
