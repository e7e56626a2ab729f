package timeql

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/moolen/retrace/internal/clock"
	"github.com/moolen/retrace/internal/logging"
)

// cachedResult is one cache entry: the marshaled result payload and its
// expiry instant. Payload bytes are cached rather than the envelope so a
// hit returns byte-identical rows while executed_at/elapsed stay fresh.
type cachedResult struct {
	payload   []byte
	kind      string
	expiresAt time.Time
}

// Cache is the TTL'd LRU over query results. Entries are keyed by the
// canonical statement text plus tenant, so equivalent query spellings
// share an entry and tenants never see each other's results.
type Cache struct {
	lru    *lru.Cache[string, *cachedResult]
	ttl    time.Duration
	clk    clock.Clock
	logger *logging.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	expired atomic.Uint64
}

// NewCache creates a cache holding up to cap entries for ttl each.
func NewCache(cap int, ttl time.Duration, clk clock.Clock) (*Cache, error) {
	inner, err := lru.New[string, *cachedResult](cap)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		lru:    inner,
		ttl:    ttl,
		clk:    clk,
		logger: logging.GetLogger("timeql.cache"),
	}, nil
}

// CacheKey derives the cache key for a statement executed by a tenant.
func CacheKey(stmt Statement, tenantID string) string {
	h := sha256.New()
	h.Write([]byte(stmt.Canonical()))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached payload for key, expiring stale entries.
func (c *Cache) Get(key string) ([]byte, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.clk.Now().After(entry.expiresAt) {
		c.lru.Remove(key)
		c.expired.Add(1)
		c.misses.Add(1)
		c.logger.Debug("cache entry expired: key=%s kind=%s", key[:8], entry.kind)
		return nil, false
	}
	c.hits.Add(1)
	return entry.payload, true
}

// Put stores a payload under key with the configured TTL.
func (c *Cache) Put(key, kind string, payload []byte) {
	c.lru.Add(key, &cachedResult{
		payload:   payload,
		kind:      kind,
		expiresAt: c.clk.Now().Add(c.ttl),
	})
}

// Len returns the number of live entries, counting expired ones until
// their next Get.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// CacheStats is a point-in-time counter snapshot.
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Expired uint64 `json:"expired"`
}

// Stats returns the counter snapshot.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries: c.lru.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
	}
}
