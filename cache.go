package conductor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// cacheEntry holds a cached structured response and the time it was stored.
type cacheEntry struct {
	value    StructuredResponse
	storedAt time.Time
}

// responseCache deduplicates model calls within a delegation run. Entries
// are keyed by fingerprint and expire lazily: a lookup past TTL evicts the
// entry and reports a miss.
type responseCache struct {
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration
	now func() time.Time
}

// newResponseCache builds a cache with the given entry cap and TTL.
// Non-positive values fall back to the defaults.
func newResponseCache(size int, ttl time.Duration) *responseCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// lru.New only errors on non-positive size, guarded above.
		panic(err)
	}
	return &responseCache{lru: cache, ttl: ttl, now: time.Now}
}

// get returns the cached response for fp if it has not expired.
func (c *responseCache) get(fp string) (StructuredResponse, bool) {
	entry, ok := c.lru.Get(fp)
	if !ok {
		return StructuredResponse{}, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.lru.Remove(fp)
		return StructuredResponse{}, false
	}
	return entry.value, true
}

// put stores a successful final decode under fp.
func (c *responseCache) put(fp string, value StructuredResponse) {
	c.lru.Add(fp, cacheEntry{value: value, storedAt: c.now()})
}

// purge drops every entry.
func (c *responseCache) purge() {
	c.lru.Purge()
}

// len reports the number of live entries, expired or not.
func (c *responseCache) len() int {
	return c.lru.Len()
}

// fingerprint produces the deterministic cache key for one model call:
// a SHA-256 over the NFC-normalized query, a hash of the fully rendered
// system prompt, the sorted tool-name set, and the schema identifier.
// Including the rendered prompt means any prompt variable change misses
// the cache.
func fingerprint(query, renderedPrompt string, toolNames []string, schemaID string) string {
	promptSum := sha256.Sum256([]byte(renderedPrompt))

	h := sha256.New()
	h.Write([]byte(norm.NFC.String(strings.TrimSpace(query))))
	h.Write([]byte{0})
	h.Write(promptSum[:])
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(toolNames, ",")))
	h.Write([]byte{0})
	h.Write([]byte(schemaID))
	return hex.EncodeToString(h.Sum(nil))
}
