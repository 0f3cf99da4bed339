package cache

import (
	"fmt"
	"hash"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"luki-gateway/internal/config"
	"luki-gateway/internal/util"
)

// TTLs per resource class, carried over from the gateway this replaces.
const (
	ttlListing      = 120 * time.Second
	ttlItem         = 300 * time.Second
	ttlConversation = 60 * time.Second
	ttlActivity     = 600 * time.Second
	ttlReport       = 300 * time.Second
	ttlDefault      = 180 * time.Second
)

// Paths never cached regardless of method.
var excludedPaths = map[string]struct{}{
	"/health":       {},
	"/health/live":  {},
	"/health/ready": {},
	"/metrics":      {},
	"/docs":         {},
}

// Resource prefixes eligible for caching.
var cacheablePrefixes = []string{
	"/v1/elr/",
	"/v1/memories",
	"/v1/conversations",
	"/v1/activities/",
}

type entry struct {
	payload   []byte
	identity  string
	path      string
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// ResponseCache is a short-TTL, in-process cache for idempotent GET
// responses. Capacity-bounded: inserting at capacity evicts the single
// oldest entry. Invalidation is explicit and caller-driven.
type ResponseCache struct {
	maxSize int
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[uint64]*entry
	hits    int64
	misses  int64

	hasherPool sync.Pool
}

func New(cfg config.CacheConfig, logger *zap.Logger) *ResponseCache {
	return &ResponseCache{
		maxSize: cfg.MaxSize,
		logger:  logger,
		now:     time.Now,
		entries: make(map[uint64]*entry),
		hasherPool: sync.Pool{
			New: func() interface{} { return murmur3.New64() },
		},
	}
}

// ShouldCache reports whether a request is eligible: GET only, not an
// excluded path, no no-cache directive, and an allow-listed resource prefix.
func (c *ResponseCache) ShouldCache(method, path string, header http.Header) bool {
	if method != http.MethodGet {
		return false
	}
	if _, excluded := excludedPaths[path]; excluded {
		return false
	}
	if strings.Contains(strings.ToLower(header.Get("Cache-Control")), "no-cache") {
		return false
	}
	for _, prefix := range cacheablePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Key derives a stable 64-bit key from path, caller identity, and sorted
// query parameters.
func (c *ResponseCache) Key(path, identityKey string, query url.Values) uint64 {
	parts := []string{path}
	if identityKey != "" {
		parts = append(parts, identityKey)
	}
	if len(query) > 0 {
		names := make([]string, 0, len(query))
		for name := range query {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			vals := append([]string(nil), query[name]...)
			sort.Strings(vals)
			parts = append(parts, fmt.Sprintf("%s=%s", name, strings.Join(vals, ",")))
		}
	}

	hasher := c.hasherPool.Get().(hash.Hash64)
	defer c.hasherPool.Put(hasher)
	hasher.Reset()
	hasher.Write([]byte(strings.Join(parts, "|")))
	return hasher.Sum64()
}

// Get returns the cached payload, or nil on a miss or expired entry.
func (c *ResponseCache) Get(key uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		c.misses++
		return nil
	}
	c.hits++
	return e.payload
}

// Set stores a payload under the key, evicting the oldest entry when at
// capacity. identityKey and path are retained for targeted invalidation.
func (c *ResponseCache) Set(key uint64, payload []byte, identityKey, path string) {
	ttl := TTLFor(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &entry{
		payload:   payload,
		identity:  identityKey,
		path:      path,
		createdAt: c.now(),
		ttl:       ttl,
	}
}

// evictOldest removes the single entry with the earliest creation time.
// O(n) scan; capacity is small enough that this never matters.
func (c *ResponseCache) evictOldest() {
	var oldestKey uint64
	var oldestAt time.Time
	first := true
	for key, e := range c.entries {
		if first || e.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.createdAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// InvalidateIdentity drops every entry cached for the given caller, called
// after a write that changes what their reads would return.
func (c *ResponseCache) InvalidateIdentity(identityKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.identity == identityKey {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("invalidated cache entries",
			util.String("identity", identityKey),
			util.Int("count", removed),
		)
	}
	return removed
}

// InvalidatePrefix drops every entry whose request path starts with prefix.
func (c *ResponseCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if strings.HasPrefix(e.path, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats reports cache effectiveness for the health report.
func (c *ResponseCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"size":     len(c.entries),
		"max_size": c.maxSize,
		"hits":     c.hits,
		"misses":   c.misses,
		"hit_rate": hitRate,
	}
}

// TTLFor classifies a path into its resource-class TTL.
func TTLFor(path string) time.Duration {
	switch {
	case strings.Contains(path, "/elr/"):
		if strings.HasSuffix(path, "/list") || strings.HasSuffix(path, "/timeline") {
			return ttlListing
		}
		return ttlItem
	case strings.Contains(path, "/conversations"):
		return ttlConversation
	case strings.Contains(path, "/activities/"):
		return ttlActivity
	case strings.Contains(path, "/reports/"):
		return ttlReport
	default:
		return ttlDefault
	}
}
