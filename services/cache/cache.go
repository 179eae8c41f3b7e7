// Package cache stores completed non-streaming responses keyed by a
// deterministic fingerprint of the request.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/upb/llm-orchestrator/services/providers"
	"go.uber.org/zap"
)

const (
	// MessagePrefixLength is how many characters of each message take part in the key
	MessagePrefixLength = 500

	// HitWeight is how much creation-time credit one hit is worth when
	// choosing an eviction victim
	HitWeight = time.Hour

	bytesPerMB = 1024 * 1024
)

// KeyInput is the part of a request that identifies a cached answer
type KeyInput struct {
	Model       string
	Messages    []providers.Message
	Mode        providers.Mode
	Shape       string
	Temperature float64
}

type keyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// keyDocument fixes field order so the JSON encoding is canonical
type keyDocument struct {
	Model       string       `json:"model"`
	Messages    []keyMessage `json:"messages"`
	Mode        string       `json:"mode"`
	Shape       string       `json:"shape"`
	Temperature float64      `json:"temperature"`
}

// Key derives the cache key for a request. Message metadata is ignored and
// content is truncated to MessagePrefixLength characters.
func Key(in KeyInput) string {
	doc := keyDocument{
		Model:       in.Model,
		Messages:    make([]keyMessage, len(in.Messages)),
		Mode:        string(in.Mode),
		Shape:       in.Shape,
		Temperature: in.Temperature,
	}
	for i, m := range in.Messages {
		doc.Messages[i] = keyMessage{Role: m.Role, Content: truncate(m.Content, MessagePrefixLength)}
	}

	// Marshal of plain strings and floats cannot fail
	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Config holds cache limits
type Config struct {
	MaxSizeMB int
	TTL       time.Duration
}

// entry is a write-once cached response
type entry struct {
	key       string
	response  providers.ChatResponse
	createdAt time.Time
	expiresAt time.Time
	hits      uint64
	size      int64
}

func (e *entry) score() int64 {
	return int64(e.hits)*HitWeight.Milliseconds() + e.createdAt.UnixMilli()
}

// ResponseCache is a size-bounded response store with absolute TTL.
// Thread-safe; eviction and insertion happen under one lock.
type ResponseCache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	size      int64
	maxSize   int64
	ttl       time.Duration
	hits      uint64
	misses    uint64
	evictions uint64
	now       func() time.Time
	logger    *zap.Logger
}

// Option customizes a ResponseCache
type Option func(*ResponseCache)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) {
		c.now = now
	}
}

// WithLogger sets the logger used for eviction diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(c *ResponseCache) {
		c.logger = logger
	}
}

// New creates a cache
func New(cfg Config, opts ...Option) *ResponseCache {
	c := &ResponseCache{
		entries: make(map[string]*entry),
		maxSize: int64(cfg.MaxSizeMB) * bytesPerMB,
		ttl:     cfg.TTL,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached response, or false on a miss.
// Expired entries are removed.
func (c *ResponseCache) Get(key string) (*providers.ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists || !c.now().Before(e.expiresAt) {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return nil, false
	}

	e.hits++
	c.hits++

	resp := e.response
	return &resp, true
}

// Set stores resp under key, evicting lower-scored entries until it fits.
// Responses larger than the whole cache are not stored. Returns whether the
// response was stored.
func (c *ResponseCache) Set(key string, resp *providers.ChatResponse) bool {
	if resp == nil {
		return false
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("failed to size cache entry", zap.Error(err))
		return false
	}
	size := int64(len(raw))

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxSize {
		c.logger.Debug("response too large to cache",
			zap.Int64("size_bytes", size),
			zap.Int64("max_size_bytes", c.maxSize),
		)
		return false
	}

	// Racing inserts for the same key: last writer wins
	c.removeEntry(key)

	for c.size+size > c.maxSize && len(c.entries) > 0 {
		c.evictOne()
	}

	now := c.now()
	c.entries[key] = &entry{
		key:       key,
		response:  *resp,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
		size:      size,
	}
	c.size += size
	return true
}

// Clear removes all entries
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.size = 0
}

// Stats represents cache statistics
type Stats struct {
	Entries      int     `json:"entries"`
	SizeBytes    int64   `json:"size_bytes"`
	MaxSizeBytes int64   `json:"max_size_bytes"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	Evictions    uint64  `json:"evictions"`
	HitRate      float64 `json:"hit_rate"`
}

// Stats returns a snapshot of cache statistics
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:      len(c.entries),
		SizeBytes:    c.size,
		MaxSizeBytes: c.maxSize,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		HitRate:      c.calculateHitRate(),
	}
}

func (c *ResponseCache) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// removeEntry must be called with lock held
func (c *ResponseCache) removeEntry(key string) {
	if e, exists := c.entries[key]; exists {
		c.size -= e.size
		delete(c.entries, key)
	}
}

// evictOne removes the entry with the lowest score; ties go to the older
// entry, then to the smaller key. Must be called with lock held.
func (c *ResponseCache) evictOne() {
	var victim *entry
	for _, e := range c.entries {
		if victim == nil {
			victim = e
			continue
		}
		es, vs := e.score(), victim.score()
		if es < vs ||
			(es == vs && e.createdAt.Before(victim.createdAt)) ||
			(es == vs && e.createdAt.Equal(victim.createdAt) && e.key < victim.key) {
			victim = e
		}
	}
	if victim == nil {
		return
	}

	c.removeEntry(victim.key)
	c.evictions++
	c.logger.Debug("evicted cache entry",
		zap.String("key", victim.key),
		zap.Uint64("hits", victim.hits),
		zap.Int64("size_bytes", victim.size),
	)
}

// CleanupExpired removes all expired entries and returns how many were removed
func (c *ResponseCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically removes expired entries until stopCh is closed
func (c *ResponseCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.CleanupExpired(); n > 0 {
				c.logger.Debug("removed expired cache entries", zap.Int("count", n))
			}
		case <-stopCh:
			return
		}
	}
}
