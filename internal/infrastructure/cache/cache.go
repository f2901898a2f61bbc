// Package cache keeps pruned context sets in memory with adaptive TTLs and
// memory-aware eviction.
package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

const entryOverheadBytes = 256

type Config struct {
	MaxEntries      int           `yaml:"max_entries"`
	MaxMemoryBytes  int64         `yaml:"max_memory_bytes"`
	BaseTTL         time.Duration `yaml:"base_ttl"`
	TargetHitRate   float64       `yaml:"target_hit_rate"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func (c Config) normalize() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = 50 << 20
	}
	if c.BaseTTL <= 0 {
		c.BaseTTL = 30 * time.Minute
	}
	if c.TargetHitRate <= 0 || c.TargetHitRate > 1 {
		c.TargetHitRate = 0.6
	}
	return c
}

var intentTTL = map[domain.QueryIntent]float64{
	domain.IntentFactual:     2.0,
	domain.IntentCasual:      0.5,
	domain.IntentExploration: 1.5,
	domain.IntentComparison:  1.2,
	domain.IntentSynthesis:   1.8,
}

type entry struct {
	key          string
	query        string
	intent       domain.QueryIntent
	size         int
	chunks       []domain.ContextChunk
	content      string
	storedAt     time.Time
	lastAccessed time.Time
	ttl          time.Duration
	accessCount  int64
	hitCount     int64
	memory       int64
	priority     float64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// ContextCache is safe for concurrent use.
type ContextCache struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	entries       map[string]*entry
	memory        int64
	hits          int64
	misses        int64
	evictions     int64
	rejections    int64
	ttlMultiplier float64

	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*ContextCache)

func WithClock(now func() time.Time) Option {
	return func(c *ContextCache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *ContextCache {
	c := &ContextCache{
		cfg:           cfg.normalize(),
		now:           time.Now,
		entries:       make(map[string]*entry),
		ttlMultiplier: 1,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cfg.CleanupInterval > 0 {
		go c.janitor(c.cfg.CleanupInterval)
	} else {
		close(c.done)
	}
	return c
}

func (c *ContextCache) janitor(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			removed := c.sweepLocked()
			c.mu.Unlock()
			if removed > 0 {
				slog.Debug("context_cache_sweep", "removed", removed)
			}
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (c *ContextCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

// Key builds the cache key for a query. An empty intent matches any intent.
func Key(query string, size int, intent domain.QueryIntent) string {
	label := string(intent)
	if label == "" {
		label = "any"
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalizeQuery(query)))
	return fmt.Sprintf("ctx:%s:%d:%016x", label, size, h.Sum64())
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func (c *ContextCache) Get(query string, size int, intent domain.QueryIntent) ([]domain.ContextChunk, bool) {
	key := Key(query, size, intent)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.expired(now) {
		c.removeLocked(e)
		c.evictions++
		c.misses++
		return nil, false
	}

	e.accessCount++
	e.hitCount++
	e.lastAccessed = now
	c.hits++
	return domain.CloneChunks(e.chunks), true
}

func (c *ContextCache) Set(query string, size int, chunks []domain.ContextChunk, intent domain.QueryIntent) error {
	c.mu.Lock()
	ttl := c.ttlLocked(intent, chunks)
	c.mu.Unlock()
	return c.SetWithTTL(query, size, chunks, intent, ttl)
}

// SetWithTTL stores chunks with an explicit TTL, bypassing the adaptive policy.
func (c *ContextCache) SetWithTTL(query string, size int, chunks []domain.ContextChunk, intent domain.QueryIntent, ttl time.Duration) error {
	if ttl <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "cache set", fmt.Errorf("ttl must be positive, got %s", ttl))
	}

	now := c.now()
	e := newEntry(query, size, chunks, intent, now, ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.memory > c.cfg.MaxMemoryBytes/2 {
		c.rejections++
		return domain.WrapError(domain.ErrEntryTooLarge, "cache set", fmt.Errorf("entry needs %d bytes, budget %d", e.memory, c.cfg.MaxMemoryBytes))
	}
	c.insertLocked(e)
	return nil
}

func newEntry(query string, size int, chunks []domain.ContextChunk, intent domain.QueryIntent, now time.Time, ttl time.Duration) *entry {
	stored := domain.CloneChunks(chunks)
	if stored == nil {
		stored = []domain.ContextChunk{}
	}

	var content strings.Builder
	for _, ch := range stored {
		content.WriteString(ch.Content)
		content.WriteByte('\n')
	}

	return &entry{
		key:          Key(query, size, intent),
		query:        normalizeQuery(query),
		intent:       intent,
		size:         size,
		chunks:       stored,
		content:      content.String(),
		storedAt:     now,
		lastAccessed: now,
		ttl:          ttl,
		memory:       EstimateMemory(stored),
		priority:     meanScore(stored),
	}
}

func (c *ContextCache) insertLocked(e *entry) {
	if old, ok := c.entries[e.key]; ok {
		c.removeLocked(old)
	}
	c.entries[e.key] = e
	c.memory += e.memory
	c.evictLocked(c.cfg.MaxMemoryBytes, c.cfg.MaxEntries, e.key)
}

func (c *ContextCache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.memory -= e.memory
}

// evictLocked drops lowest-value entries until both budgets hold. keep is never evicted.
func (c *ContextCache) evictLocked(memoryLimit int64, entryLimit int, keep string) {
	now := c.now()
	for c.memory > memoryLimit || len(c.entries) > entryLimit {
		var victim *entry
		victimScore := math.Inf(1)
		for key, e := range c.entries {
			if key == keep {
				continue
			}
			if s := evictionScore(e, now); s < victimScore {
				victim, victimScore = e, s
			}
		}
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		c.evictions++
	}
}

func evictionScore(e *entry, now time.Time) float64 {
	ageMinutes := max(now.Sub(e.storedAt).Minutes(), 1)
	frequency := float64(e.accessCount) / ageMinutes
	idleMs := float64(now.Sub(e.lastAccessed).Milliseconds())
	return frequency*1000 + e.priority*500 - idleMs
}

func (c *ContextCache) ttlLocked(intent domain.QueryIntent, chunks []domain.ContextChunk) time.Duration {
	mult := 1.0
	if m, ok := intentTTL[intent]; ok {
		mult = m
	}
	if len(chunks) > 0 {
		switch avg := meanScore(chunks); {
		case avg > 0.8:
			mult *= 1.5
		case avg < 0.5:
			mult *= 0.7
		}
	}
	if domain.TotalTokens(chunks) > 2000 {
		mult *= 1.3
	}
	return time.Duration(float64(c.cfg.BaseTTL) * mult * c.ttlMultiplier)
}

// Invalidate removes entries whose normalised query or chunk content matches
// pattern (case-insensitive regular expression). The hashed key is not
// matched. An empty pattern clears the cache.
func (c *ContextCache) Invalidate(pattern string) (int, error) {
	if pattern == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		n := len(c.entries)
		c.clearLocked()
		return n, nil
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "cache invalidate", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, e := range c.entries {
		if re.MatchString(e.query) || re.MatchString(e.content) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed, nil
}

// InvalidateSource drops every entry that holds a chunk from contentID.
func (c *ContextCache) InvalidateSource(contentID string) int {
	if contentID == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.entries {
		for _, ch := range e.chunks {
			if ch.Metadata.ContentID == contentID || ch.Source == contentID {
				c.removeLocked(e)
				removed++
				break
			}
		}
	}
	return removed
}

// Optimize retunes the TTL multiplier from the observed hit rate and memory
// pressure, then sweeps expired entries and evicts down to 80% of the budget.
func (c *ContextCache) Optimize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if total := c.hits + c.misses; total > 0 {
		if float64(c.hits)/float64(total) < c.cfg.TargetHitRate {
			c.ttlMultiplier = min(3, c.ttlMultiplier*1.2)
		}
	}
	if float64(c.memory) > 0.8*float64(c.cfg.MaxMemoryBytes) {
		c.ttlMultiplier = max(0.5, c.ttlMultiplier*0.8)
	}

	swept := c.sweepLocked()
	c.evictLocked(int64(0.8*float64(c.cfg.MaxMemoryBytes)), c.cfg.MaxEntries, "")
	slog.Info("context_cache_optimized",
		"ttl_multiplier", c.ttlMultiplier,
		"expired", swept,
		"entries", len(c.entries),
		"memory_bytes", c.memory,
	)
}

func (c *ContextCache) sweepLocked() int {
	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			c.evictions++
			removed++
		}
	}
	return removed
}

func (c *ContextCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *ContextCache) clearLocked() {
	c.entries = make(map[string]*entry)
	c.memory = 0
}

func (c *ContextCache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return domain.CacheStats{
		Entries:       len(c.entries),
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Rejections:    c.rejections,
		HitRate:       hitRate,
		MemoryBytes:   c.memory,
		MemoryLimit:   c.cfg.MaxMemoryBytes,
		TTLMultiplier: c.ttlMultiplier,
	}
}

// EstimateMemory approximates an entry footprint: two bytes per content rune,
// the JSON size of each chunk's metadata and a fixed per-entry overhead.
func EstimateMemory(chunks []domain.ContextChunk) int64 {
	total := int64(entryOverheadBytes)
	for _, ch := range chunks {
		total += int64(2 * utf8.RuneCountInString(ch.Content))
		if raw, err := json.Marshal(ch.Metadata); err == nil {
			total += int64(len(raw))
		}
	}
	return total
}

func meanScore(chunks []domain.ContextChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	sum := 0.0
	for _, ch := range chunks {
		sum += ch.Score
	}
	return sum / float64(len(chunks))
}
