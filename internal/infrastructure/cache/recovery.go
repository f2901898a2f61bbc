package cache

import (
	"errors"
	"fmt"
	"math"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

// Validate checks keys, scores, TTLs and memory accounting.
func (c *ContextCache) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var problems []error
	var memory int64
	for key, e := range c.entries {
		if err := validateEntry(key, e); err != nil {
			problems = append(problems, err)
		}
		memory += e.memory
	}
	if memory != c.memory {
		problems = append(problems, fmt.Errorf("memory accounting drift: tracked %d, actual %d", c.memory, memory))
	}
	if len(problems) > 0 {
		return domain.WrapError(domain.ErrCacheCorrupted, "validate cache", errors.Join(problems...))
	}
	return nil
}

func validateEntry(key string, e *entry) error {
	if e == nil {
		return fmt.Errorf("entry %s is nil", key)
	}
	if e.key != key || Key(e.query, e.size, e.intent) != key {
		return fmt.Errorf("entry %s has mismatched key", key)
	}
	if e.chunks == nil {
		return fmt.Errorf("entry %s has no chunk list", key)
	}
	if e.ttl <= 0 {
		return fmt.Errorf("entry %s has non-positive ttl", key)
	}
	for _, ch := range e.chunks {
		if math.IsNaN(ch.Score) || ch.Score < 0 || ch.Score > 1 {
			return fmt.Errorf("entry %s chunk %s has score %v", key, ch.ID, ch.Score)
		}
	}
	return nil
}

// Snapshot copies every valid, unexpired entry.
func (c *ContextCache) Snapshot() domain.CacheSnapshot {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := domain.CacheSnapshot{TakenAt: now, Entries: make([]domain.CacheSnapshotEntry, 0, len(c.entries))}
	for key, e := range c.entries {
		if validateEntry(key, e) != nil || e.expired(now) {
			continue
		}
		snapshot.Entries = append(snapshot.Entries, domain.CacheSnapshotEntry{
			Key:         e.key,
			Query:       e.query,
			Intent:      e.intent,
			Size:        e.size,
			Chunks:      domain.CloneChunks(e.chunks),
			StoredAt:    e.storedAt,
			TTL:         e.ttl,
			AccessCount: e.accessCount,
		})
	}
	return snapshot
}

// Restore loads snapshot entries that are still valid and unexpired and
// returns how many were accepted.
func (c *ContextCache) Restore(snapshot domain.CacheSnapshot) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for _, se := range snapshot.Entries {
		e := newEntry(se.Query, se.Size, se.Chunks, se.Intent, se.StoredAt, se.TTL)
		e.accessCount = se.AccessCount
		e.lastAccessed = now
		if se.Key != "" && se.Key != e.key {
			continue
		}
		if validateEntry(e.key, e) != nil || e.expired(now) || e.memory > c.cfg.MaxMemoryBytes/2 {
			continue
		}
		c.insertLocked(e)
		restored++
	}
	return restored
}
