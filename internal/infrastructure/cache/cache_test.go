package cache

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func sampleChunks(score float64, contents ...string) []domain.ContextChunk {
	out := make([]domain.ContextChunk, len(contents))
	for i, content := range contents {
		out[i] = domain.ContextChunk{
			ID:       "chunk-" + content,
			Content:  content,
			Score:    score,
			Tokens:   10,
			Source:   "src-" + content,
			Metadata: domain.ChunkMetadata{ContentType: domain.ContentWork, ContentID: "src-" + content},
		}
	}
	return out
}

func TestSetGetReturnsCopy(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	if err := c.Set("Ile lat doświadczenia?", 600, sampleChunks(0.7, "seven years"), domain.IntentFactual); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.Get("  ile LAT doświadczenia? ", 600, domain.IntentFactual)
	if !ok || len(got) != 1 {
		t.Fatalf("expected hit, got ok=%v chunks=%v", ok, got)
	}
	got[0].Content = "mutated"

	again, _ := c.Get("ile lat doświadczenia?", 600, domain.IntentFactual)
	if again[0].Content != "seven years" {
		t.Fatalf("expected cached chunks to be isolated from callers")
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 0 || stats.Entries != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestKeyDependsOnIntentAndSize(t *testing.T) {
	if Key("q", 100, domain.IntentFactual) == Key("q", 200, domain.IntentFactual) {
		t.Fatalf("expected size to change key")
	}
	if Key("q", 100, domain.IntentFactual) == Key("q", 100, domain.IntentCasual) {
		t.Fatalf("expected intent to change key")
	}
	if !strings.HasPrefix(Key("q", 100, ""), "ctx:any:100:") {
		t.Fatalf("unexpected key for empty intent: %s", Key("q", 100, ""))
	}
}

func TestGetExpiresLazily(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{BaseTTL: 30 * time.Minute}, WithClock(clock.Now))
	defer c.Close()

	if err := c.Set("hej", 400, sampleChunks(0.6, "hello"), domain.IntentCasual); err != nil {
		t.Fatalf("set: %v", err)
	}
	clock.Advance(14 * time.Minute)
	if _, ok := c.Get("hej", 400, domain.IntentCasual); !ok {
		t.Fatalf("expected hit before ttl")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := c.Get("hej", 400, domain.IntentCasual); ok {
		t.Fatalf("expected miss after casual ttl of 15m")
	}
	stats := c.Stats()
	if stats.Entries != 0 || stats.Misses != 1 || stats.Evictions != 1 {
		t.Fatalf("unexpected stats after expiry: %+v", stats)
	}
}

func TestTTLMultipliers(t *testing.T) {
	c := New(Config{BaseTTL: 30 * time.Minute})
	defer c.Close()

	if got := c.ttlLocked(domain.IntentFactual, sampleChunks(0.9, "a")); got != 90*time.Minute {
		t.Fatalf("expected 90m for high quality factual, got %s", got)
	}

	big := sampleChunks(0.3, "a")
	big[0].Tokens = 2500
	want := time.Duration(float64(30*time.Minute) * 1.8 * 0.7 * 1.3)
	if got := c.ttlLocked(domain.IntentSynthesis, big); (got - want).Abs() > time.Millisecond {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestSetRejectsOversizedEntry(t *testing.T) {
	c := New(Config{MaxMemoryBytes: 1000})
	defer c.Close()

	err := c.Set("q", 100, sampleChunks(0.5, strings.Repeat("x", 300)), domain.IntentFactual)
	if !domain.IsKind(err, domain.ErrEntryTooLarge) {
		t.Fatalf("expected entry too large, got %v", err)
	}
	if stats := c.Stats(); stats.Rejections != 1 || stats.Entries != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEvictionKeepsFrequentlyUsedEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{MaxEntries: 2}, WithClock(clock.Now))
	defer c.Close()

	_ = c.Set("a", 100, sampleChunks(0.5, "a"), domain.IntentFactual)
	_ = c.Set("b", 100, sampleChunks(0.5, "b"), domain.IntentFactual)
	c.Get("a", 100, domain.IntentFactual)
	clock.Advance(time.Second)
	_ = c.Set("c", 100, sampleChunks(0.5, "c"), domain.IntentFactual)

	if _, ok := c.Get("b", 100, domain.IntentFactual); ok {
		t.Fatalf("expected idle entry b to be evicted")
	}
	if _, ok := c.Get("a", 100, domain.IntentFactual); !ok {
		t.Fatalf("expected accessed entry a to survive")
	}
	if _, ok := c.Get("c", 100, domain.IntentFactual); !ok {
		t.Fatalf("expected newest entry c to survive")
	}
}

func TestEvictionHonoursMemoryBudget(t *testing.T) {
	per := EstimateMemory(sampleChunks(0.5, strings.Repeat("y", 50)))
	c := New(Config{MaxMemoryBytes: per*3 + per/2})
	defer c.Close()

	for _, q := range []string{"one", "two", "three", "four", "five"} {
		if err := c.Set(q, 100, sampleChunks(0.5, strings.Repeat("y", 50)), domain.IntentFactual); err != nil {
			t.Fatalf("set %s: %v", q, err)
		}
	}
	stats := c.Stats()
	if stats.MemoryBytes > stats.MemoryLimit || stats.Entries != 3 {
		t.Fatalf("expected memory budget to hold with 3 entries, got %+v", stats)
	}
}

func TestInvalidateMatchesQueryAndContent(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	_ = c.Set("Tell me about Kubernetes", 100, sampleChunks(0.5, "cluster work"), domain.IntentExploration)
	_ = c.Set("design systems", 100, sampleChunks(0.5, "Figma tokens"), domain.IntentExploration)
	_ = c.Set("hobbies", 100, sampleChunks(0.5, "climbing"), domain.IntentCasual)

	n, err := c.Invalidate("kubernetes")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 query match, got n=%d err=%v", n, err)
	}
	n, err = c.Invalidate("figma")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 content match, got n=%d err=%v", n, err)
	}
	if _, err := c.Invalidate("("); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for bad pattern, got %v", err)
	}
	n, err = c.Invalidate("")
	if err != nil || n != 1 || c.Stats().Entries != 0 {
		t.Fatalf("expected empty pattern to clear, got n=%d err=%v", n, err)
	}
}

func TestInvalidateThenGetMisses(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	if err := c.Set("X", 100, sampleChunks(0.6, "portfolio entry"), ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, ok := c.Get("X", 100, ""); !ok || len(got) != 1 {
		t.Fatalf("expected hit before invalidation, got ok=%v chunks=%v", ok, got)
	}
	n, err := c.Invalidate("X")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 removed, got n=%d err=%v", n, err)
	}
	if got, ok := c.Get("X", 100, ""); ok || got != nil {
		t.Fatalf("expected miss after invalidation, got %v", got)
	}
}

func TestInvalidateKeepsUnrelatedEntries(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	_ = c.Set("X", 100, sampleChunks(0.5, "portfolio entry"), domain.IntentFactual)
	_ = c.Set("hobbies", 100, sampleChunks(0.5, "climbing"), domain.IntentCasual)
	_ = c.Set("design systems", 1500, sampleChunks(0.5, "Figma tokens"), domain.IntentSynthesis)

	n, err := c.Invalidate("X")
	if err != nil || n != 1 {
		t.Fatalf("expected only the X entry removed, got n=%d err=%v", n, err)
	}
	if c.Stats().Entries != 2 {
		t.Fatalf("expected 2 entries left, got %d", c.Stats().Entries)
	}
	// Digits, hex letters and intent names appear only in the hashed key.
	for _, pattern := range []string{"1", "ctx", "casual", "[a-f0-9]{8}"} {
		n, err := c.Invalidate(pattern)
		if err != nil || n != 0 {
			t.Fatalf("Invalidate(%q) removed %d entries, err=%v", pattern, n, err)
		}
	}
	if _, ok := c.Get("hobbies", 100, domain.IntentCasual); !ok {
		t.Fatalf("unrelated entry was dropped")
	}
}

func TestInvalidateSource(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	_ = c.Set("q1", 100, sampleChunks(0.5, "alpha", "beta"), domain.IntentFactual)
	_ = c.Set("q2", 100, sampleChunks(0.5, "gamma"), domain.IntentFactual)

	if n := c.InvalidateSource("src-beta"); n != 1 {
		t.Fatalf("expected 1 entry removed, got %d", n)
	}
	if _, ok := c.Get("q2", 100, domain.IntentFactual); !ok {
		t.Fatalf("expected unrelated entry to survive")
	}
}

func TestOptimizeRaisesTTLOnLowHitRate(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	c.Get("missing", 100, domain.IntentFactual)
	c.Optimize()
	if got := c.Stats().TTLMultiplier; got != 1.2 {
		t.Fatalf("expected multiplier 1.2, got %v", got)
	}
	for i := 0; i < 20; i++ {
		c.Optimize()
	}
	if got := c.Stats().TTLMultiplier; got != 3 {
		t.Fatalf("expected multiplier capped at 3, got %v", got)
	}
}

func TestOptimizeLowersTTLUnderMemoryPressure(t *testing.T) {
	per := EstimateMemory(sampleChunks(0.5, strings.Repeat("z", 40)))
	c := New(Config{MaxMemoryBytes: per * 2})
	defer c.Close()

	_ = c.Set("a", 100, sampleChunks(0.5, strings.Repeat("z", 40)), domain.IntentFactual)
	_ = c.Set("b", 100, sampleChunks(0.5, strings.Repeat("z", 40)), domain.IntentFactual)
	c.Optimize()

	stats := c.Stats()
	if stats.TTLMultiplier != 0.8 {
		t.Fatalf("expected multiplier 0.8, got %v", stats.TTLMultiplier)
	}
	if float64(stats.MemoryBytes) > 0.8*float64(stats.MemoryLimit) {
		t.Fatalf("expected eviction to 80%% of budget, got %+v", stats)
	}
}

func TestValidateSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{}, WithClock(clock.Now))
	defer c.Close()

	_ = c.Set("good", 100, sampleChunks(0.7, "fine"), domain.IntentFactual)
	_ = c.Set("bad", 100, sampleChunks(0.7, "broken"), domain.IntentFactual)
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid cache, got %v", err)
	}

	c.mu.Lock()
	c.entries[Key("bad", 100, domain.IntentFactual)].chunks[0].Score = 7
	c.mu.Unlock()

	if err := c.Validate(); !domain.IsKind(err, domain.ErrCacheCorrupted) {
		t.Fatalf("expected corruption, got %v", err)
	}

	snapshot := c.Snapshot()
	if len(snapshot.Entries) != 1 || snapshot.Entries[0].Query != "good" {
		t.Fatalf("expected only the valid entry in snapshot, got %+v", snapshot.Entries)
	}

	c.Clear()
	if n := c.Restore(snapshot); n != 1 {
		t.Fatalf("expected 1 restored entry, got %d", n)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid cache after restore, got %v", err)
	}
	if _, ok := c.Get("good", 100, domain.IntentFactual); !ok {
		t.Fatalf("expected restored entry to be served")
	}
}

func TestRestoreSkipsExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{}, WithClock(clock.Now))
	defer c.Close()

	snapshot := domain.CacheSnapshot{Entries: []domain.CacheSnapshotEntry{{
		Query:    "old",
		Size:     100,
		Intent:   domain.IntentFactual,
		Chunks:   sampleChunks(0.5, "x"),
		StoredAt: clock.Now().Add(-2 * time.Hour),
		TTL:      time.Hour,
	}}}
	if n := c.Restore(snapshot); n != 0 {
		t.Fatalf("expected expired entry to be skipped, got %d", n)
	}
}

func TestJanitorSweepsAndCloseIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{BaseTTL: time.Minute, CleanupInterval: 5 * time.Millisecond}, WithClock(clock.Now))

	_ = c.Set("q", 100, sampleChunks(0.6, "x"), domain.IntentFactual)
	clock.Advance(time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Entries != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not sweep expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Close()
	c.Close()
}

func TestEvictionPrefersLowPriorityAtEqualRecency(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{MaxEntries: 2}, WithClock(clock.Now))
	defer c.Close()

	_ = c.Set("low", 100, sampleChunks(0.2, "low"), domain.IntentFactual)
	_ = c.Set("high", 100, sampleChunks(0.9, "high"), domain.IntentFactual)
	_ = c.Set("new", 100, sampleChunks(0.5, "new"), domain.IntentFactual)

	if _, ok := c.Get("low", 100, domain.IntentFactual); ok {
		t.Fatalf("expected low priority entry to be evicted first")
	}
	if _, ok := c.Get("high", 100, domain.IntentFactual); !ok {
		t.Fatalf("expected high priority entry to survive")
	}
}
