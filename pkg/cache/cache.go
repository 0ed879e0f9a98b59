package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/query"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// Config tunes the query-result cache.
type Config struct {
	MaxSizeBytes   int64
	DefaultTTL     time.Duration
	AggressiveTTL  time.Duration // used for hints.cacheStrategy=aggressive
	SweepInterval  time.Duration
	AccessInterval time.Duration // weight of one hit in the eviction score
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 64 * 1024 * 1024
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.AggressiveTTL <= 0 {
		c.AggressiveTTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.AccessInterval <= 0 {
		c.AccessInterval = 10 * time.Second
	}
	return nil
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	Evictions  uint64  `json:"evictions"`
	HitRate    float64 `json:"hit_rate"`
	MemoryUsed int64   `json:"memory_used"`
	Entries    int     `json:"entries"`
}

type entry struct {
	key         string
	result      *query.Result
	ttl         time.Duration
	createdAt   time.Time
	accessCount int64
	sizeBytes   int64
}

// score approximates last access as created + hits*interval. Kept for
// compatibility with the original engine rather than tracking true
// last-access timestamps; see DESIGN.md.
func (e *entry) score(interval time.Duration) time.Time {
	return e.createdAt.Add(time.Duration(e.accessCount) * interval)
}

// Cache is a TTL plus size-bounded query-result cache. Expired entries
// are dropped lazily on Get and proactively by a background sweep; under
// size pressure the approximately least-recently-used entries go first.
type Cache struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	curSize int64

	hits      uint64
	misses    uint64
	evictions uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its expiry sweep.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Cache{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

// Key hashes the parts of a query that determine its answer: time range,
// structured clauses and the ML-features flag. Execution hints are
// excluded, and nested object keys are canonicalized so insertion order
// never changes the hash.
func Key(q *query.Query) string {
	keyable := struct {
		TimeRange    query.TimeRange     `json:"time_range"`
		Filters      []storage.Filter    `json:"filters,omitempty"`
		Aggregations []query.Aggregation `json:"aggregations,omitempty"`
		Sort         *query.Sort         `json:"sort,omitempty"`
		Limit        int                 `json:"limit,omitempty"`
		MLFeatures   bool                `json:"ml_features,omitempty"`
	}{q.TimeRange, q.Filters, q.Aggregations, q.Sort, q.Limit, q.MLFeatures}

	raw, err := json.Marshal(keyable)
	if err != nil {
		// Marshal of plain structs cannot realistically fail; fall back to
		// a formatted representation.
		raw = []byte(fmt.Sprintf("%+v", keyable))
	}

	// Round-trip through any: encoding/json writes map keys sorted, which
	// canonicalizes nested structured values.
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			raw = canonical
		}
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for a query, or nil on miss. An entry
// past its TTL counts as a miss and is evicted lazily.
func (c *Cache) Get(q *query.Query) *query.Result {
	key := Key(q)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if now.After(e.createdAt.Add(e.ttl)) {
		c.removeLocked(e)
		c.misses++
		return nil
	}

	e.accessCount++
	c.hits++
	return e.result
}

// Set stores a result with the given TTL (0 = default). Under size
// pressure, entries with the lowest approximate last-access score are
// evicted until the new entry fits.
func (c *Cache) Set(q *query.Query, result *query.Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("cache set skipped, unserializable result", "err", err)
		return
	}
	size := int64(len(raw))
	if size > c.cfg.MaxSizeBytes {
		return
	}

	key := Key(q)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	if c.curSize+size > c.cfg.MaxSizeBytes {
		c.evictLocked(c.curSize + size - c.cfg.MaxSizeBytes)
	}

	c.entries[key] = &entry{
		key:       key,
		result:    result,
		ttl:       ttl,
		createdAt: c.clock.Now(),
		sizeBytes: size,
	}
	c.curSize += size
}

// TTLFor maps a cache strategy to an entry TTL. Bypass returns 0,false:
// the result must not be cached.
func (c *Cache) TTLFor(strategy query.CacheStrategy) (time.Duration, bool) {
	switch strategy {
	case query.CacheBypass:
		return 0, false
	case query.CacheAggressive:
		return c.cfg.AggressiveTTL, true
	default:
		return c.cfg.DefaultTTL, true
	}
}

// Invalidate removes all entries whose key matches the pattern, or every
// entry when pattern is empty.
func (c *Cache) Invalidate(pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		c.entries = make(map[string]*entry)
		c.curSize = 0
		return nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid invalidation pattern: %w", err)
	}
	for key, e := range c.entries {
		if re.MatchString(key) {
			c.removeLocked(e)
		}
	}
	return nil
}

// Clear drops everything. Used as the memory-pressure reaction.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.curSize = 0
}

// Stats returns cache effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		HitRate:    rate,
		MemoryUsed: c.curSize,
		Entries:    len(c.entries),
	}
}

// Stop halts the background sweep.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// evictLocked frees at least needed bytes, lowest access score first.
func (c *Cache) evictLocked(needed int64) {
	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score(c.cfg.AccessInterval).Before(candidates[j].score(c.cfg.AccessInterval))
	})

	var freed int64
	for _, e := range candidates {
		if freed >= needed {
			break
		}
		freed += e.sizeBytes
		c.removeLocked(e)
		c.evictions++
	}
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.curSize -= e.sizeBytes
}

// sweepLoop proactively removes TTL-expired entries.
func (c *Cache) sweepLoop() {
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if now.After(e.createdAt.Add(e.ttl)) {
			c.removeLocked(e)
		}
	}
}
