package memstore

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// Backend stores entries in memory. Data is lost on restart.
// Useful for testing and as the default warm/cold tier in development.
type Backend struct {
	tier    storage.Tier
	entries []*logs.Entry
	mu      sync.RWMutex
}

// New creates an in-memory storage backend for the given tier.
func New(tier storage.Tier) *Backend {
	return &Backend{
		tier:    tier,
		entries: make([]*logs.Entry, 0, 10000),
	}
}

// Store persists a single entry.
func (b *Backend) Store(ctx context.Context, entry *logs.Entry) error {
	if err := ctx.Err(); err != nil {
		return &storage.StorageError{Tier: b.tier, Op: "store", EntryID: entry.ID, Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	return nil
}

// StoreBatch persists entries in input order.
func (b *Backend) StoreBatch(ctx context.Context, entries []*logs.Entry) error {
	if err := ctx.Err(); err != nil {
		return &storage.StorageError{Tier: b.tier, Op: "store_batch", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entries...)
	return nil
}

// Query retrieves entries matching the request.
func (b *Backend) Query(ctx context.Context, req storage.QueryRequest) ([]*logs.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.StorageError{Tier: b.tier, Op: "query", Err: err}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var results []*logs.Entry
	for _, e := range b.entries {
		if !storage.Matches(e, req) {
			continue
		}
		results = append(results, e)

		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}
	return results, nil
}

// Stats returns backend statistics.
func (b *Backend) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := &storage.Stats{
		TotalEntries: uint64(len(b.entries)),
	}
	if len(b.entries) == 0 {
		return stats, nil
	}

	// Count unique sources and find min/max timestamps in a single pass.
	// Sources are counted by hash to avoid building per-entry key strings.
	sources := make(map[uint64]struct{})
	oldest := b.entries[0].Time()
	newest := oldest

	for _, e := range b.entries {
		sources[sourceHash(e)] = struct{}{}

		t := e.Time()
		if t.Before(oldest) {
			oldest = t
		}
		if t.After(newest) {
			newest = t
		}
	}

	stats.TotalSources = uint64(len(sources))
	stats.OldestEntry = oldest
	stats.NewestEntry = newest

	// Rough size estimate per entry.
	stats.SizeBytes = uint64(len(b.entries)) * 256

	return stats, nil
}

// Close is a no-op for memory storage.
func (b *Backend) Close() error {
	return nil
}

func sourceHash(e *logs.Entry) uint64 {
	var h xxhash.Digest
	h.WriteString(e.Source.Service)
	h.WriteString("\x00")
	h.WriteString(e.Source.Instance)
	h.WriteString("\x00")
	h.WriteString(e.Source.Environment)
	return h.Sum64()
}
