package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// Backend implements storage.Backend on BadgerDB (LSM tree). Used as the
// hot tier, where recent entries see the highest write and query volume.
type Backend struct {
	db   *badger.DB
	tier storage.Tier
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = conservative default)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend.
func New(cfg Config) (*Backend, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Badger defaults assume a dedicated server; bound the memtable and
	// caches so the hot tier stays within the engine's memory budget.
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	} else {
		memTableSize = 16 * 1024 * 1024
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Backend{db: db, tier: storage.TierHot}, nil
}

// Store persists a single entry.
func (b *Backend) Store(ctx context.Context, entry *logs.Entry) error {
	return b.StoreBatch(ctx, []*logs.Entry{entry})
}

// StoreBatch persists entries in input order.
// Enforces context cancellation to prevent indefinite blocking.
func (b *Backend) StoreBatch(ctx context.Context, entries []*logs.Entry) error {
	if err := ctx.Err(); err != nil {
		return &storage.StorageError{Tier: b.tier, Op: "store_batch", Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- b.db.Update(func(txn *badger.Txn) error {
			for i, e := range entries {
				// Check context periodically (every 100 entries)
				if i%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				value, err := json.Marshal(e)
				if err != nil {
					return fmt.Errorf("failed to encode entry %s: %w", e.ID, err)
				}
				if err := txn.Set(makeKey(e), value); err != nil {
					return fmt.Errorf("failed to write entry %s: %w", e.ID, err)
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return &storage.StorageError{Tier: b.tier, Op: "store_batch", Err: err}
		}
		return nil
	case <-ctx.Done():
		return &storage.StorageError{Tier: b.tier, Op: "store_batch", Err: ctx.Err()}
	}
}

// Query retrieves entries matching the request.
func (b *Backend) Query(ctx context.Context, req storage.QueryRequest) ([]*logs.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.StorageError{Tier: b.tier, Op: "query", Err: err}
	}

	type queryResult struct {
		entries []*logs.Entry
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var results []*logs.Entry
		err := b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++

				// Check for cancellation every 1000 iterations so long
				// scans cannot block shutdown or outlive their deadline.
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				// Keys embed the timestamp; skip entries outside the range
				// before paying for a value read.
				ts := keyTimestamp(it.Item().Key())
				if ts.Before(req.Start) || ts.After(req.End) {
					continue
				}

				err := it.Item().Value(func(val []byte) error {
					var e logs.Entry
					if err := json.Unmarshal(val, &e); err != nil {
						return err
					}
					if storage.Matches(&e, req) {
						results = append(results, &e)
					}
					return nil
				})
				if err != nil {
					return err
				}

				if req.Limit > 0 && len(results) >= req.Limit {
					break
				}
			}
			return nil
		})
		done <- queryResult{entries: results, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &storage.StorageError{Tier: b.tier, Op: "query", Err: res.err}
		}
		return res.entries, nil
	case <-ctx.Done():
		return nil, &storage.StorageError{Tier: b.tier, Op: "query", Err: ctx.Err()}
	}
}

// Stats returns storage statistics.
func (b *Backend) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		sources := make(map[uint64]struct{})
		var oldest, newest time.Time
		var iterCount int

		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			stats.TotalEntries++
			key := it.Item().Key()
			sources[binary.BigEndian.Uint64(key[0:8])] = struct{}{}

			ts := keyTimestamp(key)
			if oldest.IsZero() || ts.Before(oldest) {
				oldest = ts
			}
			if newest.IsZero() || ts.After(newest) {
				newest = ts
			}
		}

		stats.TotalSources = uint64(len(sources))
		stats.OldestEntry = oldest
		stats.NewestEntry = newest
		return nil
	})
	if err != nil {
		return nil, &storage.StorageError{Tier: b.tier, Op: "stats", Err: err}
	}

	lsmSize, vlogSize := b.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// Close shuts down BadgerDB cleanly.
func (b *Backend) Close() error {
	return b.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
func (b *Backend) RunGC(discardRatio float64) error {
	return b.db.RunValueLogGC(discardRatio)
}

// makeKey creates a sortable key: source_hash + timestamp + id_hash.
// Format: [source_hash (8 bytes)][timestamp (8 bytes)][id_hash (8 bytes)]
func makeKey(e *logs.Entry) []byte {
	var h xxhash.Digest
	h.WriteString(e.Source.Service)
	h.WriteString("\x00")
	h.WriteString(e.Source.Instance)

	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[0:8], h.Sum64())
	binary.BigEndian.PutUint64(key[8:16], uint64(e.Timestamp))
	binary.BigEndian.PutUint64(key[16:24], xxhash.Sum64String(e.ID))
	return key
}

// keyTimestamp extracts the entry timestamp from a storage key.
func keyTimestamp(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[8:16])))
}
