package memstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/storage"
)

func entryAt(id string, ts time.Time, level logs.Level, service string) *logs.Entry {
	return &logs.Entry{
		ID:        id,
		Timestamp: ts.UnixNano(),
		Level:     level,
		Source:    logs.Source{Service: service},
		Message:   logs.Message{Raw: "msg " + id},
	}
}

func TestStoreBatch_PreservesAndQueries(t *testing.T) {
	store := New(storage.TierWarm)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var batch []*logs.Entry
	for i := 0; i < 10; i++ {
		level := logs.LevelInfo
		if i%2 == 0 {
			level = logs.LevelError
		}
		batch = append(batch, entryAt(fmt.Sprintf("e-%d", i), base.Add(time.Duration(i)*time.Minute), level, "api"))
	}
	if err := store.StoreBatch(ctx, batch); err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}

	got, err := store.Query(ctx, storage.QueryRequest{
		Start:   base,
		End:     base.Add(time.Hour),
		Filters: []storage.Filter{{Field: "level", Op: storage.OpEq, Value: "ERROR"}},
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected 5 error entries, got %d", len(got))
	}
}

func TestQuery_RespectsLimit(t *testing.T) {
	store := New(storage.TierWarm)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		e := entryAt(fmt.Sprintf("e-%d", i), base.Add(time.Duration(i)*time.Second), logs.LevelInfo, "api")
		if err := store.Store(ctx, e); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	got, err := store.Query(ctx, storage.QueryRequest{
		Start: base,
		End:   base.Add(time.Hour),
		Limit: 7,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 7 {
		t.Errorf("expected 7 entries, got %d", len(got))
	}
}

func TestStats_CountsDistinctSources(t *testing.T) {
	store := New(storage.TierCold)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	services := []string{"api", "api", "worker", "db"}
	for i, svc := range services {
		e := entryAt(fmt.Sprintf("e-%d", i), base.Add(time.Duration(i)*time.Minute), logs.LevelInfo, svc)
		if err := store.Store(ctx, e); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEntries != 4 {
		t.Errorf("expected 4 entries, got %d", stats.TotalEntries)
	}
	if stats.TotalSources != 3 {
		t.Errorf("expected 3 distinct sources, got %d", stats.TotalSources)
	}
	if !stats.OldestEntry.Equal(base) {
		t.Errorf("oldest entry should be %s, got %s", base, stats.OldestEntry)
	}
}
