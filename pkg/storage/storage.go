package storage

import (
	"context"
	"time"

	"github.com/loupe-obs/loupe/pkg/logs"
)

// Tier is a retention class. Tiers differ in backend, cost and retention;
// the engine only routes to them, it never manages retention itself.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Age boundaries for tier routing.
const (
	HotMaxAge  = 24 * time.Hour
	WarmMaxAge = 7 * 24 * time.Hour
)

// TierFor routes an entry age to a retention tier.
func TierFor(age time.Duration) Tier {
	switch {
	case age < HotMaxAge:
		return TierHot
	case age < WarmMaxAge:
		return TierWarm
	default:
		return TierCold
	}
}

// FilterOp is a comparison operator in a query filter.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNeq      FilterOp = "neq"
	OpGt       FilterOp = "gt"
	OpGte      FilterOp = "gte"
	OpLt       FilterOp = "lt"
	OpLte      FilterOp = "lte"
	OpContains FilterOp = "contains"
	OpRegex    FilterOp = "regex"
)

// Filter matches entries on a single field. Field names address the entry
// dot-style: "level", "source.service", "message.raw", "ml.anomaly_score",
// or "structured.<key>" for parsed message fields.
type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

// QueryRequest specifies which entries to retrieve from a backend.
type QueryRequest struct {
	Start   time.Time
	End     time.Time
	Filters []Filter
	Limit   int
}

// Stats provides backend health and usage info.
type Stats struct {
	TotalEntries uint64
	TotalSources uint64
	SizeBytes    uint64
	OldestEntry  time.Time
	NewestEntry  time.Time
}

// Backend is a single tier's storage, accessed through this narrow interface.
// Implementations: memstore (testing, warm/cold default), badgerstore (hot).
type Backend interface {
	// Store persists one entry.
	Store(ctx context.Context, entry *logs.Entry) error

	// StoreBatch persists entries in input order.
	StoreBatch(ctx context.Context, entries []*logs.Entry) error

	// Query retrieves entries within a time range matching the filters.
	Query(ctx context.Context, req QueryRequest) ([]*logs.Entry, error)

	// Stats returns backend statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the backend.
	Close() error
}
