package query

import (
	"fmt"
	"time"

	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// MaxLimit bounds the number of entries a single query may return.
const MaxLimit = 10000

// TimeRange is the interval a query covers. From must precede To.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Hours returns the range duration in hours.
func (r TimeRange) Hours() float64 {
	return r.To.Sub(r.From).Hours()
}

// AggType is an aggregation function.
type AggType string

const (
	AggCount AggType = "count"
	AggSum   AggType = "sum"
	AggAvg   AggType = "avg"
	AggMin   AggType = "min"
	AggMax   AggType = "max"
)

// Aggregation computes one value (or one value per group) over the
// matching entries.
type Aggregation struct {
	Type    AggType  `json:"type"`
	Field   string   `json:"field,omitempty"`
	GroupBy []string `json:"group_by,omitempty"`
}

// Sort orders results by a field.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// CacheStrategy controls whether and how long a query result is cached.
type CacheStrategy string

const (
	CacheNormal     CacheStrategy = "normal"
	CacheAggressive CacheStrategy = "aggressive"
	CacheBypass     CacheStrategy = "bypass"
)

// Hints are execution preferences. They never change the answer, only how
// it is produced, so they are excluded from the cache key.
type Hints struct {
	PreferredStorage storage.Tier  `json:"preferred_storage,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	Parallelism      int           `json:"parallelism,omitempty"`
	CacheStrategy    CacheStrategy `json:"cache_strategy,omitempty"`
}

// Query is a time-ranged analytical request. Stateless, never persisted.
type Query struct {
	TimeRange    TimeRange        `json:"time_range"`
	Filters      []storage.Filter `json:"filters,omitempty"`
	Aggregations []Aggregation    `json:"aggregations,omitempty"`
	Sort         *Sort            `json:"sort,omitempty"`
	Limit        int              `json:"limit,omitempty"`

	// MLFeatures requests anomaly-score fields in filters/aggregations.
	MLFeatures bool `json:"ml_features,omitempty"`

	// FromNaturalLanguage marks queries produced by the NL translator;
	// those plans carry a complexity surcharge.
	FromNaturalLanguage bool `json:"from_natural_language,omitempty"`

	Hints Hints `json:"hints,omitempty"`
}

// Validate checks structural requirements.
func (q *Query) Validate() error {
	if q.TimeRange.From.IsZero() || q.TimeRange.To.IsZero() {
		return &logs.ValidationError{Field: "time_range", Reason: "required"}
	}
	if !q.TimeRange.From.Before(q.TimeRange.To) {
		return &logs.ValidationError{Field: "time_range", Reason: "from must precede to"}
	}
	if q.Limit < 0 || q.Limit > MaxLimit {
		return &logs.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be in [0,%d]", MaxLimit)}
	}
	return nil
}

// AggResult is the computed output of one aggregation. Grouped
// aggregations fill Groups with one value per group key; ungrouped ones
// set Value.
type AggResult struct {
	Type   AggType            `json:"type"`
	Field  string             `json:"field,omitempty"`
	Value  float64            `json:"value"`
	Groups map[string]float64 `json:"groups,omitempty"`
}

// Performance records how a query was executed.
type Performance struct {
	PlanID          string        `json:"plan_id"`
	Duration        time.Duration `json:"duration"`
	StorageAccessed []string      `json:"storage_accessed"`
	CacheHit        bool          `json:"cache_hit"`
	RowsScanned     int           `json:"rows_scanned"`
}

// Result is the answer to a query.
type Result struct {
	Logs         []*logs.Entry `json:"logs"`
	Total        int           `json:"total"`
	Aggregations []AggResult   `json:"aggregations,omitempty"`
	Performance  Performance   `json:"performance"`
}
