package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/pool"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// highPriorityTimeout marks queries with tight deadlines for priority
// treatment among pool waiters.
const highPriorityTimeout = 5 * time.Second

// lowPriorityAggs is the aggregation count past which a query is assumed
// analytical and deprioritized.
const lowPriorityAggs = 3

// Executor runs plans against tier-pooled storage connections.
type Executor struct {
	manager *pool.Manager[storage.Backend]
	logger  *slog.Logger
}

// NewExecutor creates an executor on top of the resource manager's tier
// pools (one pool per storage.Tier, named by the tier).
func NewExecutor(manager *pool.Manager[storage.Backend], logger *slog.Logger) *Executor {
	return &Executor{manager: manager, logger: logger}
}

// Execute runs a plan and returns its result. The pooled connection is
// always released, error or not.
func (ex *Executor) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	q := plan.Query()
	start := time.Now()

	if q.Hints.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Hints.Timeout)
		defer cancel()
	}

	ex.manager.QueryStarted()
	defer ex.manager.QueryFinished()

	conn, err := ex.manager.Acquire(ctx, string(plan.PreferredStorage), priorityFor(q))
	if err != nil {
		return nil, fmt.Errorf("acquire %s connection: %w", plan.PreferredStorage, err)
	}
	defer conn.Release()

	// All filters are pushed down to the backend in one scan; aggregation,
	// sort and limit steps run over the fetched set.
	req := storage.QueryRequest{
		Start:   q.TimeRange.From,
		End:     q.TimeRange.To,
		Filters: q.Filters,
	}
	if len(q.Aggregations) == 0 && q.Sort == nil {
		req.Limit = q.Limit
	}

	entries, err := conn.Value().Query(ctx, req)
	if err != nil {
		return nil, err
	}
	scanned := len(entries)

	var aggs []AggResult
	for _, step := range plan.Steps {
		switch step.Type {
		case StepAggregate:
			aggs = append(aggs, computeAggregation(entries, *step.Aggregation))
		case StepSort:
			sortEntries(entries, *q.Sort)
		case StepLimit:
			if q.Limit > 0 && len(entries) > q.Limit {
				entries = entries[:q.Limit]
			}
		}
	}

	res := &Result{
		Logs:         entries,
		Total:        len(entries),
		Aggregations: aggs,
		Performance: Performance{
			PlanID:          plan.ID,
			Duration:        time.Since(start),
			StorageAccessed: tiersAccessed(plan.Steps),
			RowsScanned:     scanned,
		},
	}
	return res, nil
}

// priorityFor derives waiter priority from execution hints: tight
// deadlines go first, heavy analytical queries go last.
func priorityFor(q *Query) pool.Priority {
	if q.Hints.Timeout > 0 && q.Hints.Timeout < highPriorityTimeout {
		return pool.PriorityHigh
	}
	if len(q.Aggregations) > lowPriorityAggs {
		return pool.PriorityLow
	}
	return pool.PriorityNormal
}

// tiersAccessed returns the distinct set of tiers the plan touched.
func tiersAccessed(steps []Step) []string {
	seen := make(map[storage.Tier]struct{})
	var tiers []string
	for _, s := range steps {
		if _, ok := seen[s.Storage]; !ok {
			seen[s.Storage] = struct{}{}
			tiers = append(tiers, string(s.Storage))
		}
	}
	return tiers
}

func computeAggregation(entries []*logs.Entry, agg Aggregation) AggResult {
	res := AggResult{Type: agg.Type, Field: agg.Field}

	if len(agg.GroupBy) > 0 {
		groups := make(map[string][]*logs.Entry)
		for _, e := range entries {
			groups[groupKey(e, agg.GroupBy)] = append(groups[groupKey(e, agg.GroupBy)], e)
		}
		res.Groups = make(map[string]float64, len(groups))
		for k, group := range groups {
			res.Groups[k] = aggregate(group, agg)
		}
		return res
	}

	res.Value = aggregate(entries, agg)
	return res
}

func aggregate(entries []*logs.Entry, agg Aggregation) float64 {
	if agg.Type == AggCount {
		return float64(len(entries))
	}

	var values []float64
	for _, e := range entries {
		if v, ok := storage.NumericFieldValue(e, agg.Field); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0
	}

	switch agg.Type {
	case AggSum:
		return sum(values)
	case AggAvg:
		return sum(values) / float64(len(values))
	case AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default:
		return 0
	}
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

func groupKey(e *logs.Entry, groupBy []string) string {
	key := ""
	for _, field := range groupBy {
		v, _ := storage.FieldValue(e, field)
		key += fmt.Sprintf("%s=%v,", field, v)
	}
	return key
}

func sortEntries(entries []*logs.Entry, s Sort) {
	sort.SliceStable(entries, func(i, j int) bool {
		less := entryLess(entries[i], entries[j], s.Field)
		if s.Desc {
			return !less
		}
		return less
	})
}

func entryLess(a, b *logs.Entry, field string) bool {
	if field == "" || field == "timestamp" {
		return a.Timestamp < b.Timestamp
	}
	av, aok := storage.NumericFieldValue(a, field)
	bv, bok := storage.NumericFieldValue(b, field)
	if aok && bok {
		return av < bv
	}
	as, _ := storage.FieldValue(a, field)
	bs, _ := storage.FieldValue(b, field)
	return fmt.Sprint(as) < fmt.Sprint(bs)
}
