package query

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// StepType is one stage of a query plan.
type StepType string

const (
	StepFilter    StepType = "filter"
	StepAggregate StepType = "aggregate"
	StepSort      StepType = "sort"
	StepLimit     StepType = "limit"
	StepJoin      StepType = "join"
)

// stepBaseCost is the unitless cost weight per step type.
var stepBaseCost = map[StepType]float64{
	StepFilter:    1,
	StepAggregate: 5,
	StepSort:      3,
	StepLimit:     0.1,
	StepJoin:      10,
}

// Step is one ordered stage of an execution plan.
type Step struct {
	Type          StepType         `json:"type"`
	Storage       storage.Tier     `json:"storage"`
	Parallel      bool             `json:"parallel"`
	EstimatedRows int64            `json:"estimated_rows"`
	Filter        *storage.Filter  `json:"filter,omitempty"`
	Aggregation   *Aggregation     `json:"aggregation,omitempty"`
}

// Plan is a cost-estimated, tier-routed execution plan for one query.
// Created per query, discarded after execution.
type Plan struct {
	ID               string        `json:"id"`
	Steps            []Step        `json:"steps"`
	EstimatedCost    float64       `json:"estimated_cost"`
	EstimatedTime    time.Duration `json:"estimated_time"`
	PreferredStorage storage.Tier  `json:"preferred_storage"`
	Complexity       float64       `json:"complexity"`

	query *Query
}

// Query returns the query the plan was built for.
func (p *Plan) Query() *Query { return p.query }

// Rows assumed per hour of queried range when estimating step row counts.
const estimatedRowsPerHour = 10000

// Planner turns queries into tier-routed, cost-estimated plans.
type Planner struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(clock clockwork.Clock, logger *slog.Logger) *Planner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Planner{clock: clock, logger: logger}
}

// Plan builds an execution plan for a validated query.
func (pl *Planner) Plan(q *Query) (*Plan, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	complexity := pl.complexity(q)
	tier := pl.selectTier(q, complexity)
	steps := pl.buildSteps(q, tier)
	cost := planCost(steps, complexity)

	p := &Plan{
		ID:               uuid.NewString(),
		Steps:            steps,
		EstimatedCost:    cost,
		EstimatedTime:    time.Duration(cost*10) * time.Millisecond,
		PreferredStorage: tier,
		Complexity:       complexity,
		query:            q,
	}

	pl.logger.Debug("planned query",
		"plan_id", p.ID,
		"tier", tier,
		"steps", len(steps),
		"cost", cost,
		"complexity", complexity,
	)
	return p, nil
}

// complexity scores a query on range width, filter and aggregation counts,
// and the NL / ML surcharges. Always at least 1.
func (pl *Planner) complexity(q *Query) float64 {
	c := math.Log10(q.TimeRange.Hours()) *
		(1 + 0.2*float64(len(q.Filters))) *
		(1 + 0.5*float64(len(q.Aggregations)))
	if q.FromNaturalLanguage {
		c *= 2
	}
	if q.MLFeatures {
		c *= 3
	}
	if c < 1 || math.IsNaN(c) {
		c = 1
	}
	return c
}

// selectTier routes the plan: an explicit hint wins; otherwise recency of
// the range end and complexity decide.
func (pl *Planner) selectTier(q *Query, complexity float64) storage.Tier {
	if q.Hints.PreferredStorage != "" {
		return q.Hints.PreferredStorage
	}

	hoursSinceEnd := pl.clock.Now().Sub(q.TimeRange.To).Hours()
	switch {
	case hoursSinceEnd < 24:
		return storage.TierHot
	case hoursSinceEnd < 168 && complexity < 5:
		return storage.TierWarm
	default:
		return storage.TierCold
	}
}

// buildSteps emits the ordered stages: filter first, one step per extra
// filter, one per aggregation, then sort and limit if requested. Row
// estimates only shrink as steps narrow the result.
func (pl *Planner) buildSteps(q *Query, tier storage.Tier) []Step {
	parallel := q.Hints.Parallelism > 1
	rows := int64(q.TimeRange.Hours() * estimatedRowsPerHour)
	if rows < 1 {
		rows = 1
	}

	var steps []Step
	var first *storage.Filter
	if len(q.Filters) > 0 {
		first = &q.Filters[0]
		rows = shrink(rows, 2)
	}
	steps = append(steps, Step{
		Type: StepFilter, Storage: tier, Parallel: parallel,
		EstimatedRows: rows, Filter: first,
	})

	for i := 1; i < len(q.Filters); i++ {
		rows = shrink(rows, 2)
		steps = append(steps, Step{
			Type: StepFilter, Storage: tier, Parallel: parallel,
			EstimatedRows: rows, Filter: &q.Filters[i],
		})
	}

	for i := range q.Aggregations {
		rows = shrink(rows, 10)
		steps = append(steps, Step{
			Type: StepAggregate, Storage: tier, Parallel: parallel,
			EstimatedRows: rows, Aggregation: &q.Aggregations[i],
		})
	}

	if q.Sort != nil {
		steps = append(steps, Step{
			Type: StepSort, Storage: tier, EstimatedRows: rows,
		})
	}

	if q.Limit > 0 {
		if int64(q.Limit) < rows {
			rows = int64(q.Limit)
		}
		steps = append(steps, Step{
			Type: StepLimit, Storage: tier, EstimatedRows: rows,
		})
	}

	return steps
}

func planCost(steps []Step, complexity float64) float64 {
	var sum float64
	for _, s := range steps {
		c := stepBaseCost[s.Type] * math.Log10(float64(s.EstimatedRows)+1)
		if s.Parallel {
			c *= 0.7
		}
		sum += c
	}
	return sum * complexity
}

func shrink(rows int64, factor int64) int64 {
	rows /= factor
	if rows < 1 {
		return 1
	}
	return rows
}
