package storage

import (
	"testing"
	"time"

	"github.com/loupe-obs/loupe/pkg/logs"
)

func testEntry() *logs.Entry {
	return &logs.Entry{
		ID:        "e-1",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
		Level:     logs.LevelError,
		Source:    logs.Source{Service: "checkout", Region: "us-east-1"},
		Message: logs.Message{
			Raw:        "payment declined for order 991",
			Structured: map[string]any{"order_id": 991.0, "gateway": "stripe"},
		},
		Metrics: &logs.Metrics{DurationMS: 240},
		ML:      &logs.Enrichment{AnomalyScore: 0.83, Category: "payment"},
	}
}

func TestTierFor_Boundaries(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want Tier
	}{
		{0, TierHot},
		{23 * time.Hour, TierHot},
		{HotMaxAge, TierWarm},
		{3 * 24 * time.Hour, TierWarm},
		{WarmMaxAge, TierCold},
		{30 * 24 * time.Hour, TierCold},
	}
	for _, tc := range cases {
		if got := TierFor(tc.age); got != tc.want {
			t.Errorf("TierFor(%s) = %s, want %s", tc.age, got, tc.want)
		}
	}
}

func TestMatchFilter_Operators(t *testing.T) {
	e := testEntry()
	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq level", Filter{Field: "level", Op: OpEq, Value: "ERROR"}, true},
		{"neq level", Filter{Field: "level", Op: OpNeq, Value: "INFO"}, true},
		{"eq miss", Filter{Field: "level", Op: OpEq, Value: "INFO"}, false},
		{"gt duration", Filter{Field: "metrics.duration_ms", Op: OpGt, Value: 100.0}, true},
		{"gte exact", Filter{Field: "metrics.duration_ms", Op: OpGte, Value: 240.0}, true},
		{"lt miss", Filter{Field: "metrics.duration_ms", Op: OpLt, Value: 100.0}, false},
		{"lte anomaly", Filter{Field: "ml.anomaly_score", Op: OpLte, Value: 0.9}, true},
		{"contains raw", Filter{Field: "message.raw", Op: OpContains, Value: "declined"}, true},
		{"contains miss", Filter{Field: "message.raw", Op: OpContains, Value: "approved"}, false},
		{"regex raw", Filter{Field: "message.raw", Op: OpRegex, Value: `order \d+`}, true},
		{"structured eq", Filter{Field: "structured.gateway", Op: OpEq, Value: "stripe"}, true},
		{"structured gt", Filter{Field: "structured.order_id", Op: OpGt, Value: 900.0}, true},
		{"source service", Filter{Field: "source.service", Op: OpEq, Value: "checkout"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchFilter(e, tc.filter); got != tc.want {
				t.Errorf("MatchFilter(%+v) = %v, want %v", tc.filter, got, tc.want)
			}
		})
	}
}

func TestMatches_TimeRangeAndFilters(t *testing.T) {
	e := testEntry()
	ts := e.Time()

	req := QueryRequest{
		Start:   ts.Add(-time.Hour),
		End:     ts.Add(time.Hour),
		Filters: []Filter{{Field: "level", Op: OpEq, Value: "ERROR"}},
	}
	if !Matches(e, req) {
		t.Error("entry inside range with matching filter should match")
	}

	req.Start = ts.Add(time.Minute)
	if Matches(e, req) {
		t.Error("entry before range start should not match")
	}
}

func TestNumericFieldValue_MissingField(t *testing.T) {
	e := testEntry()
	if _, ok := NumericFieldValue(e, "metrics.unknown"); ok {
		t.Error("unknown field should not resolve")
	}
	if v, ok := NumericFieldValue(e, "metrics.duration_ms"); !ok || v != 240 {
		t.Errorf("expected 240, got %v (ok=%v)", v, ok)
	}
}
