package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loupe-obs/loupe/pkg/logs"
)

// Matches checks whether an entry satisfies a query request's time range
// and all of its filters.
func Matches(e *logs.Entry, req QueryRequest) bool {
	t := e.Time()
	if t.Before(req.Start) || t.After(req.End) {
		return false
	}
	for _, f := range req.Filters {
		if !MatchFilter(e, f) {
			return false
		}
	}
	return true
}

// MatchFilter evaluates a single filter against an entry.
func MatchFilter(e *logs.Entry, f Filter) bool {
	val, ok := FieldValue(e, f.Field)
	if !ok {
		return false
	}

	switch f.Op {
	case OpEq:
		return fmt.Sprint(val) == fmt.Sprint(f.Value)
	case OpNeq:
		return fmt.Sprint(val) != fmt.Sprint(f.Value)
	case OpContains:
		s, ok := val.(string)
		if !ok {
			return false
		}
		want, ok := f.Value.(string)
		return ok && strings.Contains(s, want)
	case OpRegex:
		s, ok := val.(string)
		if !ok {
			return false
		}
		pattern, ok := f.Value.(string)
		if !ok {
			return false
		}
		matched, err := regexp.MatchString(pattern, s)
		return err == nil && matched
	case OpGt, OpGte, OpLt, OpLte:
		lhs, lok := toFloat(val)
		rhs, rok := toFloat(f.Value)
		if !lok || !rok {
			return false
		}
		switch f.Op {
		case OpGt:
			return lhs > rhs
		case OpGte:
			return lhs >= rhs
		case OpLt:
			return lhs < rhs
		default:
			return lhs <= rhs
		}
	}
	return false
}

// FieldValue resolves a dot-style field path against an entry.
func FieldValue(e *logs.Entry, field string) (any, bool) {
	switch field {
	case "id":
		return e.ID, true
	case "timestamp":
		return e.Timestamp, true
	case "level":
		return string(e.Level), true
	case "message", "message.raw":
		return e.Message.Raw, true
	case "source.service":
		return e.Source.Service, true
	case "source.instance":
		return e.Source.Instance, true
	case "source.region":
		return e.Source.Region, true
	case "source.environment":
		return e.Source.Environment, true
	case "metrics.duration_ms":
		if e.Metrics == nil {
			return nil, false
		}
		return e.Metrics.DurationMS, true
	case "metrics.error_rate":
		if e.Metrics == nil {
			return nil, false
		}
		return e.Metrics.ErrorRate, true
	case "metrics.cpu_usage":
		if e.Metrics == nil {
			return nil, false
		}
		return e.Metrics.CPUUsage, true
	case "metrics.memory_usage":
		if e.Metrics == nil {
			return nil, false
		}
		return e.Metrics.MemoryUsage, true
	case "ml.anomaly_score":
		if e.ML == nil {
			return nil, false
		}
		return e.ML.AnomalyScore, true
	case "ml.category":
		if e.ML == nil {
			return nil, false
		}
		return e.ML.Category, true
	}

	if key, ok := strings.CutPrefix(field, "structured."); ok {
		if e.Message.Structured == nil {
			return nil, false
		}
		v, ok := e.Message.Structured[key]
		return v, ok
	}
	return nil, false
}

// NumericFieldValue resolves a field path and coerces it to a float64.
func NumericFieldValue(e *logs.Entry, field string) (float64, bool) {
	v, ok := FieldValue(e, field)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
