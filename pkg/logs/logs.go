package logs

import (
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// Source identifies where an entry was emitted.
type Source struct {
	Service     string `json:"service"`
	Instance    string `json:"instance,omitempty"`
	Region      string `json:"region,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Message holds the raw log line plus any structured fields parsed from it.
type Message struct {
	Raw        string         `json:"raw"`
	Structured map[string]any `json:"structured,omitempty"`
}

// Metrics carries optional numeric measurements attached to an entry.
type Metrics struct {
	DurationMS  float64 `json:"duration_ms,omitempty"`
	ErrorRate   float64 `json:"error_rate,omitempty"`
	CPUUsage    float64 `json:"cpu_usage,omitempty"`
	MemoryUsage float64 `json:"memory_usage,omitempty"`
}

// Enrichment is the ML-derived annotation set for an entry.
// Scores are in [0,1]; the scorer behind it is pluggable.
type Enrichment struct {
	AnomalyScore float64 `json:"anomaly_score"`
	Category     string  `json:"category"`
	Confidence   float64 `json:"confidence"`
}

// DefaultEnrichment is substituted when the enrichment service fails.
func DefaultEnrichment() *Enrichment {
	return &Enrichment{AnomalyScore: 0, Category: "unknown", Confidence: 0.5}
}

// Entry is a single ingested log event. Timestamp is nanoseconds since the
// Unix epoch. ML and StorageTier are set exactly once during pipeline
// enrichment; everything else is immutable after ingress.
type Entry struct {
	ID          string      `json:"id"`
	Timestamp   int64       `json:"timestamp"`
	Level       Level       `json:"level"`
	Source      Source      `json:"source"`
	Message     Message     `json:"message"`
	Metrics     *Metrics    `json:"metrics,omitempty"`
	ML          *Enrichment `json:"ml,omitempty"`
	StorageTier string      `json:"storage_tier,omitempty"`
}

// Time returns the entry timestamp as a time.Time.
func (e *Entry) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Age returns how long ago the entry was emitted relative to now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Time())
}
