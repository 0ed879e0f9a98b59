package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/events"
	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/query"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// QueryFunc pulls recent matching logs for windowed and absence checks.
// Injected to keep the alert engine decoupled from the query path.
type QueryFunc func(ctx context.Context, q *query.Query) (*query.Result, error)

// Config tunes the alert engine.
type Config struct {
	TickInterval    time.Duration // periodic evaluation cadence
	DefaultThrottle time.Duration // per (rule, action type) suppression window
	ActionTimeout   time.Duration
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.DefaultThrottle <= 0 {
		c.DefaultThrottle = 5 * time.Minute
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	return nil
}

// Engine evaluates alert rules against ingested entries and periodic
// windows, and dispatches throttled notification actions.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	clock    clockwork.Clock
	bus      *events.Bus
	queryFn  QueryFunc
	throttle *ttlcache.Cache[string, time.Time]

	mu    sync.RWMutex
	rules map[string]*Rule

	notifiers map[ActionType]Notifier

	stop     chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an alert engine and starts its periodic tick.
func NewEngine(cfg Config, queryFn QueryFunc, notifiers map[ActionType]Notifier, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	throttle := ttlcache.New[string, time.Time]()
	go throttle.Start()

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		bus:       bus,
		queryFn:   queryFn,
		throttle:  throttle,
		rules:     make(map[string]*Rule),
		notifiers: notifiers,
		stop:      make(chan struct{}),
	}
	go e.tickLoop()
	return e, nil
}

// Stop halts the periodic tick and throttle bookkeeping.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.throttle.Stop()
	})
}

// Create validates and registers a rule, assigning its id.
func (e *Engine) Create(rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return nil, fmt.Errorf("alert %s already exists", rule.ID)
	}
	e.rules[rule.ID] = rule.clone()
	return rule, nil
}

// Update validates and replaces a rule, preserving trigger bookkeeping.
func (e *Engine) Update(rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.rules[rule.ID]
	if !ok || existing.Deleted {
		return nil, fmt.Errorf("alert %s not found", rule.ID)
	}
	rule.LastTriggered = existing.LastTriggered
	rule.TriggerCount = existing.TriggerCount
	e.rules[rule.ID] = rule.clone()
	return rule, nil
}

// Delete soft-deletes a rule; it stops evaluating but its record remains.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok || rule.Deleted {
		return fmt.Errorf("alert %s not found", id)
	}
	rule.Deleted = true
	rule.Enabled = false
	return nil
}

// Get returns a snapshot of the rule with the given id. The engine keeps
// updating trigger bookkeeping on its own copy.
func (e *Engine) Get(id string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[id]
	if !ok || rule.Deleted {
		return nil, false
	}
	return rule.clone(), true
}

// List returns snapshots of all live rules.
func (e *Engine) List() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if !r.Deleted {
			out = append(out, r.clone())
		}
	}
	return out
}

// CheckLog evaluates every enabled per-entry rule against one entry. A
// failure in one rule never blocks the others or the caller.
func (e *Engine) CheckLog(ctx context.Context, entry *logs.Entry) {
	for _, rule := range e.enabledRules() {
		if rule.periodic() {
			continue
		}
		matched, value := evalEntry(rule, entry)
		if matched {
			e.trigger(ctx, rule, entry, value)
		}
	}
}

// CheckBatch evaluates per-entry rules against a batch.
func (e *Engine) CheckBatch(ctx context.Context, entries []*logs.Entry) {
	for _, entry := range entries {
		e.CheckLog(ctx, entry)
	}
}

func (e *Engine) enabledRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled && !r.Deleted {
			out = append(out, r)
		}
	}
	return out
}

// evalEntry evaluates threshold, pattern and anomaly conditions against a
// single entry, returning the extracted value for notification context.
func evalEntry(rule *Rule, entry *logs.Entry) (bool, float64) {
	c := rule.Condition
	switch c.Type {
	case ConditionThreshold:
		value, ok := extractNumeric(entry, c.Field)
		if !ok {
			return false, 0
		}
		return c.Operator.Compare(value, c.Value), value
	case ConditionPattern:
		return matchPattern(c.re, entry), 0
	case ConditionAnomaly:
		if entry.ML == nil {
			return false, 0
		}
		threshold := DefaultAnomalyThreshold
		if c.Threshold != nil {
			threshold = *c.Threshold
		}
		return entry.ML.AnomalyScore > threshold, entry.ML.AnomalyScore
	}
	return false, 0
}

// extractNumeric pulls the condition's field, or auto-picks the first
// numeric measurement when no field is named: duration, error rate,
// cpu/memory usage, anomaly score, then the first numeric structured field.
func extractNumeric(entry *logs.Entry, field string) (float64, bool) {
	if field != "" {
		return storage.NumericFieldValue(entry, field)
	}
	for _, f := range []string{
		"metrics.duration_ms", "metrics.error_rate",
		"metrics.cpu_usage", "metrics.memory_usage",
		"ml.anomaly_score",
	} {
		if v, ok := storage.NumericFieldValue(entry, f); ok && v != 0 {
			return v, true
		}
	}
	for k := range entry.Message.Structured {
		if v, ok := storage.NumericFieldValue(entry, "structured."+k); ok {
			return v, true
		}
	}
	return 0, false
}

// matchPattern tries the raw message, the structured payload as JSON, and
// the source string.
func matchPattern(re *regexp.Regexp, entry *logs.Entry) bool {
	if re == nil {
		return false
	}
	if re.MatchString(entry.Message.Raw) {
		return true
	}
	if len(entry.Message.Structured) > 0 {
		if raw, err := json.Marshal(entry.Message.Structured); err == nil && re.Match(raw) {
			return true
		}
	}
	source := fmt.Sprintf("%s/%s/%s/%s",
		entry.Source.Service, entry.Source.Instance,
		entry.Source.Region, entry.Source.Environment)
	return re.MatchString(source)
}

// tickLoop runs periodic evaluation for absence and windowed threshold
// conditions.
func (e *Engine) tickLoop() {
	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.Chan():
			e.CheckActive(context.Background())
		}
	}
}

// CheckActive evaluates every enabled periodic rule by pulling recent
// matching logs over the rule's window.
func (e *Engine) CheckActive(ctx context.Context) {
	for _, rule := range e.enabledRules() {
		if !rule.periodic() {
			continue
		}
		if err := e.evalPeriodic(ctx, rule); err != nil {
			e.logger.Error("periodic alert evaluation failed", "alert", rule.ID, "err", err)
		}
	}
}

func (e *Engine) evalPeriodic(ctx context.Context, rule *Rule) error {
	if e.queryFn == nil {
		return fmt.Errorf("no query function configured")
	}

	window := rule.Condition.Window
	if window <= 0 {
		window = e.cfg.TickInterval
	}
	now := e.clock.Now()

	res, err := e.queryFn(ctx, &query.Query{
		TimeRange: query.TimeRange{From: now.Add(-window), To: now},
		Filters:   rule.Filters,
		Hints:     query.Hints{CacheStrategy: query.CacheBypass},
	})
	if err != nil {
		return err
	}
	count := float64(res.Total)

	switch rule.Condition.Type {
	case ConditionAbsence:
		if count == 0 {
			e.trigger(ctx, rule, nil, 0)
		}
	case ConditionThreshold:
		if rule.Condition.Operator.Compare(count, rule.Condition.Value) {
			e.trigger(ctx, rule, nil, count)
		}
	}
	return nil
}

// trigger dispatches every configured action independently, honoring the
// per (rule, action type) throttle, then persists bookkeeping and emits a
// triggered event.
func (e *Engine) trigger(ctx context.Context, rule *Rule, entry *logs.Entry, value float64) {
	window := rule.Throttle
	if window <= 0 {
		window = e.cfg.DefaultThrottle
	}

	n := Notification{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Value:    value,
		At:       e.clock.Now(),
	}
	if entry != nil {
		n.EntryID = entry.ID
		n.Message = entry.Message.Raw
	} else {
		n.Message = fmt.Sprintf("condition %s met over window %s", rule.Condition.Type, rule.Condition.Window)
	}

	dispatched := false
	for _, action := range rule.Actions {
		notifier, ok := e.notifiers[action.Type]
		if !ok {
			// Without a transport nothing executes, so the throttle window
			// must stay unconsumed.
			e.logger.Error("no notifier for action type", "alert", rule.ID, "type", action.Type)
			continue
		}

		throttleKey := rule.ID + "|" + string(action.Type)
		if e.throttle.Get(throttleKey) != nil {
			continue // suppressed inside the throttle window
		}
		e.throttle.Set(throttleKey, e.clock.Now(), window)
		dispatched = true

		actionCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		if err := notifier.Send(actionCtx, action, n); err != nil {
			// One action failing must not block its siblings.
			e.logger.Error("alert action failed", "err", &ActionError{RuleID: rule.ID, Type: action.Type, Err: err})
		}
		cancel()
	}

	if !dispatched {
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	rule.LastTriggered = &now
	rule.TriggerCount++
	e.mu.Unlock()

	if e.bus != nil {
		payload := &events.AlertPayload{AlertID: rule.ID, AlertName: rule.Name, Value: value}
		if entry != nil {
			payload.EntryID = entry.ID
		}
		e.bus.Publish(events.Event{Topic: events.TopicAlertTriggered, Alert: payload})
	}
}
