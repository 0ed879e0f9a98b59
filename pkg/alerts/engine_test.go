package alerts

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/query"
	"github.com/loupe-obs/loupe/pkg/storage"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingNotifier) Send(ctx context.Context, action Action, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func webhookAction() Action {
	return Action{Type: ActionWebhook, Webhook: &WebhookConfig{URL: "http://example.com/hook"}}
}

func f64(v float64) *float64 { return &v }

func newTestEngine(t *testing.T, queryFn QueryFunc) (*Engine, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	e, err := NewEngine(Config{}, queryFn, map[ActionType]Notifier{
		ActionWebhook: notifier,
		ActionSlack:   notifier,
	}, nil, clockwork.NewFakeClock(), testLogger())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, notifier
}

func errorEntry(score float64) *logs.Entry {
	return &logs.Entry{
		ID:        "e-1",
		Timestamp: time.Now().UnixNano(),
		Level:     logs.LevelError,
		Source:    logs.Source{Service: "checkout"},
		Message:   logs.Message{Raw: "connection refused to payments"},
		Metrics:   &logs.Metrics{DurationMS: 950},
		ML:        &logs.Enrichment{AnomalyScore: score},
	}
}

func TestRule_ValidateRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
	}{
		{"missing name", Rule{Actions: []Action{webhookAction()}, Condition: Condition{Type: ConditionAnomaly}}},
		{"no actions", Rule{Name: "r", Condition: Condition{Type: ConditionAnomaly}}},
		{"bad operator", Rule{Name: "r", Actions: []Action{webhookAction()}, Condition: Condition{Type: ConditionThreshold, Operator: "between"}}},
		{"bad regex", Rule{Name: "r", Actions: []Action{webhookAction()}, Condition: Condition{Type: ConditionPattern, Pattern: "["}}},
		{"absence without window", Rule{Name: "r", Actions: []Action{webhookAction()}, Condition: Condition{Type: ConditionAbsence}}},
		{"unknown condition", Rule{Name: "r", Actions: []Action{webhookAction()}, Condition: Condition{Type: "spike"}}},
		{"webhook without url", Rule{Name: "r", Actions: []Action{{Type: ActionWebhook}}, Condition: Condition{Type: ConditionAnomaly}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rule.Validate(); !logs.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCheckLog_ThresholdCondition(t *testing.T) {
	e, notifier := newTestEngine(t, nil)

	_, err := e.Create(&Rule{
		Name:    "slow requests",
		Enabled: true,
		Condition: Condition{
			Type: ConditionThreshold, Field: "metrics.duration_ms",
			Operator: OpGt, Value: 500,
		},
		Actions: []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	e.CheckLog(context.Background(), errorEntry(0.1))
	if notifier.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", notifier.count())
	}
	if notifier.sent[0].Value != 950 {
		t.Errorf("notification should carry the extracted value, got %f", notifier.sent[0].Value)
	}
}

func TestCheckLog_PatternCondition(t *testing.T) {
	e, notifier := newTestEngine(t, nil)

	_, err := e.Create(&Rule{
		Name:      "refused connections",
		Enabled:   true,
		Condition: Condition{Type: ConditionPattern, Pattern: `connection refused to \w+`},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	e.CheckLog(context.Background(), errorEntry(0))
	if notifier.count() != 1 {
		t.Errorf("expected a pattern match, got %d notifications", notifier.count())
	}
}

func TestCheckLog_AnomalyDefaultThreshold(t *testing.T) {
	e, notifier := newTestEngine(t, nil)

	_, err := e.Create(&Rule{
		Name:      "anomalies",
		Enabled:   true,
		Condition: Condition{Type: ConditionAnomaly},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	e.CheckLog(context.Background(), errorEntry(0.5))
	if notifier.count() != 0 {
		t.Error("score below the default threshold should not fire")
	}

	e.CheckLog(context.Background(), errorEntry(0.9))
	if notifier.count() != 1 {
		t.Errorf("score above the default threshold should fire, got %d", notifier.count())
	}
}

func TestCheckLog_DisabledRulesSkipped(t *testing.T) {
	e, notifier := newTestEngine(t, nil)

	_, err := e.Create(&Rule{
		Name:      "disabled",
		Enabled:   false,
		Condition: Condition{Type: ConditionAnomaly},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	e.CheckLog(context.Background(), errorEntry(0.99))
	if notifier.count() != 0 {
		t.Error("disabled rules must not fire")
	}
}

func TestTrigger_ThrottleSuppressesRepeats(t *testing.T) {
	e, notifier := newTestEngine(t, nil)

	rule, err := e.Create(&Rule{
		Name:      "anomalies",
		Enabled:   true,
		Throttle:  100 * time.Millisecond,
		Condition: Condition{Type: ConditionAnomaly, Threshold: f64(0.5)},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Two firings inside the throttle window dispatch exactly once.
	e.CheckLog(context.Background(), errorEntry(0.9))
	e.CheckLog(context.Background(), errorEntry(0.95))
	if notifier.count() != 1 {
		t.Fatalf("expected 1 notification inside the window, got %d", notifier.count())
	}
	if got, _ := e.Get(rule.ID); got.TriggerCount != 1 {
		t.Errorf("suppressed firings must not bump the trigger count, got %d", got.TriggerCount)
	}

	// After the window expires the rule fires again.
	time.Sleep(150 * time.Millisecond)
	e.CheckLog(context.Background(), errorEntry(0.9))
	if notifier.count() != 2 {
		t.Errorf("expected a second notification after the window, got %d", notifier.count())
	}
}

func TestCheckActive_AbsenceFiresOnEmptyWindow(t *testing.T) {
	empty := func(ctx context.Context, q *query.Query) (*query.Result, error) {
		if q.Hints.CacheStrategy != query.CacheBypass {
			t.Error("periodic checks must bypass the cache")
		}
		return &query.Result{Total: 0}, nil
	}
	e, notifier := newTestEngine(t, empty)

	_, err := e.Create(&Rule{
		Name:      "heartbeat missing",
		Enabled:   true,
		Filters:   []storage.Filter{{Field: "source.service", Op: storage.OpEq, Value: "heartbeat"}},
		Condition: Condition{Type: ConditionAbsence, Window: 5 * time.Minute},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	e.CheckActive(context.Background())
	if notifier.count() != 1 {
		t.Errorf("absence over an empty window should fire, got %d", notifier.count())
	}
}

func TestCheckActive_WindowedThreshold(t *testing.T) {
	counted := func(ctx context.Context, q *query.Query) (*query.Result, error) {
		return &query.Result{Total: 42}, nil
	}
	e, notifier := newTestEngine(t, counted)

	_, err := e.Create(&Rule{
		Name:    "error burst",
		Enabled: true,
		Condition: Condition{
			Type: ConditionThreshold, Operator: OpGt, Value: 10,
			Window: time.Minute,
		},
		Actions: []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Windowed rules only run on the periodic tick, never per entry.
	e.CheckLog(context.Background(), errorEntry(0))
	if notifier.count() != 0 {
		t.Fatal("windowed threshold must not fire per entry")
	}

	e.CheckActive(context.Background())
	if notifier.count() != 1 {
		t.Errorf("windowed count above threshold should fire, got %d", notifier.count())
	}
	if notifier.sent[0].Value != 42 {
		t.Errorf("notification should carry the window count, got %f", notifier.sent[0].Value)
	}
}

func TestRuleLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	rule, err := e.Create(&Rule{
		Name:      "lifecycle",
		Enabled:   true,
		Condition: Condition{Type: ConditionAnomaly},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rule.ID == "" {
		t.Fatal("Create should assign an id")
	}

	e.CheckLog(context.Background(), errorEntry(0.9))
	updated, err := e.Update(&Rule{
		ID: rule.ID, Name: "renamed", Enabled: true,
		Condition: Condition{Type: ConditionAnomaly},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.TriggerCount != 1 {
		t.Errorf("update must preserve trigger bookkeeping, got %d", updated.TriggerCount)
	}

	if err := e.Delete(rule.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := e.Get(rule.ID); ok {
		t.Error("deleted rule should not be retrievable")
	}
	if len(e.List()) != 0 {
		t.Error("deleted rule should not be listed")
	}
	if err := e.Delete(rule.ID); err == nil {
		t.Error("double delete should fail")
	}
}

func TestCheckLog_AnomalyExplicitZeroThreshold(t *testing.T) {
	e, notifier := newTestEngine(t, nil)

	_, err := e.Create(&Rule{
		Name:      "any anomaly",
		Enabled:   true,
		Condition: Condition{Type: ConditionAnomaly, Threshold: f64(0)},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// An explicit zero is a real threshold, not a request for the default.
	e.CheckLog(context.Background(), errorEntry(0.1))
	if notifier.count() != 1 {
		t.Errorf("any positive score should fire at threshold 0, got %d", notifier.count())
	}
}

func TestGet_ReturnsIndependentSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	rule, err := e.Create(&Rule{
		Name:      "snapshot",
		Enabled:   true,
		Condition: Condition{Type: ConditionAnomaly},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, ok := e.Get(rule.ID)
	if !ok {
		t.Fatal("rule not found")
	}
	got.Enabled = false
	got.TriggerCount = 99

	again, _ := e.Get(rule.ID)
	if !again.Enabled || again.TriggerCount != 0 {
		t.Error("mutating a returned rule must not reach the engine's copy")
	}
}

func TestList_SafeWhileRulesTrigger(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	rule, err := e.Create(&Rule{
		Name:      "noisy",
		Enabled:   true,
		Throttle:  time.Millisecond,
		Condition: Condition{Type: ConditionPattern, Pattern: "refused"},
		Actions:   []Action{webhookAction()},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Readers iterate List/Get while triggers keep writing bookkeeping.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			e.CheckLog(context.Background(), errorEntry(0))
		}
	}()
	for i := 0; i < 200; i++ {
		for _, r := range e.List() {
			_ = r.TriggerCount
		}
		if got, ok := e.Get(rule.ID); ok {
			_ = got.LastTriggered
		}
	}
	<-done

	if got, _ := e.Get(rule.ID); got.TriggerCount < 1 {
		t.Errorf("expected at least one trigger, got %d", got.TriggerCount)
	}
}

func TestTrigger_UnconfiguredActionKeepsThrottleUntouched(t *testing.T) {
	e, notifier := newTestEngine(t, nil)

	emailOnly, err := e.Create(&Rule{
		Name:      "email only",
		Enabled:   true,
		Condition: Condition{Type: ConditionAnomaly, Threshold: f64(0.5)},
		Actions:   []Action{{Type: ActionEmail, Email: &EmailConfig{To: []string{"ops@example.com"}}}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// No email notifier is registered: nothing executes, nothing is
	// throttled, the trigger count stays at zero.
	e.CheckLog(context.Background(), errorEntry(0.9))
	e.CheckLog(context.Background(), errorEntry(0.9))
	if notifier.count() != 0 {
		t.Fatalf("no notification should be sent, got %d", notifier.count())
	}
	if got, _ := e.Get(emailOnly.ID); got.TriggerCount != 0 {
		t.Errorf("rule without an executable action must not count triggers, got %d", got.TriggerCount)
	}

	// A sibling action with a transport still dispatches normally.
	mixed, err := e.Create(&Rule{
		Name:      "email and webhook",
		Enabled:   true,
		Condition: Condition{Type: ConditionAnomaly, Threshold: f64(0.5)},
		Actions: []Action{
			{Type: ActionEmail, Email: &EmailConfig{To: []string{"ops@example.com"}}},
			webhookAction(),
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e.CheckLog(context.Background(), errorEntry(0.9))
	if notifier.count() != 1 {
		t.Fatalf("the webhook sibling should still dispatch, got %d", notifier.count())
	}
	if got, _ := e.Get(mixed.ID); got.TriggerCount != 1 {
		t.Errorf("expected 1 trigger on the mixed rule, got %d", got.TriggerCount)
	}
}
