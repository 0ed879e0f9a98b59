package alerts

import (
	"fmt"
	"regexp"
	"time"

	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// ConditionType selects how a rule matches entries.
type ConditionType string

const (
	ConditionThreshold ConditionType = "threshold"
	ConditionPattern   ConditionType = "pattern"
	ConditionAnomaly   ConditionType = "anomaly"
	ConditionAbsence   ConditionType = "absence"
)

// Operator compares an extracted numeric value against the condition value.
type Operator string

const (
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpEq  Operator = "eq"
)

func (o Operator) valid() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte, OpEq:
		return true
	}
	return false
}

// Compare applies the operator.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGt:
		return value > threshold
	case OpGte:
		return value >= threshold
	case OpLt:
		return value < threshold
	case OpLte:
		return value <= threshold
	case OpEq:
		return value == threshold
	}
	return false
}

// DefaultAnomalyThreshold applies when an anomaly condition leaves its
// threshold unset.
const DefaultAnomalyThreshold = 0.7

// Condition holds the per-type parameters of a rule. Exactly the fields
// for its type must be set; Validate enforces that at construction.
type Condition struct {
	Type ConditionType `json:"type"`

	// Threshold: Field (empty = auto-pick a numeric field), Operator, Value.
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    float64  `json:"value,omitempty"`

	// Pattern: regex matched against raw message, structured JSON, or source.
	Pattern string `json:"pattern,omitempty"`

	// Anomaly: fires when ml.anomaly_score > Threshold. Nil means
	// DefaultAnomalyThreshold; an explicit 0 fires on any positive score.
	Threshold *float64 `json:"threshold,omitempty"`

	// Window makes threshold conditions windowed (count over the window on
	// the periodic tick) and scopes absence checks. Required for absence.
	Window time.Duration `json:"window,omitempty"`

	re *regexp.Regexp
}

// ActionType identifies a notification transport.
type ActionType string

const (
	ActionEmail     ActionType = "email"
	ActionSlack     ActionType = "slack"
	ActionWebhook   ActionType = "webhook"
	ActionPagerDuty ActionType = "pagerduty"
)

// EmailConfig configures an email action.
type EmailConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject,omitempty"`
}

// SlackConfig configures a Slack action.
type SlackConfig struct {
	Channel string `json:"channel"`
}

// WebhookConfig configures a webhook action.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PagerDutyConfig configures a PagerDuty incident action.
type PagerDutyConfig struct {
	RoutingKey string `json:"routing_key"`
	Severity   string `json:"severity,omitempty"`
}

// Action is a tagged variant: Type names the transport and exactly the
// matching config field is set.
type Action struct {
	Type      ActionType       `json:"type"`
	Email     *EmailConfig     `json:"email,omitempty"`
	Slack     *SlackConfig     `json:"slack,omitempty"`
	Webhook   *WebhookConfig   `json:"webhook,omitempty"`
	PagerDuty *PagerDutyConfig `json:"pagerduty,omitempty"`
}

// Validate rejects unknown action types and missing or mismatched configs.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionEmail:
		if a.Email == nil || len(a.Email.To) == 0 {
			return &logs.ValidationError{Field: "actions.email", Reason: "recipient list required"}
		}
	case ActionSlack:
		if a.Slack == nil || a.Slack.Channel == "" {
			return &logs.ValidationError{Field: "actions.slack", Reason: "channel required"}
		}
	case ActionWebhook:
		if a.Webhook == nil || a.Webhook.URL == "" {
			return &logs.ValidationError{Field: "actions.webhook", Reason: "url required"}
		}
	case ActionPagerDuty:
		if a.PagerDuty == nil || a.PagerDuty.RoutingKey == "" {
			return &logs.ValidationError{Field: "actions.pagerduty", Reason: "routing key required"}
		}
	default:
		return &logs.ValidationError{Field: "actions.type", Reason: fmt.Sprintf("unknown action type %q", a.Type)}
	}
	return nil
}

// Rule is an alert definition. Evaluated continuously while enabled;
// deletion is soft.
type Rule struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Condition Condition        `json:"condition"`
	Filters   []storage.Filter `json:"filters,omitempty"` // scope for windowed/absence checks
	Actions   []Action         `json:"actions"`
	Enabled   bool             `json:"enabled"`

	// Throttle suppresses repeat firings of the same (rule, action type)
	// inside this window. 0 = engine default.
	Throttle time.Duration `json:"throttle,omitempty"`

	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	TriggerCount  int64      `json:"trigger_count"`
	Deleted       bool       `json:"-"`
}

// Validate checks the rule at create/update time and compiles patterns.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return &logs.ValidationError{Field: "name", Reason: "required"}
	}
	if len(r.Actions) == 0 {
		return &logs.ValidationError{Field: "actions", Reason: "at least one action required"}
	}
	for i := range r.Actions {
		if err := r.Actions[i].Validate(); err != nil {
			return err
		}
	}

	c := &r.Condition
	switch c.Type {
	case ConditionThreshold:
		if !c.Operator.valid() {
			return &logs.ValidationError{Field: "condition.operator", Reason: fmt.Sprintf("unknown operator %q", c.Operator)}
		}
	case ConditionPattern:
		if c.Pattern == "" {
			return &logs.ValidationError{Field: "condition.pattern", Reason: "required"}
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return &logs.ValidationError{Field: "condition.pattern", Reason: err.Error()}
		}
		c.re = re
	case ConditionAnomaly:
		if c.Threshold != nil && (*c.Threshold < 0 || *c.Threshold > 1) {
			return &logs.ValidationError{Field: "condition.threshold", Reason: "must be within [0, 1]"}
		}
	case ConditionAbsence:
		if c.Window <= 0 {
			return &logs.ValidationError{Field: "condition.window", Reason: "required for absence conditions"}
		}
	default:
		return &logs.ValidationError{Field: "condition.type", Reason: fmt.Sprintf("unknown condition type %q", c.Type)}
	}
	return nil
}

// clone returns a shallow copy. Trigger bookkeeping swaps LastTriggered
// rather than writing through it, so a clone is safe to read while the
// engine keeps firing.
func (r *Rule) clone() *Rule {
	c := *r
	return &c
}

// periodic reports whether the rule is evaluated on the tick rather than
// per ingested entry.
func (r *Rule) periodic() bool {
	if r.Condition.Type == ConditionAbsence {
		return true
	}
	return r.Condition.Type == ConditionThreshold && r.Condition.Window > 0
}
