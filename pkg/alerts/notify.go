package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// Notification is what an action dispatches.
type Notification struct {
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	EntryID  string    `json:"entry_id,omitempty"`
	Value    float64   `json:"value"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// ActionError wraps a single action's dispatch failure. It never aborts
// sibling actions or the triggering rule's bookkeeping.
type ActionError struct {
	RuleID string
	Type   ActionType
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("alert %s action %s: %v", e.RuleID, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// IsActionError reports whether err is an ActionError.
func IsActionError(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae)
}

// Notifier sends one notification over one transport.
type Notifier interface {
	Send(ctx context.Context, action Action, n Notification) error
}

// SlackNotifier posts alert messages to Slack channels.
type SlackNotifier struct {
	client *slack.Client
}

// NewSlackNotifier creates a Slack notifier with a bot token.
func NewSlackNotifier(token string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token)}
}

// Send posts the notification to the action's channel.
func (s *SlackNotifier) Send(ctx context.Context, action Action, n Notification) error {
	text := fmt.Sprintf(":rotating_light: *%s* fired (value=%.2f)\n%s", n.RuleName, n.Value, n.Message)
	_, _, err := s.client.PostMessageContext(ctx, action.Slack.Channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", action.Slack.Channel, err)
	}
	return nil
}

// WebhookNotifier POSTs the notification as JSON to the configured URL.
type WebhookNotifier struct {
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}}
}

// Send delivers the notification payload.
func (w *WebhookNotifier) Send(ctx context.Context, action Action, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.Webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range action.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier records notifications to the logger. Default transport for
// action types without a real integration configured (email, pagerduty in
// development).
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the notification.
func (l *LogNotifier) Send(ctx context.Context, action Action, n Notification) error {
	l.logger.Info("alert notification",
		"transport", action.Type,
		"rule", n.RuleName,
		"value", n.Value,
		"message", n.Message,
	)
	return nil
}
