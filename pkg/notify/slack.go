// Package notify sends Doctor alerts to Slack: a thin wrapper over github.com/slack-go/slack
// that degrades to a logging no-op when no bot token is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts fleet problems of any severity to a Slack channel.
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a SlackNotifier. If botToken is empty the
// notifier is a no-op: always construct, check IsEnabled, rather than
// conditionally nil-checking at every call site.
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this notifier has a real Slack client wired up.
func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// Alert is the data Notify needs about a problem; kept free of any doctor
// package import so notify has no dependency cycle back onto its caller.
type Alert struct {
	ID          string
	Type        string
	Severity    string
	NodeID      string
	Title       string
	Description string
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return ":rotating_light:"
	case "warning":
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// Notify posts one alert message. Disabled notifiers log at debug and
// return nil, matching the Doctor's "never let an alert sink break the
// healing loop" requirement.
func (n *SlackNotifier) Notify(ctx context.Context, a Alert) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping alert", "problem_id", a.ID, "type", a.Type)
		return nil
	}

	text := fmt.Sprintf("%s [%s] %s (node %s): %s", severityEmoji(a.Severity), a.Severity, a.Title, a.NodeID, a.Description)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}
	n.logger.Info("posted alert to slack", "problem_id", a.ID, "channel", n.channel)
	return nil
}
