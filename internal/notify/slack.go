package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Notifier sends operator notifications. Failures are advisory; callers log
// and continue.
type Notifier interface {
	NotifyStepFailed(ctx context.Context, operationID, step, errMsg string) error
	NotifyRestoreCompleted(ctx context.Context, summary RestoreSummary) error
}

// SlackNotifier sends operator notifications to Slack.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier creates a new Slack notifier.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// NewSlackNotifierWithAPIURL creates a Slack notifier with a custom API URL (for testing).
func NewSlackNotifierWithAPIURL(token, channel, apiURL string) *SlackNotifier {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackNotifier{
		client:  slack.New(token, opts...),
		channel: channel,
	}
}

// NotifyStepFailed sends a notification when a step fails terminally.
func (n *SlackNotifier) NotifyStepFailed(ctx context.Context, operationID, step, errMsg string) error {
	text := fmt.Sprintf(":x: *Aurora Restore Failed*\n"+
		"• *Operation*: `%s`\n"+
		"• *Step*: %s\n"+
		"• *Error*: %s",
		operationID, step, errMsg)

	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	return err
}

// NotifyRestoreCompleted sends a notification when the chain finishes.
func (n *SlackNotifier) NotifyRestoreCompleted(ctx context.Context, summary RestoreSummary) error {
	text := fmt.Sprintf(":white_check_mark: *Aurora Restore Completed*\n"+
		"• *Operation*: `%s`\n"+
		"• *Cluster*: `%s` (%s)\n"+
		"• *Snapshot*: `%s`\n"+
		"• *Endpoint*: %s:%d",
		summary.OperationID, summary.TargetClusterID, summary.TargetRegion,
		summary.SnapshotName, summary.Endpoint, summary.Port)

	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	return err
}

// NullNotifier is a no-op notifier for when Slack is not configured.
type NullNotifier struct{}

func (NullNotifier) NotifyStepFailed(ctx context.Context, operationID, step, errMsg string) error {
	return nil
}

func (NullNotifier) NotifyRestoreCompleted(ctx context.Context, summary RestoreSummary) error {
	return nil
}
