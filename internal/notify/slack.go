package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// slackAPI is the slice of the Slack client the notifier uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts notifications to a Slack channel using Block Kit.
type SlackNotifier struct {
	client  slackAPI
	channel string
}

// NewSlackNotifier creates a notifier posting to the given channel.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// Notify posts the notification as a Block Kit message.
func (s *SlackNotifier) Notify(ctx context.Context, n Notification) error {
	blocks := buildBlocks(n)
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(n.Title, false),
	)
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}

func buildBlocks(n Notification) []slack.Block {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s *%s*\n\n%s", kindEmoji(n.Kind), n.Title, n.Message))
	if n.ProjectID != "" {
		sb.WriteString(fmt.Sprintf("\n\n*Project:* `%s`", n.ProjectID))
	}
	if n.Stage != "" {
		sb.WriteString(fmt.Sprintf("\n*Stage:* `%s`", n.Stage))
	}
	if n.Err != nil {
		sb.WriteString(fmt.Sprintf("\n\n```\n%v\n```", n.Err))
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", sb.String(), false, false),
			nil, nil,
		),
	}

	if n.Kind == KindCheckpoint || n.Kind == KindReminder {
		blocks = append(blocks, slack.NewContextBlock(
			"",
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("_Confirm or reject via `PATCH /api/projects/%s`_", n.ProjectID),
				false, false),
		))
	}

	return blocks
}

func kindEmoji(k Kind) string {
	switch k {
	case KindCheckpoint:
		return "🔐"
	case KindReminder:
		return "⏰"
	case KindStuck:
		return "🚨"
	default:
		return "ℹ️"
	}
}
