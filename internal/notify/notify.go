// Package notify delivers human-facing notifications: checkpoint prompts,
// stuck-agent escalations and project status changes. Delivery failures are
// logged and never block orchestration.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Level describes the urgency of a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Kind classifies what happened.
type Kind string

const (
	KindCheckpoint Kind = "checkpoint"
	KindReminder   Kind = "reminder"
	KindStuck      Kind = "stuck"
	KindStatus     Kind = "status"
)

// Notification represents a message to a human.
type Notification struct {
	Level     Level
	Kind      Kind
	Title     string
	Message   string
	ProjectID string
	Stage     string // set for checkpoint and reminder kinds
	Err       error  // underlying error, if any
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MultiNotifier fans out to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

func (m *MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var lastErr error
	for _, nt := range m.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LogNotifier logs notifications (useful for testing/dev).
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	ev := l.logger.Info()
	if n.Level == LevelWarning {
		ev = l.logger.Warn()
	} else if n.Level == LevelCritical {
		ev = l.logger.Error()
	}
	ev.Str("kind", string(n.Kind)).
		Str("title", n.Title).
		Str("project_id", n.ProjectID).
		Str("stage", n.Stage).
		Err(n.Err).
		Msg(n.Message)
	return nil
}
