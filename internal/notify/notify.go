// Package notify posts stream alerts to chat-platform webhooks.
package notify

import (
	"context"
	"errors"

	"github.com/intern3chat/threadline/internal/config"
	"github.com/intern3chat/threadline/internal/logging"
	"go.uber.org/zap"
)

// Event kinds.
const (
	KindStreamFailed    = "stream_failed"
	KindStreamAbandoned = "stream_abandoned"
)

// Color constants for event severity.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Event is a single alert about a stream.
type Event struct {
	Kind     string
	ThreadID string
	StreamID string
	Title    string
	Body     string
}

// Color returns the sidebar color for the event's kind.
func (e Event) Color() string {
	switch e.Kind {
	case KindStreamFailed:
		return ColorError
	case KindStreamAbandoned:
		return ColorWarning
	default:
		return ColorInfo
	}
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logged wraps a Notifier so delivery failures are logged instead of
// returned to the caller.
type Logged struct {
	Notifier Notifier
	Logger   *zap.Logger
}

// Notify implements Notifier. It always returns nil.
func (l Logged) Notify(ctx context.Context, evt Event) error {
	if l.Notifier == nil {
		return nil
	}
	if err := l.Notifier.Notify(ctx, evt); err != nil {
		logging.OrNop(l.Logger).Warn("notify_failed",
			zap.String("kind", evt.Kind),
			zap.String("stream_id", evt.StreamID),
			zap.Error(err),
		)
	}
	return nil
}

// FromConfig builds the notifiers enabled in cfg. The result is empty when no
// webhook is configured.
func FromConfig(cfg config.NotifyConfig) (Multi, error) {
	var m Multi
	if cfg.SlackWebhook != "" {
		s, err := NewSlack(SlackOpts{WebhookURL: cfg.SlackWebhook})
		if err != nil {
			return nil, err
		}
		m = append(m, s)
	}
	if cfg.DiscordWebhookID != "" {
		d, err := NewDiscord(DiscordOpts{WebhookID: cfg.DiscordWebhookID, Token: cfg.DiscordWebhookToken})
		if err != nil {
			return nil, err
		}
		m = append(m, d)
	}
	return m, nil
}
