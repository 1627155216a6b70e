package notify

import (
	"context"
	"fmt"
	"net/http"

	slackapi "github.com/slack-go/slack"
)

// Slack posts events to an incoming webhook.
type Slack struct {
	url    string
	client *http.Client
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	WebhookURL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("notify: slack webhook URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Slack{url: opts.WebhookURL, client: client}, nil
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, evt Event) error {
	msg := &slackapi.WebhookMessage{
		Text:        evt.Title,
		Attachments: []slackapi.Attachment{eventToAttachment(evt)},
	}
	if err := slackapi.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}

func eventToAttachment(evt Event) slackapi.Attachment {
	att := slackapi.Attachment{
		Color: evt.Color(),
		Title: evt.Title,
		Text:  evt.Body,
	}
	if evt.ThreadID != "" {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Thread", Value: evt.ThreadID, Short: true})
	}
	if evt.StreamID != "" {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Stream", Value: evt.StreamID, Short: true})
	}
	return att
}
