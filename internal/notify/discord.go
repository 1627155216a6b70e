package notify

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// maxRetries is the max number of retries for rate-limited webhook calls.
	maxRetries = 3
	// baseBackoff is the initial backoff after a rate limit.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 30 * time.Second
)

// webhookSession abstracts the discordgo.Session method we use, enabling test
// mocks.
type webhookSession interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts events to a channel webhook.
type Discord struct {
	sess        webhookSession
	webhookID   string
	token       string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	WebhookID string
	Token     string
	// For testing: inject a mock session instead of the real Discord API.
	Session webhookSession
}

// NewDiscord creates a Discord notifier. Webhooks need no bot login, so the
// session is created without a token.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.WebhookID == "" || opts.Token == "" {
		return nil, fmt.Errorf("notify: discord webhook id and token are required")
	}
	sess := opts.Session
	if sess == nil {
		dg, err := discordgo.New("")
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		sess = dg
	}
	return &Discord{
		sess:        sess,
		webhookID:   opts.WebhookID,
		token:       opts.Token,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, evt Event) error {
	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{eventToEmbed(evt)},
	}
	err := d.retryOnRateLimit(ctx, func() error {
		_, err := d.sess.WebhookExecute(d.webhookID, d.token, false, params, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}

func eventToEmbed(evt Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
		Color:       parseHexColor(evt.Color()),
	}
	if evt.ThreadID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Thread", Value: evt.ThreadID, Inline: true})
	}
	if evt.StreamID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Stream", Value: evt.StreamID, Inline: true})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (d *Discord) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * d.baseBackoff
		if wait > d.maxBackoff {
			wait = d.maxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
