// Package generate produces assistant replies as a stream of text deltas.
package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/intern3chat/threadline/internal/models"
)

// Delta is one piece of a generated reply. A Delta with Err set is the last
// one sent before the channel closes.
type Delta struct {
	Text string
	Err  error
}

// Generator streams a reply to history.
type Generator interface {
	Generate(ctx context.Context, history []models.Message) (<-chan Delta, error)
}

// Echo replies with the last user message, one word per delta.
type Echo struct {
	Delay time.Duration
}

// Generate implements Generator.
func (e Echo) Generate(ctx context.Context, history []models.Message) (<-chan Delta, error) {
	var prompt string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			prompt = history[i].Content
			break
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("generate: echo: no user message to reply to")
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		words := strings.Fields(prompt)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					out <- Delta{Err: ctx.Err()}
					return
				}
			}
			select {
			case out <- Delta{Text: w}:
			case <-ctx.Done():
				out <- Delta{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

// Lookup returns the generator registered under name.
func Lookup(name string, delay time.Duration) (Generator, error) {
	switch name {
	case "", "echo":
		return Echo{Delay: delay}, nil
	default:
		return nil, fmt.Errorf("generate: unknown generator %q", name)
	}
}
