// Package chat accepts user messages and drives the assistant reply as a
// resumable stream.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/intern3chat/threadline/internal/generate"
	"github.com/intern3chat/threadline/internal/logging"
	"github.com/intern3chat/threadline/internal/models"
	"github.com/intern3chat/threadline/internal/notify"
	"github.com/intern3chat/threadline/internal/stream"
	"github.com/intern3chat/threadline/internal/thread"
	"github.com/intern3chat/threadline/internal/usage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrThreadBusy is returned when the thread is already generating a reply.
	ErrThreadBusy = errors.New("chat: thread is busy")
	// ErrEmptyMessage is returned for blank message content.
	ErrEmptyMessage = errors.New("chat: message is empty")
)

// Options holds parameters for creating a Service.
type Options struct {
	DB        *gorm.DB
	Hub       *stream.Hub
	Generator generate.Generator
	Notifier  notify.Notifier // optional
	Logger    *zap.Logger
}

// Service runs sends. Replies keep generating after the request that started
// them returns; Close stops them.
type Service struct {
	db     *gorm.DB
	hub    *stream.Hub
	gen    generate.Generator
	notify notify.Notifier
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("chat: db is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("chat: stream hub is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("chat: generator is required")
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Multi{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		db:     opts.DB,
		hub:    opts.Hub,
		gen:    opts.Generator,
		notify: n,
		log:    logging.OrNop(opts.Logger),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Send stores a user message on threadID and starts the assistant reply. It
// returns the reply's stream ID as soon as the stream exists.
func (s *Service) Send(ctx context.Context, threadID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	streamID, err := s.hub.Start(threadID)
	if err != nil {
		if errors.Is(err, stream.ErrStreamActive) {
			return "", fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
		}
		return "", err
	}

	if _, err := thread.AppendMessage(s.db, thread.MessageOpts{
		ThreadID:   threadID,
		Role:       models.RoleUser,
		Content:    content,
		StreamID:   streamID,
		TokenCount: usage.EstimateTokens(content),
	}); err != nil {
		s.fail(threadID, streamID, err)
		return "", err
	}

	history, err := thread.Messages(s.db, threadID)
	if err != nil {
		s.fail(threadID, streamID, err)
		return "", err
	}
	deltas, err := s.gen.Generate(s.ctx, history)
	if err != nil {
		s.fail(threadID, streamID, err)
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(threadID, streamID, deltas)
	}()
	return streamID, nil
}

// run publishes deltas until the generator finishes.
func (s *Service) run(threadID, streamID string, deltas <-chan generate.Delta) {
	var reply strings.Builder
	for d := range deltas {
		if d.Err != nil {
			s.fail(threadID, streamID, d.Err)
			// Drain so the generator goroutine can exit.
			for range deltas {
			}
			return
		}
		if d.Text == "" {
			continue
		}
		if err := s.hub.Publish(streamID, d.Text); err != nil {
			// The stream was ended elsewhere, e.g. abandoned by the sweeper.
			s.log.Warn("publish_failed", zap.String("stream_id", streamID), zap.Error(err))
			for range deltas {
			}
			return
		}
		reply.WriteString(d.Text)
	}

	text := reply.String()
	if _, err := thread.AppendMessage(s.db, thread.MessageOpts{
		ThreadID:   threadID,
		Role:       models.RoleAssistant,
		Content:    text,
		StreamID:   streamID,
		TokenCount: usage.EstimateTokens(text),
	}); err != nil {
		s.fail(threadID, streamID, err)
		return
	}
	if err := s.hub.Finish(streamID, nil); err != nil {
		s.log.Warn("finish_failed", zap.String("stream_id", streamID), zap.Error(err))
	}
}

func (s *Service) fail(threadID, streamID string, cause error) {
	if err := s.hub.Finish(streamID, cause); err != nil {
		s.log.Warn("finish_failed", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	evt := notify.Event{
		Kind:     notify.KindStreamFailed,
		ThreadID: threadID,
		StreamID: streamID,
		Title:    "Reply generation failed",
		Body:     cause.Error(),
	}
	if err := s.notify.Notify(context.Background(), evt); err != nil {
		s.log.Warn("notify_failed", zap.String("stream_id", streamID), zap.Error(err))
	}
}

// Close stops in-flight replies and waits for them to end.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every in-flight reply has ended.
func (s *Service) Wait() {
	s.wg.Wait()
}
