package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/intern3chat/threadline/internal/logging"
	"github.com/intern3chat/threadline/internal/models"
	"github.com/intern3chat/threadline/internal/reconcile"
	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/intern3chat/threadline/internal/thread"
	"go.uber.org/zap"
)

// ErrNoThread is returned when a Session operation needs an open thread.
var ErrNoThread = errors.New("client: no thread open")

// DefaultWatchRetry is the pause before reconnecting a dropped watch.
const DefaultWatchRetry = 2 * time.Second

// Update reports one chunk applied to the open thread.
type Update struct {
	ThreadID string
	StreamID string
	Chunk    streamlog.Chunk
	// Resumed is set when the chunk arrived by reattaching to a stream this
	// session did not start.
	Resumed bool
}

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	Client            *Client
	AutoResume        bool
	PendingTimeout    time.Duration
	MaxResumeAttempts int
	WatchRetry        time.Duration
	RetryBackoff      time.Duration
	Logger            *zap.Logger
	// OnUpdate is called for every applied chunk. It must not block.
	OnUpdate func(Update)
}

// Session keeps one open thread's messages in step with the server. It
// watches the thread's snapshot and reattaches to live streams it did not
// start, so a reload or reconnect picks up an in-progress reply.
type Session struct {
	client     *Client
	rec        *reconcile.Reconciler
	log        *zap.Logger
	onUpdate   func(Update)
	watchRetry time.Duration

	mu       sync.Mutex
	threadID string
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	snap     thread.Snapshot
	haveSnap bool
	messages []thread.MessageView
	load     reconcile.LoadState
	status   reconcile.Status
	next     map[string]int // next unapplied seq per stream

	wg sync.WaitGroup
}

// NewSession creates a Session. No thread is open until Open.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client: session: client is required")
	}
	if opts.WatchRetry <= 0 {
		opts.WatchRetry = DefaultWatchRetry
	}
	s := &Session{
		client:     opts.Client,
		log:        logging.OrNop(opts.Logger),
		onUpdate:   opts.OnUpdate,
		watchRetry: opts.WatchRetry,
		status:     reconcile.StatusReady,
		next:       make(map[string]int),
	}
	rec, err := reconcile.New(reconcile.Options{
		Resumer:           s,
		AutoResume:        opts.AutoResume,
		PendingTimeout:    opts.PendingTimeout,
		MaxResumeAttempts: opts.MaxResumeAttempts,
		RetryBackoff:      opts.RetryBackoff,
		Logger:            opts.Logger,
		OnSettled:         s.onSettled,
	})
	if err != nil {
		return nil, err
	}
	s.rec = rec
	return s, nil
}

// Open switches the session to threadID. Work for the previously open thread
// is cancelled and its results are dropped. Messages load and the snapshot
// watch start in the background.
func (s *Session) Open(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("client: open: thread ID is required")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	gen := s.rec.SetThread(threadID)
	tctx, cancel := context.WithCancel(ctx)
	s.threadID = threadID
	s.gen = gen
	s.ctx = tctx
	s.cancel = cancel
	s.snap, s.haveSnap = thread.Snapshot{}, false
	s.messages = nil
	s.load = reconcile.Loading
	s.status = reconcile.StatusReady
	s.next = make(map[string]int)
	s.wg.Add(2)
	s.mu.Unlock()

	go s.loadMessages(tctx, gen, threadID)
	go s.watch(tctx, gen, threadID)
	return nil
}

// loadMessages fetches the thread's stored messages, retrying after
// watchRetry while the load fails. The collection stays Errored between
// attempts.
func (s *Session) loadMessages(ctx context.Context, gen uint64, threadID string) {
	defer s.wg.Done()
	for {
		msgs, err := s.client.Messages(ctx, threadID)
		if err == nil {
			if s.mergeLoaded(gen, msgs) {
				s.reconcile(gen)
			}
			return
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.load = reconcile.Errored
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if IsStatus(err, http.StatusNotFound) {
			s.log.Info("messages_thread_gone", zap.String("thread_id", threadID))
			return
		}
		s.log.Warn("messages_load_failed",
			zap.String("thread_id", threadID),
			zap.Duration("retry_in", s.watchRetry),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.watchRetry):
		}
	}
}

// mergeLoaded installs a loaded history for generation gen. Messages this
// session added while the load was in flight are kept unless the history
// already holds their stored copy; copies match on role and stream id.
func (s *Session) mergeLoaded(gen uint64, msgs []thread.MessageView) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	stored := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.StreamID != "" {
			stored[m.Role+"/"+m.StreamID] = true
		}
	}
	for _, m := range s.messages {
		if m.ID == 0 && (m.StreamID == "" || !stored[m.Role+"/"+m.StreamID]) {
			msgs = append(msgs, m)
		}
	}
	s.messages = msgs
	s.load = reconcile.Loaded
	return true
}

// tagSent gives the local copy of a sent message the stream id of its reply,
// or drops it when the loaded history already holds the stored copy.
// Callers must hold s.mu.
func (s *Session) tagSent(text, streamID string) {
	local := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ID == 0 && m.Role == models.RoleUser && m.StreamID == "" && m.Content == text {
			local = i
			break
		}
	}
	if local < 0 {
		return
	}
	for _, m := range s.messages {
		if m.ID != 0 && m.Role == models.RoleUser && m.StreamID == streamID {
			s.messages = append(s.messages[:local], s.messages[local+1:]...)
			return
		}
	}
	s.messages[local].StreamID = streamID
}

func (s *Session) watch(ctx context.Context, gen uint64, threadID string) {
	defer s.wg.Done()
	for {
		snaps, errs := s.client.Watch(ctx, threadID)
		for snap := range snaps {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				continue
			}
			s.snap = snap
			s.haveSnap = true
			s.mu.Unlock()
			s.reconcile(gen)
		}
		err := <-errs
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrThreadDeleted) || IsStatus(err, http.StatusNotFound) {
			s.log.Info("thread_gone", zap.String("thread_id", threadID))
			return
		}
		s.log.Warn("watch_disconnected", zap.String("thread_id", threadID), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.watchRetry):
		}
	}
}

// reconcile runs one reconciliation pass for generation gen.
func (s *Session) reconcile(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.haveSnap {
		s.mu.Unlock()
		return
	}
	in := reconcile.Inputs{
		ThreadID: s.threadID,
		Thread: reconcile.ThreadState{
			IsLive:          s.snap.IsLive,
			CurrentStreamID: s.snap.CurrentStreamID,
		},
		Status:   s.status,
		Messages: s.load,
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.rec.Observe(ctx, in)
}

func (s *Session) onSettled(threadID string) {
	s.mu.Lock()
	gen, open := s.gen, s.threadID
	s.mu.Unlock()
	if open == threadID {
		s.reconcile(gen)
	}
}

// Resume reattaches to streamID on the open thread, continuing after the
// last chunk already applied. It implements reconcile.Resumer.
func (s *Session) Resume(ctx context.Context, threadID, streamID string) error {
	s.mu.Lock()
	if threadID != s.threadID {
		s.mu.Unlock()
		return fmt.Errorf("client: resume: thread %s is not open", threadID)
	}
	gen := s.gen
	from := s.next[streamID]
	s.status = reconcile.StatusStreaming
	s.mu.Unlock()

	s.log.Debug("stream_resuming", zap.String("thread_id", threadID), zap.String("stream_id", streamID), zap.Int("from", from))
	err := s.client.Stream(ctx, threadID, streamID, from, func(c streamlog.Chunk) error {
		s.apply(gen, threadID, streamID, c, true)
		return nil
	})
	s.finishStatus(gen, err)
	return err
}

// Send posts text to the open thread and consumes the reply stream. It
// returns the reply's stream ID once the stream has ended.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	threadID, gen, tctx := s.threadID, s.gen, s.ctx
	s.mu.Unlock()
	if threadID == "" {
		return "", ErrNoThread
	}
	// Opening another thread or closing the session ends the send too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(tctx, cancel)()

	if err := s.rec.MarkSending(threadID); err != nil {
		return "", fmt.Errorf("client: send: %w", err)
	}
	s.mu.Lock()
	if gen == s.gen {
		s.status = reconcile.StatusSubmitted
		s.messages = append(s.messages, thread.MessageView{
			Role:      models.RoleUser,
			Content:   text,
			Parts:     []models.Part{{Type: "text", Text: text}},
			CreatedAt: time.Now(),
		})
	}
	s.mu.Unlock()

	streamID, err := s.client.Send(ctx, threadID, text)
	if err != nil {
		if ferr := s.rec.FailSend(threadID); ferr != nil {
			s.log.Debug("fail_send_rejected", zap.String("thread_id", threadID), zap.Error(ferr))
		}
		s.finishStatus(gen, err)
		s.reconcile(gen)
		return "", err
	}

	s.mu.Lock()
	if gen == s.gen {
		s.tagSent(text, streamID)
	}
	s.mu.Unlock()

	if err := s.rec.ObserveOwnStream(threadID, streamID); err != nil {
		s.log.Debug("own_stream_rejected", zap.String("thread_id", threadID), zap.Error(err))
	}
	if err := s.rec.SettleSend(threadID); err != nil {
		s.log.Debug("settle_send_rejected", zap.String("thread_id", threadID), zap.Error(err))
	}
	s.mu.Lock()
	if gen == s.gen {
		s.status = reconcile.StatusStreaming
	}
	s.mu.Unlock()

	err = s.client.Stream(ctx, threadID, streamID, 0, func(c streamlog.Chunk) error {
		s.apply(gen, threadID, streamID, c, false)
		return nil
	})
	if eerr := s.rec.EndStream(threadID); eerr != nil {
		s.log.Debug("end_stream_rejected", zap.String("thread_id", threadID), zap.Error(eerr))
	}
	s.finishStatus(gen, err)
	s.reconcile(gen)
	return streamID, err
}

// apply folds one chunk into the message collection.
func (s *Session) apply(gen uint64, threadID, streamID string, c streamlog.Chunk, resumed bool) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	next, seen := s.next[streamID]
	if c.Seq < next {
		s.mu.Unlock()
		return
	}
	s.next[streamID] = c.Seq + 1

	switch c.Type {
	case streamlog.ChunkText:
		i := s.assistantIndex(streamID)
		if i < 0 {
			s.messages = append(s.messages, thread.MessageView{
				Role:      models.RoleAssistant,
				StreamID:  streamID,
				CreatedAt: time.Now(),
			})
			i = len(s.messages) - 1
		} else if !seen {
			// A stored reply being replayed from the start.
			s.messages[i].Content = ""
		}
		m := &s.messages[i]
		m.Content += c.Text
		m.Parts = []models.Part{{Type: "text", Text: m.Content}}
	case streamlog.ChunkError:
		s.status = reconcile.StatusError
	}
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(Update{ThreadID: threadID, StreamID: streamID, Chunk: c, Resumed: resumed})
	}
}

// assistantIndex returns the index of the reply produced by streamID, or -1.
// Callers must hold s.mu.
func (s *Session) assistantIndex(streamID string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleAssistant && s.messages[i].StreamID == streamID {
			return i
		}
	}
	return -1
}

// finishStatus settles the status after a stream or send attempt.
func (s *Session) finishStatus(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	switch {
	case err != nil:
		s.status = reconcile.StatusError
	case s.status != reconcile.StatusError:
		s.status = reconcile.StatusReady
	}
}

// ThreadID returns the open thread, or "" when none is open.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Snapshot returns the last snapshot received for the open thread.
func (s *Session) Snapshot() (thread.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.haveSnap
}

// Messages returns a copy of the open thread's messages.
func (s *Session) Messages() []thread.MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]thread.MessageView, len(s.messages))
	copy(out, s.messages)
	return out
}

// LoadState returns the message collection's load state.
func (s *Session) LoadState() reconcile.LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load
}

// Status returns the local streaming status.
func (s *Session) Status() reconcile.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AttachedStreamID returns the stream the open thread is attached to.
func (s *Session) AttachedStreamID() string {
	e, _ := s.rec.Entry(s.ThreadID())
	return e.AttachedStreamID
}

// Close stops all background work and waits for it to return.
func (s *Session) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.threadID = ""
	s.gen = 0
	s.mu.Unlock()

	s.rec.Close()
	s.wg.Wait()
}
