package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/intern3chat/threadline/internal/logging"
	"github.com/intern3chat/threadline/internal/metrics"
	"go.uber.org/zap"
)

// Resumer reattaches the client to a server-side stream. Resume blocks until
// the stream has been consumed or ctx is cancelled.
type Resumer interface {
	Resume(ctx context.Context, threadID, streamID string) error
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, threadID, streamID string) error

// Resume calls f.
func (f ResumerFunc) Resume(ctx context.Context, threadID, streamID string) error {
	return f(ctx, threadID, streamID)
}

// DefaultRetryBackoff is the delay before re-evaluating after the first
// failed resume of a stream. It grows with each further failure.
const DefaultRetryBackoff = 500 * time.Millisecond

// Options holds parameters for creating a Reconciler.
type Options struct {
	Resumer           Resumer
	AutoResume        bool
	PendingTimeout    time.Duration
	MaxResumeAttempts int
	// RetryBackoff defaults to DefaultRetryBackoff.
	RetryBackoff time.Duration
	Logger       *zap.Logger

	// OnSettled is called, outside the lock, after a resume result has been
	// applied for the current thread. Callers use it to re-evaluate. After a
	// failure the call waits RetryBackoff times the failure count.
	OnSettled func(threadID string)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Reconciler owns the per-thread reconciliation entries of one client and
// runs resumes for the thread that client has open.
type Reconciler struct {
	resumer   Resumer
	policy    Policy
	log       *zap.Logger
	onSettled func(string)
	backoff   time.Duration
	now       func() time.Time
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	entries    map[string]*Entry
	current    string
	generation uint64
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Resumer == nil {
		return nil, fmt.Errorf("reconcile: resumer is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	return &Reconciler{
		resumer: opts.Resumer,
		policy: Policy{
			AutoResume:        opts.AutoResume,
			PendingTimeout:    opts.PendingTimeout,
			MaxResumeAttempts: opts.MaxResumeAttempts,
		},
		log:       logging.OrNop(opts.Logger),
		onSettled: opts.OnSettled,
		backoff:   backoff,
		now:       now,
		closed:    make(chan struct{}),
		entries:   make(map[string]*Entry),
	}, nil
}

// SetThread switches the open thread. It starts a new generation, cancels any
// in-flight resume from the previous one and resets the new thread's entry.
// An empty threadID means no thread is open.
func (r *Reconciler) SetThread(threadID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.current = threadID
	if threadID != "" {
		r.entries[threadID] = newEntry()
	}
	r.log.Debug("thread_switched", zap.String("thread_id", threadID), zap.Uint64("generation", r.generation))
	return r.generation
}

// Current returns the open thread and its generation.
func (r *Reconciler) Current() (string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.generation
}

// Observe runs one reconciliation pass. A resume decision starts the
// Resumer in the background; ctx bounds that resume together with the
// generation.
func (r *Reconciler) Observe(ctx context.Context, in Inputs) Decision {
	r.mu.Lock()

	if in.ThreadID != "" && in.ThreadID != r.current {
		r.mu.Unlock()
		d := none(ReasonNotCurrent)
		r.record(in, d)
		return d
	}

	var e Entry
	if in.ThreadID != "" {
		e = *r.entry(in.ThreadID)
	}
	d := Decide(in, e, r.policy, r.now())
	if d.Action != ActionResume {
		r.mu.Unlock()
		r.record(in, d)
		return d
	}

	if err := r.entries[in.ThreadID].apply(EventResumeInvoked, d.StreamID, r.now()); err != nil {
		r.mu.Unlock()
		r.log.Error("resume_transition_rejected", zap.String("thread_id", in.ThreadID), zap.Error(err))
		d = none(ReasonResumeInFlight)
		r.record(in, d)
		return d
	}

	if r.cancel != nil {
		r.cancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	gen := r.generation
	r.wg.Add(1)
	r.mu.Unlock()

	r.record(in, d)
	if d.PendingExpired {
		r.log.Warn("pending_expired", zap.String("thread_id", in.ThreadID), zap.String("stream_id", d.StreamID))
	}

	go func() {
		defer r.wg.Done()
		err := r.resumer.Resume(rctx, in.ThreadID, d.StreamID)
		cancel()
		failures, ok := r.finishResume(gen, in.ThreadID, d.StreamID, err)
		if !ok || r.onSettled == nil {
			return
		}
		if err != nil && !r.sleep(ctx, gen, time.Duration(failures)*r.backoff) {
			return
		}
		r.onSettled(in.ThreadID)
	}()
	return d
}

// finishResume applies a resume result if its generation is still current.
// It reports the stream's failure count and whether the result was applied.
func (r *Reconciler) finishResume(gen uint64, threadID, streamID string, err error) (int, bool) {
	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		r.log.Debug("stale_resume_dropped",
			zap.String("thread_id", threadID),
			zap.String("stream_id", streamID),
			zap.Uint64("generation", gen),
		)
		return 0, false
	}
	e := r.entry(threadID)
	ev := EventResumeCompleted
	if err != nil {
		ev = EventResumeFailed
	}
	applyErr := e.apply(ev, streamID, r.now())
	failures := e.Failures
	r.mu.Unlock()

	if applyErr != nil {
		r.log.Error("resume_result_rejected", zap.String("thread_id", threadID), zap.Error(applyErr))
	}
	if err != nil {
		metrics.ResumeFailures.Inc()
		r.log.Warn("resume_failed",
			zap.String("thread_id", threadID),
			zap.String("stream_id", streamID),
			zap.Int("failures", failures),
			zap.Error(err),
		)
	} else {
		r.log.Debug("resume_completed", zap.String("thread_id", threadID), zap.String("stream_id", streamID))
	}
	return failures, true
}

// sleep waits d and reports whether generation gen is still current
// afterwards. It returns early on Close or when ctx is done.
func (r *Reconciler) sleep(ctx context.Context, gen uint64, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return false
	case <-r.closed:
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.generation
}

func (r *Reconciler) record(in Inputs, d Decision) {
	metrics.ReconcileDecisions.WithLabelValues(string(d.Action), d.Reason).Inc()
	if d.Action == ActionResume {
		r.log.Info("resume_started",
			zap.String("thread_id", in.ThreadID),
			zap.String("stream_id", d.StreamID),
			zap.String("reason", d.Reason),
		)
	}
}

// entry returns the entry for threadID, creating it on first reference.
// Callers must hold r.mu.
func (r *Reconciler) entry(threadID string) *Entry {
	e, ok := r.entries[threadID]
	if !ok {
		e = newEntry()
		r.entries[threadID] = e
	}
	return e
}

func (r *Reconciler) transition(threadID string, ev Event, streamID string) error {
	if threadID == "" {
		return fmt.Errorf("reconcile: %s: thread ID is required", ev)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.entry(threadID).apply(ev, streamID, r.now()); err != nil {
		return fmt.Errorf("reconcile: thread %s: %w", threadID, err)
	}
	return nil
}

// MarkSending flags threadID as pending. Call it before dispatching a send so
// the client's own new stream is not mistaken for one to resume.
func (r *Reconciler) MarkSending(threadID string) error {
	return r.transition(threadID, EventSendIssued, "")
}

// ObserveOwnStream records the stream id the send path received for its own
// generation. It becomes the attached stream only when AutoResume is on.
func (r *Reconciler) ObserveOwnStream(threadID, streamID string) error {
	if threadID == "" {
		return fmt.Errorf("reconcile: %s: thread ID is required", EventStreamIDObserved)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(threadID)
	attached := e.AttachedStreamID
	if err := e.apply(EventStreamIDObserved, streamID, r.now()); err != nil {
		return fmt.Errorf("reconcile: thread %s: %w", threadID, err)
	}
	if !r.policy.AutoResume {
		e.AttachedStreamID = attached
	}
	return nil
}

// SettleSend clears the pending flag after a successful send.
func (r *Reconciler) SettleSend(threadID string) error {
	return r.transition(threadID, EventSendSettled, "")
}

// FailSend clears the pending flag after a send that never started a stream.
func (r *Reconciler) FailSend(threadID string) error {
	return r.transition(threadID, EventSendFailed, "")
}

// EndStream marks the client's own stream on threadID as consumed.
func (r *Reconciler) EndStream(threadID string) error {
	err := r.transition(threadID, EventStreamEnded, "")
	if errors.Is(err, ErrInvalidTransition) {
		// The entry was reset by a thread switch while streaming.
		return nil
	}
	return err
}

// Entry returns a copy of the entry for threadID.
func (r *Reconciler) Entry(threadID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[threadID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Close cancels any in-flight resume and waits for it to return.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
	r.mu.Lock()
	r.generation++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until every started resume has returned.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}
