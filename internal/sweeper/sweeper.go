// Package sweeper abandons streams that stopped making progress so their
// threads stop reporting live.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/intern3chat/threadline/internal/logging"
	"github.com/intern3chat/threadline/internal/notify"
	"github.com/intern3chat/threadline/internal/stream"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultStaleAfter is used when Opts.StaleAfter is unset.
const DefaultStaleAfter = 2 * time.Minute

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Opts holds parameters for creating a Sweeper.
type Opts struct {
	Hub        *stream.Hub
	Notifier   notify.Notifier // optional
	StaleAfter time.Duration
	Schedule   string // 5-field cron expression, required by Start
	Logger     *zap.Logger
	Now        func() time.Time
}

// Sweeper periodically abandons stale streams.
type Sweeper struct {
	hub        *stream.Hub
	notify     notify.Notifier
	staleAfter time.Duration
	schedule   string
	log        *zap.Logger
	now        func() time.Time

	cron *cron.Cron
}

// New creates a Sweeper.
func New(opts Opts) (*Sweeper, error) {
	if opts.Hub == nil {
		return nil, fmt.Errorf("sweeper: stream hub is required")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Multi{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		hub:        opts.Hub,
		notify:     opts.Notifier,
		staleAfter: opts.StaleAfter,
		schedule:   opts.Schedule,
		log:        logging.OrNop(opts.Logger),
		now:        opts.Now,
	}, nil
}

// RunOnce abandons streams idle for longer than the stale threshold and
// returns how many it ended.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.sweep(ctx, s.now().Add(-s.staleAfter), "no progress for "+s.staleAfter.String())
}

// RecoverOrphans abandons every stream still marked active. Call it at
// startup, before this process starts streams of its own.
func (s *Sweeper) RecoverOrphans(ctx context.Context) (int, error) {
	return s.sweep(ctx, s.now().Add(time.Second), "server restarted")
}

func (s *Sweeper) sweep(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	recs, err := s.hub.Stale(cutoff)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return ended, err
		}
		if err := s.hub.Abandon(rec.ID, reason); err != nil {
			if errors.Is(err, stream.ErrStreamClosed) {
				continue // finished between the query and now
			}
			s.log.Warn("sweep_abandon_failed", zap.String("stream_id", rec.ID), zap.Error(err))
			continue
		}
		ended++
		s.log.Info("stream_abandoned",
			zap.String("thread_id", rec.ThreadID),
			zap.String("stream_id", rec.ID),
			zap.String("reason", reason),
		)
		evt := notify.Event{
			Kind:     notify.KindStreamAbandoned,
			ThreadID: rec.ThreadID,
			StreamID: rec.ID,
			Title:    "Stream abandoned",
			Body:     reason,
		}
		if err := s.notify.Notify(ctx, evt); err != nil {
			s.log.Warn("notify_failed", zap.String("stream_id", rec.ID), zap.Error(err))
		}
	}
	return ended, nil
}

// Start schedules RunOnce on the configured cron expression.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cron != nil {
		return fmt.Errorf("sweeper: already started")
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.schedule, func() {
		if n, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep_failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("sweep_completed", zap.Int("abandoned", n))
		}
	}); err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	s.log.Info("sweeper_started", zap.String("schedule", s.schedule), zap.Duration("stale_after", s.staleAfter))
	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// NextRun returns when the schedule fires next after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("sweeper: parse %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
