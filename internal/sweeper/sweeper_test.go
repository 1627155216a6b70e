package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/intern3chat/threadline/internal/db/dbtest"
	"github.com/intern3chat/threadline/internal/models"
	"github.com/intern3chat/threadline/internal/notify"
	"github.com/intern3chat/threadline/internal/stream"
	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/intern3chat/threadline/internal/thread"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordNotifier) Notify(_ context.Context, evt notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func setup(t *testing.T) (*gorm.DB, *stream.Hub) {
	t.Helper()
	db := dbtest.Open(t)
	chunks, err := streamlog.Open("")
	if err != nil {
		t.Fatalf("streamlog.Open: %v", err)
	}
	t.Cleanup(func() { chunks.Close() })
	hub, err := stream.NewHub(db, chunks, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return db, hub
}

func startStream(t *testing.T, db *gorm.DB, hub *stream.Hub) (string, string) {
	t.Helper()
	th, err := thread.Create(db, "sweep")
	if err != nil {
		t.Fatalf("thread.Create: %v", err)
	}
	sid, err := hub.Start(th.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return th.ID, sid
}

func TestNew_RequiresHub(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error without hub")
	}
}

func TestRunOnce_AbandonsOnlyStaleStreams(t *testing.T) {
	db, hub := setup(t)
	staleThread, staleID := startStream(t, db, hub)
	_, freshID := startStream(t, db, hub)

	old := time.Now().Add(-10 * time.Minute)
	if err := db.Model(&models.Stream{}).Where("id = ?", staleID).
		Updates(map[string]interface{}{"created_at": old, "last_chunk_at": old}).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	rec := &recordNotifier{}
	s, err := New(Opts{Hub: hub, Notifier: rec, StaleAfter: time.Minute, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("abandoned %d streams, want 1", n)
	}

	got, _ := hub.Get(staleID)
	if got.Status != models.StreamAbandoned {
		t.Errorf("stale stream status = %s, want abandoned", got.Status)
	}
	got, _ = hub.Get(freshID)
	if got.Status != models.StreamActive {
		t.Errorf("fresh stream status = %s, want active", got.Status)
	}
	snap, _ := thread.GetSnapshot(db, staleThread)
	if snap.IsLive {
		t.Error("stale thread should no longer be live")
	}

	if len(rec.events) != 1 || rec.events[0].Kind != notify.KindStreamAbandoned || rec.events[0].StreamID != staleID {
		t.Errorf("events = %+v", rec.events)
	}

	// A second run finds nothing.
	n, err = s.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second RunOnce = %d, %v; want 0, nil", n, err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	db, hub := setup(t)
	th, err := thread.Create(db, "orphan")
	if err != nil {
		t.Fatalf("thread.Create: %v", err)
	}
	orphan := models.Stream{ID: "orphan-1", ThreadID: th.ID, Status: models.StreamActive}
	if err := db.Create(&orphan).Error; err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	if err := thread.MarkLive(db, th.ID, orphan.ID); err != nil {
		t.Fatalf("MarkLive: %v", err)
	}

	s, _ := New(Opts{Hub: hub, StaleAfter: time.Hour})
	n, err := s.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}
	snap, _ := thread.GetSnapshot(db, th.ID)
	if snap.IsLive {
		t.Error("orphaned thread should no longer be live")
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	_, hub := setup(t)
	s, _ := New(Opts{Hub: hub, Schedule: "not a cron"})
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error for invalid schedule")
	}
	s.Stop()
}

func TestStart_TwiceFails(t *testing.T) {
	_, hub := setup(t)
	s, _ := New(Opts{Hub: hub, Schedule: "* * * * *"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error on second Start")
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 30, 15, 0, time.UTC)
	next, err := NextRun("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 35, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next, want)
	}
	if _, err := NextRun("bad", from); err == nil {
		t.Error("expected parse error")
	}
}
