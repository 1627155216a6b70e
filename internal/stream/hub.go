// Package stream runs resumable generation streams: it assigns stream ids,
// persists chunks to the stream log, keeps the owning thread's live state in
// step and lets any number of clients replay and follow a stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/intern3chat/threadline/internal/logging"
	"github.com/intern3chat/threadline/internal/metrics"
	"github.com/intern3chat/threadline/internal/models"
	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/intern3chat/threadline/internal/thread"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnknownStream is returned for stream ids with no record.
	ErrUnknownStream = errors.New("stream: unknown stream")
	// ErrStreamClosed is returned when publishing to a finished stream.
	ErrStreamClosed = errors.New("stream: stream closed")
	// ErrStreamActive is returned when a thread already has an active stream.
	ErrStreamActive = errors.New("stream: thread has an active stream")
)

// liveStream is the in-process state of an active stream.
type liveStream struct {
	threadID string
	nextSeq  int
	// notify is closed and replaced on every append.
	notify chan struct{}
}

// Hub owns every active stream of this process.
type Hub struct {
	db     *gorm.DB
	chunks *streamlog.Log
	log    *zap.Logger

	mu   sync.Mutex
	live map[string]*liveStream
}

// NewHub creates a Hub.
func NewHub(db *gorm.DB, chunks *streamlog.Log, logger *zap.Logger) (*Hub, error) {
	if db == nil {
		return nil, fmt.Errorf("stream: db is required")
	}
	if chunks == nil {
		return nil, fmt.Errorf("stream: chunk log is required")
	}
	return &Hub{
		db:     db,
		chunks: chunks,
		log:    logging.OrNop(logger),
		live:   make(map[string]*liveStream),
	}, nil
}

// Start opens a new stream on threadID and marks the thread live with it.
func (h *Hub) Start(threadID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := thread.Get(h.db, threadID); err != nil {
		return "", err
	}
	var active int64
	if err := h.db.Model(&models.Stream{}).
		Where("thread_id = ? AND status = ?", threadID, models.StreamActive).
		Count(&active).Error; err != nil {
		return "", fmt.Errorf("stream: check active on %s: %w", threadID, err)
	}
	if active > 0 {
		return "", fmt.Errorf("%w: %s", ErrStreamActive, threadID)
	}

	id := uuid.NewString()
	rec := models.Stream{ID: id, ThreadID: threadID, Status: models.StreamActive}
	if err := h.db.Create(&rec).Error; err != nil {
		return "", fmt.Errorf("stream: create %s: %w", id, err)
	}
	if err := thread.MarkLive(h.db, threadID, id); err != nil {
		return "", err
	}

	h.live[id] = &liveStream{threadID: threadID, notify: make(chan struct{})}
	metrics.StreamsStarted.Inc()
	metrics.ActiveStreams.Inc()
	h.log.Info("stream_started", zap.String("thread_id", threadID), zap.String("stream_id", id))
	return id, nil
}

// Publish appends a text chunk to an active stream.
func (h *Hub) Publish(streamID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ls, ok := h.live[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamClosed, streamID)
	}
	c := streamlog.Chunk{Seq: ls.nextSeq, Type: streamlog.ChunkText, Text: text}
	if err := h.chunks.Append(streamID, c); err != nil {
		return err
	}
	ls.nextSeq++
	close(ls.notify)
	ls.notify = make(chan struct{})
	metrics.ChunksPublished.Inc()

	if err := h.db.Model(&models.Stream{}).Where("id = ?", streamID).Updates(map[string]interface{}{
		"chunk_count":   ls.nextSeq,
		"last_chunk_at": time.Now(),
	}).Error; err != nil {
		h.log.Warn("stream_touch_failed", zap.String("stream_id", streamID), zap.Error(err))
	}
	return nil
}

// Finish ends a stream. A nil cause completes it; otherwise it fails with
// cause's message.
func (h *Hub) Finish(streamID string, cause error) error {
	if cause == nil {
		return h.end(streamID, models.StreamCompleted, "")
	}
	return h.end(streamID, models.StreamFailed, cause.Error())
}

// Abandon ends a stream that stopped making progress. It also handles
// streams left active by a previous process.
func (h *Hub) Abandon(streamID, reason string) error {
	return h.end(streamID, models.StreamAbandoned, reason)
}

func (h *Hub) end(streamID, status, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var rec models.Stream
	if err := h.db.Where("id = ?", streamID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
		}
		return fmt.Errorf("stream: load %s: %w", streamID, err)
	}

	ls, live := h.live[streamID]
	if !live && rec.Status != models.StreamActive {
		return fmt.Errorf("%w: %s", ErrStreamClosed, streamID)
	}
	seq := rec.ChunkCount
	if live {
		seq = ls.nextSeq
	} else {
		// chunk_count trails the log when a touch failed; never overwrite a chunk.
		next, err := h.chunks.Next(streamID)
		if err != nil {
			return err
		}
		if next > seq {
			seq = next
		}
	}
	terminal := streamlog.Chunk{Seq: seq, Type: streamlog.ChunkFinish}
	if status != models.StreamCompleted {
		terminal = streamlog.Chunk{Seq: seq, Type: streamlog.ChunkError, Error: reason}
	}
	if err := h.chunks.Append(streamID, terminal); err != nil {
		return err
	}
	if live {
		delete(h.live, streamID)
		close(ls.notify)
		metrics.ActiveStreams.Dec()
	}

	if err := h.db.Model(&models.Stream{}).Where("id = ?", streamID).Updates(map[string]interface{}{
		"status":      status,
		"error":       reason,
		"chunk_count": seq + 1,
		"finished_at": time.Now(),
	}).Error; err != nil {
		return fmt.Errorf("stream: finish %s: %w", streamID, err)
	}
	if err := thread.Settle(h.db, rec.ThreadID, streamID); err != nil {
		return err
	}

	metrics.StreamsFinished.WithLabelValues(status).Inc()
	fields := []zap.Field{
		zap.String("thread_id", rec.ThreadID),
		zap.String("stream_id", streamID),
		zap.String("status", status),
		zap.Int("chunks", seq),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	h.log.Info("stream_finished", fields...)
	return nil
}

// Subscribe replays the chunks of streamID from fromSeq and then follows it
// live. The channel is closed after the terminal chunk, when ctx is done, or
// when the stream is no longer driven by this process.
func (h *Hub) Subscribe(ctx context.Context, streamID string, fromSeq int) (<-chan streamlog.Chunk, error) {
	var rec models.Stream
	if err := h.db.Where("id = ?", streamID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
		}
		return nil, fmt.Errorf("stream: load %s: %w", streamID, err)
	}
	if fromSeq < 0 {
		fromSeq = 0
	}

	out := make(chan streamlog.Chunk, 16)
	go func() {
		defer close(out)
		next := fromSeq
		for {
			// Take the wait channel before reading so an append between
			// the read and the wait cannot be missed.
			h.mu.Lock()
			var wait chan struct{}
			if ls, ok := h.live[streamID]; ok {
				wait = ls.notify
			}
			h.mu.Unlock()

			chunks, err := h.chunks.Read(streamID, next)
			if err != nil {
				h.log.Warn("stream_replay_failed", zap.String("stream_id", streamID), zap.Error(err))
				return
			}
			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
				next = c.Seq + 1
				if c.Terminal() {
					return
				}
			}
			if wait == nil {
				return
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Get returns the record of streamID.
func (h *Hub) Get(streamID string) (*models.Stream, error) {
	var rec models.Stream
	if err := h.db.Where("id = ?", streamID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
		}
		return nil, fmt.Errorf("stream: get %s: %w", streamID, err)
	}
	return &rec, nil
}

// Stale returns active streams whose last activity is older than cutoff.
func (h *Hub) Stale(cutoff time.Time) ([]models.Stream, error) {
	var recs []models.Stream
	if err := h.db.Where("status = ?", models.StreamActive).
		Where("(last_chunk_at IS NULL AND created_at < ?) OR last_chunk_at < ?", cutoff, cutoff).
		Order("created_at ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("stream: stale: %w", err)
	}
	return recs, nil
}

// Shutdown abandons every stream this process is still driving so their
// threads stop reporting live.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.Abandon(id, "server shutdown"); err != nil && !errors.Is(err, ErrStreamClosed) {
			h.log.Warn("stream_shutdown_failed", zap.String("stream_id", id), zap.Error(err))
		}
	}
}
