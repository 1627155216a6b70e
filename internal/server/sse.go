package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/intern3chat/threadline/internal/thread"
	"go.uber.org/zap"
)

// SSE event names.
const (
	eventChunk     = "chunk"
	eventThread    = "thread"
	eventDeleted   = "deleted"
	eventHeartbeat = "heartbeat"
)

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// writeSSE writes a single SSE event to the writer. An empty id omits the
// id field.
func writeSSE(w io.Writer, id, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

func writeHeartbeat(c *gin.Context) {
	writeSSE(c.Writer, "", eventHeartbeat, map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	c.Writer.Flush()
}

// resumeFrom returns the first seq to send: the from query parameter, or one
// past the Last-Event-ID header on a reconnect.
func resumeFrom(c *gin.Context) (int, error) {
	if v := c.Query("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid from %q", v)
		}
		return n, nil
	}
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Last-Event-ID %q", v)
		}
		return n + 1, nil
	}
	return 0, nil
}

// handleStream replays the thread's current stream (or the stream named by
// stream_id) and follows it until its terminal chunk.
func (a *api) handleStream(c *gin.Context) {
	threadID := c.Param("id")
	snap, err := thread.GetSnapshot(a.db, threadID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	from, err := resumeFrom(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	streamID := c.Query("stream_id")
	if streamID == "" {
		streamID = snap.CurrentStreamID
	}
	if streamID == "" {
		c.Status(http.StatusNoContent)
		return
	}
	rec, err := a.hub.Get(streamID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rec.ThreadID != threadID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "stream does not belong to thread"})
		return
	}

	ctx := c.Request.Context()
	chunks, err := a.hub.Subscribe(ctx, streamID, from)
	if err != nil {
		a.writeError(c, err)
		return
	}

	sseHeaders(c)
	c.Header("X-Stream-ID", streamID)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeHeartbeat(c)
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			writeSSE(c.Writer, strconv.Itoa(chunk.Seq), eventChunk, chunk)
			c.Writer.Flush()
		}
	}
}

// handleWatch sends the thread's snapshot on connect and again whenever it
// changes.
func (a *api) handleWatch(c *gin.Context) {
	threadID := c.Param("id")
	last, err := thread.GetSnapshot(a.db, threadID)
	if err != nil {
		a.writeError(c, err)
		return
	}

	sseHeaders(c)
	c.Status(http.StatusOK)
	writeSSE(c.Writer, "", eventThread, last)
	c.Writer.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(a.poll)
	heartbeat := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeHeartbeat(c)
		case <-ticker.C:
			snap, err := thread.GetSnapshot(a.db, threadID)
			if errors.Is(err, thread.ErrNotFound) {
				writeSSE(c.Writer, "", eventDeleted, map[string]string{"id": threadID})
				c.Writer.Flush()
				return
			}
			if err != nil {
				a.log.Warn("watch_poll_failed", zap.String("thread_id", threadID), zap.Error(err))
				continue
			}
			if snap == last {
				continue
			}
			last = snap
			writeSSE(c.Writer, "", eventThread, snap)
			c.Writer.Flush()
		}
	}
}
