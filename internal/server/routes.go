package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/intern3chat/threadline/internal/chat"
	"github.com/intern3chat/threadline/internal/metrics"
	"github.com/intern3chat/threadline/internal/stream"
	"github.com/intern3chat/threadline/internal/thread"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type api struct {
	db        *gorm.DB
	hub       *stream.Hub
	chat      *chat.Service
	log       *zap.Logger
	limiters  *limiterPool
	poll      time.Duration
	heartbeat time.Duration
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, a *api) {
	router.GET("/healthz", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	threads := router.Group("/api/threads")
	threads.POST("", a.handleCreateThread)
	threads.GET("", a.handleListThreads)
	threads.GET("/:id", a.handleGetThread)
	threads.PATCH("/:id", a.handleRenameThread)
	threads.DELETE("/:id", a.handleDeleteThread)
	threads.GET("/:id/messages", a.handleListMessages)
	threads.POST("/:id/messages", a.rateLimit, a.handleSend)
	threads.GET("/:id/stream", a.handleStream)
	threads.GET("/:id/watch", a.handleWatch)
}

type titleRequest struct {
	Title string `json:"title"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type sendResponse struct {
	StreamID string `json:"stream_id"`
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps domain errors to status codes.
func (a *api) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, thread.ErrNotFound), errors.Is(err, stream.ErrUnknownStream):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrThreadBusy):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.log.Error("request_failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (a *api) rateLimit(c *gin.Context) {
	if !a.limiters.Allow(c.ClientIP()) {
		metrics.RateLimited.Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

func (a *api) handleCreateThread(c *gin.Context) {
	var req titleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	th, err := thread.Create(a.db, req.Title)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, thread.SnapshotOf(*th))
}

func (a *api) handleListThreads(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := thread.List(a.db, limit)
	if err != nil {
		a.writeError(c, err)
		return
	}
	out := make([]thread.Snapshot, 0, len(list))
	for _, th := range list {
		out = append(out, thread.SnapshotOf(th))
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) handleGetThread(c *gin.Context) {
	snap, err := thread.GetSnapshot(a.db, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *api) handleRenameThread(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	id := c.Param("id")
	if err := thread.Rename(a.db, id, req.Title); err != nil {
		a.writeError(c, err)
		return
	}
	snap, err := thread.GetSnapshot(a.db, id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *api) handleDeleteThread(c *gin.Context) {
	id := c.Param("id")
	snap, err := thread.GetSnapshot(a.db, id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if snap.IsLive {
		a.writeError(c, chat.ErrThreadBusy)
		return
	}
	if err := thread.Delete(a.db, id); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) handleListMessages(c *gin.Context) {
	msgs, err := thread.Messages(a.db, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	out := make([]thread.MessageView, 0, len(msgs))
	for _, m := range msgs {
		v, err := thread.ViewOf(m)
		if err != nil {
			a.writeError(c, err)
			return
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	streamID, err := a.chat.Send(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sendResponse{StreamID: streamID})
}
