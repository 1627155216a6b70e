// Package server exposes threads, messages and resumable streams over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/intern3chat/threadline/internal/chat"
	"github.com/intern3chat/threadline/internal/logging"
	"github.com/intern3chat/threadline/internal/stream"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Opts holds configuration for the API server.
type Opts struct {
	DB     *gorm.DB
	Hub    *stream.Hub
	Chat   *chat.Service
	Logger *zap.Logger

	Port              int
	RateLimitRPS      float64
	RateLimitBurst    int
	WatchPollInterval time.Duration
	HeartbeatInterval time.Duration
	Out               io.Writer
}

func (o *Opts) applyDefaults() {
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.WatchPollInterval <= 0 {
		o.WatchPollInterval = 500 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
}

// NewRouter builds the gin router with every API route registered.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("server: db is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("server: stream hub is required")
	}
	if opts.Chat == nil {
		return nil, fmt.Errorf("server: chat service is required")
	}
	opts.applyDefaults()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logging.OrNop(opts.Logger)))

	api := &api{
		db:        opts.DB,
		hub:       opts.Hub,
		chat:      opts.Chat,
		log:       logging.OrNop(opts.Logger),
		limiters:  newLimiterPool(opts.RateLimitRPS, opts.RateLimitBurst),
		poll:      opts.WatchPollInterval,
		heartbeat: opts.HeartbeatInterval,
	}
	registerRoutes(router, api)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	opts.applyDefaults()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Threadline API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger logs one line per request. Streaming endpoints log when the
// client disconnects.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
