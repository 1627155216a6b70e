package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/intern3chat/threadline/internal/chat"
	"github.com/intern3chat/threadline/internal/config"
	"github.com/intern3chat/threadline/internal/db"
	"github.com/intern3chat/threadline/internal/generate"
	"github.com/intern3chat/threadline/internal/logging"
	"github.com/intern3chat/threadline/internal/notify"
	"github.com/intern3chat/threadline/internal/server"
	"github.com/intern3chat/threadline/internal/stream"
	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/intern3chat/threadline/internal/sweeper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Threadline API server",
		Long: `Runs the HTTP API: thread CRUD, message submission, resumable reply
streams and thread watches. Streams left active by a previous run are
abandoned at startup and a cron sweep abandons streams that stall.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

// app bundles the long-lived services behind the API server.
type app struct {
	db      *gorm.DB
	chunks  *streamlog.Log
	hub     *stream.Hub
	chat    *chat.Service
	sweeper *sweeper.Sweeper
	log     *zap.Logger
}

func newApp(cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{log: logging.OrNop(logger)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.db, err = db.Open(cfg.Database); err != nil {
		return nil, err
	}
	if err = db.AutoMigrate(a.db); err != nil {
		return nil, err
	}
	if a.chunks, err = streamlog.Open(cfg.Streams.Dir); err != nil {
		return nil, err
	}
	if a.hub, err = stream.NewHub(a.db, a.chunks, a.log); err != nil {
		return nil, err
	}

	gen, err := generate.Lookup(cfg.Generator.Name, cfg.Generator.ChunkDelay)
	if err != nil {
		return nil, err
	}
	notifiers, err := notify.FromConfig(cfg.Notify)
	if err != nil {
		return nil, err
	}
	alerts := notify.Logged{Notifier: notifiers, Logger: a.log}

	if a.chat, err = chat.New(chat.Options{
		DB:        a.db,
		Hub:       a.hub,
		Generator: gen,
		Notifier:  alerts,
		Logger:    a.log,
	}); err != nil {
		return nil, err
	}
	if a.sweeper, err = sweeper.New(sweeper.Opts{
		Hub:        a.hub,
		Notifier:   alerts,
		StaleAfter: cfg.Streams.StaleAfter,
		Schedule:   cfg.Streams.SweepCron,
		Logger:     a.log,
	}); err != nil {
		return nil, err
	}
	a.log.Info("app_ready",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("generator", cfg.Generator.Name),
		zap.Int("notifiers", len(notifiers)),
	)
	return a, nil
}

// close stops the services in dependency order: no new sweeps, cancel
// generation, abandon whatever is still live, then release storage.
func (a *app) close() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.chat != nil {
		a.chat.Close()
	}
	if a.hub != nil {
		a.hub.Shutdown()
	}
	if a.chunks != nil {
		if err := a.chunks.Close(); err != nil {
			a.log.Warn("chunk_log_close_failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := db.Close(a.db); err != nil {
			a.log.Warn("db_close_failed", zap.Error(err))
		}
	}
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	return server.Start(ctx, server.Opts{
		DB:                a.db,
		Hub:               a.hub,
		Chat:              a.chat,
		Logger:            logger,
		Port:              cfg.Server.Port,
		RateLimitRPS:      cfg.Server.RateLimitRPS,
		RateLimitBurst:    cfg.Server.RateLimitBurst,
		WatchPollInterval: cfg.Server.WatchPollInterval,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		Out:               cmd.OutOrStdout(),
	})
}

// start abandons streams orphaned by a previous process and schedules the
// stale-stream sweep.
func (a *app) start(ctx context.Context) error {
	n, err := a.sweeper.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned streams: %w", err)
	}
	if n > 0 {
		a.log.Info("orphans_recovered", zap.Int("abandoned", n))
	}
	return a.sweeper.Start(ctx)
}
