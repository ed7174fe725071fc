package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/handlers"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket service (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serve(cmd.Context())
		},
	}
}

func (a *appState) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := a.log()
	defer func() { _ = logger.Sync() }()

	logger.Info("initializing components")
	o, err := buildOrchestrator(ctx, a.cfg, logger, buildOptions{withMirror: true})
	if err != nil {
		return err
	}
	defer o.close()

	app := handlers.NewApp(&handlers.Deps{
		Queue:           o.queue,
		Registry:        o.registry,
		Scanner:         o.scanner,
		Scheduler:       o.scheduler,
		Router:          o.router,
		Bus:             o.bus,
		Transcripts:     o.db,
		Reader:          o.local,
		Logs:            a.logs,
		TempDir:         a.cfg.Storage.TempDir,
		MaxFileSizeMB:   a.cfg.Limits.MaxFileSizeMB,
		DefaultLanguage: a.cfg.Transcription.DefaultLanguage,
		DefaultModel:    a.cfg.Transcription.DefaultModel,
		Version:         Version,
		Logger:          logger.Named("http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.worker.Run(gctx) })
	g.Go(func() error {
		o.scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		o.cleanup.Run(gctx)
		return nil
	})
	g.Go(func() error {
		o.registry.RunEvictor(gctx, a.cfg.EvictInterval())
		return nil
	})

	addr := a.cfg.Addr()
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("engine", a.cfg.Transcription.Engine),
			zap.String("default_model", a.cfg.Transcription.DefaultModel),
			zap.String("watch_dir", a.cfg.Scanner.WatchDir))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
