package cli

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/cleanup"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/config"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/model"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/queue"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/scanner"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/storage"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/transcription"
)

// orchestrator is every long-lived component of the service, wired together.
type orchestrator struct {
	cfg *config.Config
	log *zap.Logger

	registry  *model.Registry
	queue     *queue.JobQueue
	worker    *queue.Worker
	router    *events.Router
	bus       *events.Bus
	local     *storage.LocalStorage
	db        *storage.MetadataDB
	scanner   *scanner.Scanner
	scheduler *scanner.Scheduler
	cleanup   *cleanup.Scheduler
}

type buildOptions struct {
	// withMirror lets the worker copy transcripts to Google Drive.
	withMirror bool
	// extraSinks receive every event besides the logger and the bus.
	extraSinks []events.Sink
}

func newLoader(cfg *config.Config, logger *zap.Logger) model.Loader {
	t := cfg.Transcription
	if t.Engine == "sherpa" {
		return transcription.NewSherpaLoader(t.ModelDir, t.Threads, logger.Named("sherpa"))
	}
	return transcription.NewWhisperLoader(t.Python, t.ModelDir, t.Threads, logger.Named("whisper"))
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts buildOptions) (*orchestrator, error) {
	if err := cleanup.EnsureDirs(logger, cfg.Storage.TempDir, cfg.Storage.OutputDir, cfg.Scanner.WatchDir); err != nil {
		return nil, err
	}

	device := model.DetectDevice(cfg.Transcription.Device)
	logger.Info("inference device selected",
		zap.String("engine", cfg.Transcription.Engine),
		zap.String("device", string(device)),
		zap.String("precision", string(model.PrecisionFor(device))),
	)

	o := &orchestrator{cfg: cfg, log: logger}
	o.registry = model.NewRegistry(newLoader(cfg, logger), model.RegistryOptions{
		Device:      func() model.Device { return device },
		IdleTimeout: cfg.IdleTimeout(),
		InDemand: func(name string) bool {
			return o.queue != nil && o.queue.PendingFor(name)
		},
		Logger: logger.Named("models"),
	})

	queueLog := logger.Named("queue")
	o.queue = queue.New(queue.Options{
		MaxPending:      cfg.Queue.MaxPending,
		History:         cfg.Queue.History,
		DefaultLanguage: cfg.Transcription.DefaultLanguage,
		DefaultModel:    cfg.Transcription.DefaultModel,
		OnCancel: func(job *queue.Job) {
			queue.DeleteSource(job, queueLog)
		},
		Logger: queueLog,
	})

	o.local = storage.NewLocalStorage(cfg.Storage.OutputDir)
	db, err := storage.NewMetadataDB(cfg.Storage.Database)
	if err != nil {
		return nil, err
	}
	o.db = db

	o.bus = events.NewBus(1000)
	sinks := append([]events.Sink{events.NewLogger(logger.Named("events")), o.bus}, opts.extraSinks...)
	o.router = events.NewRouter(logger.Named("router"), sinks...)

	wcfg := queue.WorkerConfig{
		BeamSize:         cfg.Transcription.BeamSize,
		Temperature:      cfg.Temperature(),
		ProgressInterval: cfg.ProgressInterval(),
		Writer:           o.local,
		Metadata:         o.db,
		Sink:             o.router,
		Logger:           logger.Named("worker"),
	}
	if opts.withMirror {
		if drive := newDriveMirror(ctx, cfg, logger); drive != nil {
			wcfg.Mirror = drive
		}
	}
	o.worker = queue.NewWorker(o.queue, o.registry, wcfg)

	o.scanner = scanner.New(o.queue, scanner.Options{
		Dir:        cfg.Scanner.WatchDir,
		Extensions: cfg.Scanner.Extensions,
		Model:      cfg.Transcription.ScanModel,
		Language:   cfg.Transcription.DefaultLanguage,
		Logger:     logger.Named("scanner"),
	})
	o.scheduler = scanner.NewScheduler(o.scanner, cfg.ScanInterval(), logger.Named("scanner"))
	o.cleanup = cleanup.NewScheduler(
		cfg.Storage.TempDir,
		cfg.CleanupInterval(),
		cfg.CleanupMaxAge(),
		o.queue,
		logger.Named("cleanup"),
	)
	return o, nil
}

// newDriveMirror returns nil when Drive is not set up; transcripts are then
// saved locally only.
func newDriveMirror(ctx context.Context, cfg *config.Config, logger *zap.Logger) *storage.DriveClient {
	gd := cfg.GoogleDrive
	if gd.CredentialsFile == "" {
		logger.Info("google drive not configured, saving transcripts locally only")
		return nil
	}
	if _, err := os.Stat(gd.CredentialsFile); err != nil {
		logger.Info("google drive credentials not found, saving transcripts locally only",
			zap.String("credentials_file", gd.CredentialsFile))
		return nil
	}

	client, err := storage.NewDriveClient(ctx, gd.CredentialsFile, gd.TokenFile, gd.FolderName)
	switch {
	case errors.Is(err, storage.ErrNoToken):
		logger.Warn("google drive token missing, run drive-auth to enable mirroring", zap.Error(err))
		return nil
	case err != nil:
		logger.Warn("google drive not available, saving transcripts locally only", zap.Error(err))
		return nil
	}
	logger.Info("google drive mirroring enabled", zap.String("folder", gd.FolderName))
	return client
}

func (o *orchestrator) close() {
	if err := o.registry.Close(); err != nil {
		o.log.Warn("failed to unload models", zap.Error(err))
	}
	if err := o.db.Close(); err != nil {
		o.log.Warn("failed to close metadata database", zap.Error(err))
	}
}
