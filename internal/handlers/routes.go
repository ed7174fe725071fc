package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/logging"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/model"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/queue"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/scanner"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/transcription"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// TranscriptStore is the metadata lookup behind the /transcripts routes.
type TranscriptStore interface {
	ListTranscripts(ctx context.Context, limit int) ([]types.TranscriptRecord, error)
	GetTranscript(ctx context.Context, jobID string) (types.TranscriptRecord, error)
}

// TranscriptReader reads a transcript file back.
type TranscriptReader interface {
	ReadTranscript(path string) (string, error)
}

// NormalizeFunc converts an upload into WAV and returns the new path.
type NormalizeFunc func(ctx context.Context, inputPath, tempDir string) (string, error)

// Deps are the collaborators shared by every handler.
type Deps struct {
	Queue     *queue.JobQueue
	Registry  *model.Registry
	Scanner   *scanner.Scanner
	Scheduler *scanner.Scheduler
	Router    *events.Router
	Bus       *events.Bus

	Transcripts TranscriptStore
	Reader      TranscriptReader
	Logs        *logging.Buffer

	TempDir         string
	MaxFileSizeMB   int
	DefaultLanguage string
	DefaultModel    string
	Version         string

	Normalize NormalizeFunc
	Logger    *zap.Logger
}

func (d *Deps) withDefaults() *Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Normalize == nil {
		d.Normalize = transcription.NormalizeAudio
	}
	if d.TempDir == "" {
		d.TempDir = "temp"
	}
	if d.MaxFileSizeMB <= 0 {
		d.MaxFileSizeMB = 200
	}
	if d.DefaultLanguage == "" {
		d.DefaultLanguage = types.DefaultLanguage
	}
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	return d
}

// NewApp creates the fiber application with every route registered.
func NewApp(d *Deps) *fiber.App {
	d.withDefaults()

	app := fiber.New(fiber.Config{
		BodyLimit:             d.MaxFileSizeMB * 1024 * 1024,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Output: zap.NewStdLog(d.Logger.Named("http")).Writer(),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	Register(app, d)
	return app
}

// Register mounts the routes on app.
func Register(app *fiber.App, d *Deps) {
	d.withDefaults()

	system := &SystemHandler{deps: d}
	upload := &UploadHandler{deps: d}
	jobs := &JobsHandler{deps: d}
	stream := &StreamHandler{deps: d}

	app.Get("/", system.Welcome)
	app.Get("/health", system.Health)
	app.Get("/models", system.Models)
	app.Post("/scan", system.Scan)
	app.Get("/transcripts", system.ListTranscripts)
	app.Get("/transcripts/:id/text", system.TranscriptText)
	app.Get("/logs", system.Logs)

	app.Post("/transcribe", upload.Transcribe)
	app.Post("/upload", upload.Handle)

	app.Get("/jobs", jobs.List)
	app.Get("/jobs/:id", jobs.Get)
	app.Delete("/jobs/:id", jobs.Cancel)
	app.Get("/jobs/:id/events", jobs.Events)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(stream.Handle))
}

// sendError writes err as a structured payload with the status of its kind.
func sendError(c *fiber.Ctx, err error) error {
	p := apperr.PayloadOf(err)
	return c.Status(apperr.HTTPStatus(p.Kind)).JSON(fiber.Map{
		"error": p.Message,
		"kind":  p.Kind,
	})
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"error": fe.Message,
			"kind":  kindForStatus(fe.Code),
		})
	}
	return sendError(c, err)
}

func kindForStatus(code int) apperr.Kind {
	switch {
	case code == fiber.StatusNotFound:
		return apperr.KindNotFound
	case code >= 400 && code < 500:
		return apperr.KindInvalid
	default:
		return apperr.KindInternal
	}
}
