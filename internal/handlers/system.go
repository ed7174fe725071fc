package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/model"
)

const documentationURL = "https://github.com/codebuildervaibhav/hebrew-whisper#readme"

// SystemHandler serves the informational and maintenance routes.
type SystemHandler struct {
	deps *Deps
}

func (h *SystemHandler) Welcome(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message":           "Welcome to the Hebrew speech-to-text service",
		"client_ip":         c.IP(),
		"documentation_url": documentationURL,
	})
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"version": h.deps.Version,
		"pending": h.deps.Queue.Pending(),
	})
}

// Models lists the loaded models.
func (h *SystemHandler) Models(c *fiber.Ctx) error {
	stats := []model.Stat{}
	if h.deps.Registry != nil {
		stats = h.deps.Registry.Stats()
	}
	return c.JSON(fiber.Map{
		"default_model": h.deps.DefaultModel,
		"models":        stats,
	})
}

// Scan runs a scan of the watched directory now and returns the queued job
// ids.
func (h *SystemHandler) Scan(c *fiber.Ctx) error {
	if h.deps.Scanner == nil {
		return sendError(c, apperr.Invalid("directory scanning is not configured"))
	}
	ids := h.deps.Scanner.Tick()
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(fiber.Map{
		"directory": h.deps.Scanner.Dir(),
		"job_ids":   ids,
	})
}

func (h *SystemHandler) ListTranscripts(c *fiber.Ctx) error {
	if h.deps.Transcripts == nil {
		return sendError(c, apperr.NotFound("transcript store", "default"))
	}
	transcripts, err := h.deps.Transcripts.ListTranscripts(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(transcripts)
}

func (h *SystemHandler) TranscriptText(c *fiber.Ctx) error {
	if h.deps.Transcripts == nil || h.deps.Reader == nil {
		return sendError(c, apperr.NotFound("transcript store", "default"))
	}
	jobID := c.Params("id")
	rec, err := h.deps.Transcripts.GetTranscript(c.Context(), jobID)
	if err != nil {
		return sendError(c, err)
	}
	if rec.LocalPath == "" {
		return sendError(c, apperr.NotFound("transcript file", jobID))
	}

	content, err := h.deps.Reader.ReadTranscript(rec.LocalPath)
	if err != nil {
		return sendError(c, apperr.Internal(err, "read transcript %s", jobID))
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(content)
}

func (h *SystemHandler) Logs(c *fiber.Ctx) error {
	lines := []string{}
	if h.deps.Logs != nil {
		lines = h.deps.Logs.Lines()
	}
	return c.JSON(fiber.Map{"logs": lines})
}
