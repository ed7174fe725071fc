package handlers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/queue"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/transcription"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// UploadHandler handles file uploads
type UploadHandler struct {
	deps *Deps
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(deps *Deps) *UploadHandler {
	return &UploadHandler{deps: deps.withDefaults()}
}

// Handle accepts an upload and returns its job id immediately.
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	id, err := h.accept(c)
	if err != nil {
		return sendError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":  id,
		"status":  types.StatePending,
		"message": "File uploaded successfully, processing started",
	})
}

// Transcribe accepts an upload, waits for the job and returns the transcript
// file as an attachment. With ?async=1 it behaves like Handle.
func (h *UploadHandler) Transcribe(c *fiber.Ctx) error {
	if c.QueryBool("async") {
		return h.Handle(c)
	}

	id, err := h.accept(c)
	if err != nil {
		return sendError(c, err)
	}

	info, err := h.deps.Queue.Wait(c.Context(), id)
	if err != nil {
		return sendError(c, apperr.Internal(err, "waiting for job %s", id))
	}
	if info.State != types.StateCompleted {
		kind, msg := apperr.KindInternal, "transcription did not complete"
		if info.Error != nil {
			kind, msg = info.Error.Kind, info.Error.Message
		}
		return c.Status(apperr.HTTPStatus(kind)).JSON(fiber.Map{
			"job_id": id,
			"error":  msg,
			"kind":   kind,
		})
	}

	if info.OutputPath == "" {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(info.Text)
	}
	return c.Download(info.OutputPath, filepath.Base(info.OutputPath))
}

// accept validates and stores the uploaded file, converts it to WAV when
// needed and enqueues it with origin upload.
func (h *UploadHandler) accept(c *fiber.Ctx) (string, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return "", apperr.Invalid("no file uploaded")
	}

	maxSize := int64(h.deps.MaxFileSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return "", apperr.Invalid("file too large (max %dMB)", h.deps.MaxFileSizeMB)
	}
	if !transcription.ValidateAudioFormat(file.Filename) {
		return "", apperr.Invalid("unsupported audio format %q", filepath.Ext(file.Filename))
	}

	if err := os.MkdirAll(h.deps.TempDir, 0o755); err != nil {
		return "", apperr.Internal(err, "prepare temp directory")
	}
	tempPath := filepath.Join(h.deps.TempDir, fmt.Sprintf("%s%s", uuid.New().String(), filepath.Ext(file.Filename)))
	if err := c.SaveFile(file, tempPath); err != nil {
		h.deps.Logger.Error("failed to save uploaded file", zap.Error(err))
		return "", apperr.Internal(err, "save uploaded file")
	}

	sourcePath, err := h.toWAV(c, tempPath)
	if err != nil {
		return "", err
	}

	job := queue.NewJob(sourcePath, c.FormValue("language"), c.FormValue("model"), types.OriginUpload)
	job.Name = filepath.Base(file.Filename)
	id, err := h.deps.Queue.Enqueue(job)
	if err != nil {
		os.Remove(sourcePath)
		return "", err
	}
	return id, nil
}

func (h *UploadHandler) toWAV(c *fiber.Ctx, path string) (string, error) {
	if transcription.IsWAV(path) {
		return path, nil
	}
	wav, err := h.deps.Normalize(c.Context(), path, h.deps.TempDir)
	os.Remove(path)
	if err != nil {
		return "", err
	}
	return wav, nil
}
