package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
)

// JobsHandler exposes the job queue.
type JobsHandler struct {
	deps *Deps
}

func (h *JobsHandler) List(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"jobs":    h.deps.Queue.List(),
		"pending": h.deps.Queue.Pending(),
	})
}

func (h *JobsHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")
	info, ok := h.deps.Queue.Get(id)
	if !ok {
		return sendError(c, apperr.NotFound("job", id))
	}
	return c.JSON(info)
}

// Cancel cancels a pending job. Jobs that already started cannot be
// cancelled.
func (h *JobsHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	info, ok := h.deps.Queue.Get(id)
	if !ok {
		return sendError(c, apperr.NotFound("job", id))
	}
	if !h.deps.Queue.Cancel(id) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "only pending jobs can be cancelled",
			"kind":  apperr.KindInvalid,
			"state": info.State,
		})
	}
	info, _ = h.deps.Queue.Get(id)
	return c.JSON(info)
}

// Events returns the recorded events of a job after the given sequence
// number, for polling clients.
func (h *JobsHandler) Events(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := h.deps.Queue.Get(id); !ok {
		return sendError(c, apperr.NotFound("job", id))
	}
	since := int64(c.QueryInt("since", 0))

	evs := []events.Event{}
	if h.deps.Bus != nil {
		evs = append(evs, h.deps.Bus.Since(since, id)...)
	}
	return c.JSON(fiber.Map{"job_id": id, "events": evs})
}
