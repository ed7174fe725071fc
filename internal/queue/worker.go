package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/model"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// TranscriptWriter persists the transcript of a finished job and returns the
// path it was written to.
type TranscriptWriter interface {
	SaveTranscript(name string, result *types.TranscriptionResult) (string, error)
}

// Mirror copies a finished transcript to remote storage and returns its URL.
type Mirror interface {
	Upload(ctx context.Context, name string, result *types.TranscriptionResult) (string, error)
}

// MetadataRecorder stores the metadata row of a finished job.
type MetadataRecorder interface {
	RecordTranscript(ctx context.Context, rec types.TranscriptRecord) error
}

// WorkerConfig configures a Worker. Decoding parameters are fixed per worker
// so every job for one model name reuses the same handle.
type WorkerConfig struct {
	BeamSize    int
	Temperature float64
	// ProgressInterval is the period of synthetic progress events while
	// inference runs. Zero disables them.
	ProgressInterval time.Duration

	Writer   TranscriptWriter
	Mirror   Mirror
	Metadata MetadataRecorder
	Sink     events.Sink
	Logger   *zap.Logger

	// MirrorAttempts defaults to 3; MirrorBackoff to attempt² seconds.
	MirrorAttempts int
	MirrorBackoff  func(attempt int) time.Duration
	Now            func() time.Time
}

// Worker drains a JobQueue one job at a time. A failing job never stops the
// loop.
type Worker struct {
	queue    *JobQueue
	registry *model.Registry
	cfg      WorkerConfig
	log      *zap.Logger
}

// NewWorker creates a worker consuming q and loading models from registry.
func NewWorker(q *JobQueue, registry *model.Registry, cfg WorkerConfig) *Worker {
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MirrorAttempts <= 0 {
		cfg.MirrorAttempts = 3
	}
	if cfg.MirrorBackoff == nil {
		cfg.MirrorBackoff = func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		queue:    q,
		registry: registry,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Run processes jobs until ctx is done. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker stopped")
				return nil
			}
			return err
		}
		w.process(ctx, job)
	}
}

// process runs one job to a terminal state. The source is deleted and the
// terminal event published before the queue learns the outcome, so anyone
// waiting on the job sees a finished pipeline.
func (w *Worker) process(ctx context.Context, job *Job) {
	started := w.cfg.Now()
	logger := w.log.With(zap.String("job_id", job.ID), zap.String("name", job.Name))
	logger.Info("processing job", zap.String("origin", string(job.Origin)), zap.String("model", job.ModelName))

	result, err := w.execute(ctx, job)
	DeleteSource(job, logger)

	elapsed := w.cfg.Now().Sub(started).Seconds()
	if err != nil {
		payload := apperr.PayloadOf(err)
		logger.Error("job failed", zap.String("kind", string(payload.Kind)), zap.Error(err))
		w.publish(job, events.Event{
			Channel: events.ChannelError,
			Message: payload.Message,
			Elapsed: elapsed,
			Error:   &payload,
		})
	} else {
		logger.Info("job completed",
			zap.String("output", result.LocalPath),
			zap.String("gdrive", result.GDriveURL),
			zap.Int("words", result.WordCount))
		w.publish(job, events.Event{
			Channel:    events.ChannelComplete,
			Text:       result.Text,
			OutputPath: result.LocalPath,
			Elapsed:    elapsed,
		})
	}

	if ferr := w.queue.Finish(job, result, err); ferr != nil {
		logger.Error("finish job", zap.Error(ferr))
	}
}

func (w *Worker) execute(ctx context.Context, job *Job) (result *types.TranscriptionResult, err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if v, ok := rec.(model.InvariantViolation); ok {
			panic(v)
		}
		w.log.Error("panic while processing job",
			zap.String("job_id", job.ID),
			zap.String("panic", fmt.Sprint(rec)),
			zap.ByteString("stack", debug.Stack()))
		result = nil
		err = apperr.Internal(nil, "worker panic: %v", rec)
	}()

	w.publish(job, events.Event{
		Channel: events.ChannelLog,
		Message: "Starting transcription of " + job.Name,
	})

	h, err := w.registry.GetOrCreate(ctx, model.Spec{
		Name:        job.ModelName,
		BeamSize:    w.cfg.BeamSize,
		Temperature: w.cfg.Temperature,
	})
	if err != nil {
		return nil, asAppError(err, "acquire model %q", job.ModelName)
	}
	defer w.registry.Release(h)

	result, err = w.transcribe(ctx, job, h)
	if err != nil {
		return nil, err
	}
	if err := w.store(ctx, job, h, result); err != nil {
		return nil, err
	}
	return result, nil
}

type outcome struct {
	result   *types.TranscriptionResult
	err      error
	panicked any
}

// transcribe runs inference on its own goroutine and emits synthetic
// progress while it blocks. The inference call is not observable, so the
// reported value approaches but never reaches 95.
func (w *Worker) transcribe(ctx context.Context, job *Job, h *model.Handle) (*types.TranscriptionResult, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{panicked: rec}
			}
		}()
		res, err := h.Transcribe(ctx, job.SourcePath, job.Language)
		done <- outcome{result: res, err: err}
	}()

	var tick <-chan time.Time
	if w.cfg.ProgressInterval > 0 {
		ticker := time.NewTicker(w.cfg.ProgressInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	ticks, last := 0, 0
	for {
		select {
		case <-tick:
			ticks++
			if p := 95 * ticks / (ticks + 10); p > last {
				last = p
				w.publish(job, events.Event{Channel: events.ChannelProgress, Progress: p})
			}
		case out := <-done:
			if out.panicked != nil {
				panic(out.panicked)
			}
			if out.err != nil {
				return nil, apperr.Transcription(job.SourcePath, out.err)
			}
			if out.result == nil || strings.TrimSpace(out.result.Text) == "" {
				return nil, apperr.Transcription(job.SourcePath, errors.New("model returned no text"))
			}
			return out.result, nil
		}
	}
}

// store fills the bookkeeping fields of result and persists it. Only the
// local transcript is required; the mirror and the metadata row are best
// effort.
func (w *Worker) store(ctx context.Context, job *Job, h *model.Handle, result *types.TranscriptionResult) error {
	result.JobID = job.ID
	result.Model = h.Name()
	if result.Language == "" {
		result.Language = job.Language
	}
	result.WordCount = len(strings.Fields(result.Text))
	result.ProcessedAt = w.cfg.Now().UTC()

	if w.cfg.Writer != nil {
		path, err := w.cfg.Writer.SaveTranscript(job.Name, result)
		if err != nil {
			return apperr.Internal(err, "save transcript for %s", job.Name)
		}
		result.LocalPath = path
	}

	w.mirror(ctx, job, result)

	if w.cfg.Metadata != nil {
		rec := types.TranscriptRecord{
			JobID:     job.ID,
			Name:      job.Name,
			Origin:    job.Origin,
			Model:     result.Model,
			Language:  result.Language,
			LocalPath: result.LocalPath,
			GDriveURL: result.GDriveURL,
			Duration:  result.Duration,
			WordCount: result.WordCount,
			CreatedAt: result.ProcessedAt,
		}
		if err := w.cfg.Metadata.RecordTranscript(ctx, rec); err != nil {
			w.log.Warn("metadata save failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) mirror(ctx context.Context, job *Job, result *types.TranscriptionResult) {
	if w.cfg.Mirror == nil {
		return
	}
	for attempt := 1; attempt <= w.cfg.MirrorAttempts; attempt++ {
		url, err := w.cfg.Mirror.Upload(ctx, job.Name, result)
		if err == nil {
			result.GDriveURL = url
			return
		}
		w.log.Warn("google drive upload failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Int("attempts", w.cfg.MirrorAttempts),
			zap.Error(err))
		if attempt == w.cfg.MirrorAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.MirrorBackoff(attempt)):
		}
	}
	w.log.Warn("google drive upload gave up, keeping local copy only", zap.String("job_id", job.ID))
}

func (w *Worker) publish(job *Job, ev events.Event) {
	ev.JobID = job.ID
	ev.Origin = job.Origin
	w.cfg.Sink.Publish(ev)
}

// DeleteSource removes the job's source file unless ownership was handed
// back to the producer. A missing file is not an error.
func DeleteSource(job *Job, logger *zap.Logger) {
	if job.KeepSource || job.SourcePath == "" {
		return
	}
	if err := os.Remove(job.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		if logger != nil {
			logger.Warn("failed to delete source file", zap.String("path", job.SourcePath), zap.Error(err))
		}
	}
}

func asAppError(err error, format string, args ...any) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(err, format, args...)
}
