package queue

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// Options configures a JobQueue.
type Options struct {
	// MaxPending bounds the number of jobs waiting to run. Zero means 100.
	MaxPending int
	// History is how many terminal jobs stay queryable. Zero means 500.
	History         int
	DefaultLanguage string
	DefaultModel    string
	// OnCancel runs, outside the queue lock, for every job cancelled while
	// pending.
	OnCancel func(job *Job)
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

// JobQueue holds pending jobs per origin and tracks every source path
// claimed by a non-terminal job. Dequeue serves origins round-robin; within
// one origin jobs run in enqueue order.
type JobQueue struct {
	opts   Options
	log    *zap.Logger
	notify chan struct{}

	mu       sync.Mutex
	pending  map[types.Origin][]*Job
	nPending int
	next     int
	jobs     map[string]*Job
	claimed  map[string]string
	finished []string
}

// New creates an empty queue.
func New(opts Options) *JobQueue {
	if opts.MaxPending <= 0 {
		opts.MaxPending = 100
	}
	if opts.History <= 0 {
		opts.History = 500
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = types.DefaultLanguage
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &JobQueue{
		opts:    opts,
		log:     opts.Logger,
		notify:  make(chan struct{}, 1),
		pending: make(map[types.Origin][]*Job),
		jobs:    make(map[string]*Job),
		claimed: make(map[string]string),
	}
}

// Enqueue adds a job and returns its id. It fails with a duplicate_path
// error while another Pending or Running job holds the same source path.
func (q *JobQueue) Enqueue(job *Job) (string, error) {
	return q.EnqueueObserved(job, nil)
}

// EnqueueObserved is Enqueue with a hook that receives the new id once the
// job is accepted but before it can be dequeued, so a consumer can subscribe
// to its events without missing any. observe runs under the queue lock and
// must not call back into the queue.
func (q *JobQueue) EnqueueObserved(job *Job, observe func(id string)) (string, error) {
	if job == nil || job.SourcePath == "" {
		return "", apperr.Invalid("source path is required")
	}
	if !job.Origin.Valid() {
		return "", apperr.Invalid("unknown origin %q", job.Origin)
	}
	if job.Language == "" {
		job.Language = q.opts.DefaultLanguage
	}
	if job.ModelName == "" {
		job.ModelName = q.opts.DefaultModel
	}
	if job.ModelName == "" {
		return "", apperr.Invalid("model name is required")
	}
	if job.Name == "" {
		job.Name = filepath.Base(job.SourcePath)
	}
	key := claimKeyFor(job.SourcePath)

	q.mu.Lock()
	if owner, ok := q.claimed[key]; ok {
		q.mu.Unlock()
		return "", apperr.DuplicatePath(job.SourcePath, owner)
	}
	if q.nPending >= q.opts.MaxPending {
		q.mu.Unlock()
		return "", apperr.QueueFull(q.opts.MaxPending)
	}

	job.ID = q.opts.NewID()
	job.CreatedAt = q.opts.Now()
	job.claimKey = key
	job.state = types.StatePending
	job.done = make(chan struct{})
	if observe != nil {
		observe(job.ID)
	}

	q.jobs[job.ID] = job
	q.claimed[key] = job.ID
	q.pending[job.Origin] = append(q.pending[job.Origin], job)
	q.nPending++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	q.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("origin", string(job.Origin)),
		zap.String("name", job.Name),
		zap.String("model", job.ModelName))
	return job.ID, nil
}

// Dequeue blocks until a job is available or ctx is done. The returned job
// is already Running.
func (q *JobQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		job := q.popLocked()
		if job != nil {
			err := job.transition(types.StateRunning, q.opts.Now())
			q.mu.Unlock()
			if err != nil {
				return nil, apperr.Internal(err, "dequeue")
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *JobQueue) popLocked() *Job {
	n := len(types.Origins)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		origin := types.Origins[idx]
		list := q.pending[origin]
		if len(list) == 0 {
			continue
		}
		job := list[0]
		list[0] = nil
		q.pending[origin] = list[1:]
		q.nPending--
		q.next = (idx + 1) % n
		return job
	}
	return nil
}

// Cancel cancels a Pending job. Running and terminal jobs cannot be
// cancelled; the result reports whether the job was cancelled.
func (q *JobQueue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.state != types.StatePending {
		q.mu.Unlock()
		return false
	}
	list := q.pending[job.Origin]
	for i, candidate := range list {
		if candidate == job {
			q.pending[job.Origin] = append(list[:i:i], list[i+1:]...)
			q.nPending--
			break
		}
	}
	job.err = apperr.Cancelled(job.ID)
	if err := job.transition(types.StateCancelled, q.opts.Now()); err != nil {
		q.mu.Unlock()
		q.log.Error("cancel", zap.Error(err))
		return false
	}
	q.retireLocked(job)
	q.mu.Unlock()

	q.log.Info("job cancelled", zap.String("job_id", id))
	if q.opts.OnCancel != nil {
		q.opts.OnCancel(job)
	}
	return true
}

// Finish moves a Running job to Completed (err == nil) or Failed and
// releases its source path claim.
func (q *JobQueue) Finish(job *Job, result *types.TranscriptionResult, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	to := types.StateCompleted
	if err != nil {
		to = types.StateFailed
	}
	if terr := job.transition(to, q.opts.Now()); terr != nil {
		return terr
	}
	job.result = result
	job.err = err
	q.retireLocked(job)
	return nil
}

func (q *JobQueue) retireLocked(job *Job) {
	if q.claimed[job.claimKey] == job.ID {
		delete(q.claimed, job.claimKey)
	}
	q.finished = append(q.finished, job.ID)
	for len(q.finished) > q.opts.History {
		delete(q.jobs, q.finished[0])
		q.finished = q.finished[1:]
	}
}

// Claimed reports whether path belongs to a Pending or Running job.
func (q *JobQueue) Claimed(path string) bool {
	key := claimKeyFor(path)
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.claimed[key]
	return ok
}

// Get returns a snapshot of the job with id.
func (q *JobQueue) Get(id string) (Info, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Info{}, false
	}
	return job.info(), true
}

// List returns snapshots of every known job, oldest first.
func (q *JobQueue) List() []Info {
	q.mu.Lock()
	out := make([]Info, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, job.info())
	}
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Pending reports how many jobs wait to run.
func (q *JobQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nPending
}

// PendingFor reports whether a pending job names modelName.
func (q *JobQueue) PendingFor(modelName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, jobs := range q.pending {
		for _, job := range jobs {
			if job.ModelName == modelName {
				return true
			}
		}
	}
	return false
}

// Wait blocks until the job with id is terminal or ctx is done.
func (q *JobQueue) Wait(ctx context.Context, id string) (Info, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return Info{}, apperr.NotFound("job", id)
	}

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-job.done:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return job.info(), nil
}
