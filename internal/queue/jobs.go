package queue

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// Job represents a transcription job. The exported fields are set by the
// producer before Enqueue and are read-only afterwards; lifecycle fields are
// owned by the JobQueue.
type Job struct {
	ID         string
	Name       string
	SourcePath string
	Language   string
	ModelName  string
	Origin     types.Origin
	// KeepSource hands ownership of SourcePath back to the producer: the
	// worker will not delete it.
	KeepSource bool
	CreatedAt  time.Time

	claimKey   string
	state      types.JobState
	startedAt  time.Time
	finishedAt time.Time
	result     *types.TranscriptionResult
	err        error
	done       chan struct{}
}

// NewJob creates a job for path with the given origin.
func NewJob(path, language, modelName string, origin types.Origin) *Job {
	return &Job{
		SourcePath: path,
		Language:   language,
		ModelName:  modelName,
		Origin:     origin,
	}
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Info is a point-in-time snapshot of a job.
type Info struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	SourcePath string          `json:"source_path"`
	Language   string          `json:"language"`
	ModelName  string          `json:"model_name"`
	Origin     types.Origin    `json:"origin"`
	State      types.JobState  `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Text       string          `json:"text,omitempty"`
	OutputPath string          `json:"output_path,omitempty"`
	Error      *apperr.Payload `json:"error,omitempty"`
}

func (j *Job) info() Info {
	in := Info{
		ID:         j.ID,
		Name:       j.Name,
		SourcePath: j.SourcePath,
		Language:   j.Language,
		ModelName:  j.ModelName,
		Origin:     j.Origin,
		State:      j.state,
		CreatedAt:  j.CreatedAt,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		in.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		in.FinishedAt = &t
	}
	if j.result != nil {
		in.Text = j.result.Text
		in.OutputPath = j.result.LocalPath
	}
	if j.err != nil {
		p := apperr.PayloadOf(j.err)
		in.Error = &p
	}
	return in
}

// transition applies one state change, rejecting edges outside
// Pending -> Running -> {Completed, Failed} and Pending -> Cancelled.
func (j *Job) transition(to types.JobState, now time.Time) error {
	if !isValidTransition(j.state, to) {
		return fmt.Errorf("job %s: invalid transition %s -> %s", j.ID, j.state, to)
	}
	j.state = to
	switch {
	case to == types.StateRunning:
		j.startedAt = now
	case to.Terminal():
		j.finishedAt = now
		close(j.done)
	}
	return nil
}

func isValidTransition(from, to types.JobState) bool {
	switch from {
	case types.StatePending:
		return to == types.StateRunning || to == types.StateCancelled
	case types.StateRunning:
		return to == types.StateCompleted || to == types.StateFailed
	default:
		return false
	}
}

// claimKeyFor normalizes a source path so two spellings of the same file
// collide.
func claimKeyFor(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
