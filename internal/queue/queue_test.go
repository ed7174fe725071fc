package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

func newTestQueue(t *testing.T, opts Options) *JobQueue {
	t.Helper()
	if opts.DefaultModel == "" {
		opts.DefaultModel = "medium"
	}
	return New(opts)
}

func dequeueNow(t *testing.T, q *JobQueue) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return job
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(NewJob("/data/uploads/a.wav", "", "", types.OriginUpload))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, ok := q.Get(id)
	require.True(t, ok)
	require.Equal(t, "he", info.Language)
	require.Equal(t, "medium", info.ModelName)
	require.Equal(t, "a.wav", info.Name)
	require.Equal(t, types.StatePending, info.State)
	require.False(t, info.CreatedAt.IsZero())
}

func TestEnqueueRejectsInvalidJobs(t *testing.T) {
	t.Parallel()

	q := New(Options{})
	_, err := q.Enqueue(NewJob("", "he", "medium", types.OriginUpload))
	require.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	_, err = q.Enqueue(NewJob("a.wav", "he", "medium", types.Origin("youtube")))
	require.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	_, err = q.Enqueue(NewJob("a.wav", "he", "", types.OriginUpload))
	require.Equal(t, apperr.KindInvalid, apperr.KindOf(err), "no model and no default")
}

func TestFIFOWithinOrigin(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(NewJob(fmt.Sprintf("/in/%d.wav", i), "he", "", types.OriginScan))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		require.Equal(t, want, dequeueNow(t, q).ID)
	}
	require.Zero(t, q.Pending())
}

func TestDequeueServesOriginsRoundRobin(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(NewJob(fmt.Sprintf("/scan/%d.wav", i), "he", "", types.OriginScan))
		require.NoError(t, err)
	}
	upload, err := q.Enqueue(NewJob("/upload/x.wav", "he", "", types.OriginUpload))
	require.NoError(t, err)

	var origins []types.Origin
	var uploadPos int
	for i := 0; i < 4; i++ {
		job := dequeueNow(t, q)
		if job.ID == upload {
			uploadPos = i
		}
		origins = append(origins, job.Origin)
	}
	require.Len(t, origins, 4)
	require.LessOrEqual(t, uploadPos, 1, "an upload must not wait behind the whole scan backlog")
}

func TestDuplicatePathRejectedUntilTerminal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.wav")
	q := newTestQueue(t, Options{})

	first, err := q.Enqueue(NewJob(path, "he", "", types.OriginUpload))
	require.NoError(t, err)

	_, err = q.Enqueue(NewJob(path, "he", "", types.OriginScan))
	require.True(t, errors.Is(err, &apperr.Error{Kind: apperr.KindDuplicatePath}))

	// a different spelling of the same file collides too
	_, err = q.Enqueue(NewJob(filepath.Join(dir, ".", "a.wav"), "he", "", types.OriginSocket))
	require.Equal(t, apperr.KindDuplicatePath, apperr.KindOf(err))

	job := dequeueNow(t, q)
	require.Equal(t, first, job.ID)
	require.True(t, q.Claimed(path))

	_, err = q.Enqueue(NewJob(path, "he", "", types.OriginScan))
	require.Equal(t, apperr.KindDuplicatePath, apperr.KindOf(err), "running jobs keep their claim")

	require.NoError(t, q.Finish(job, &types.TranscriptionResult{Text: "שלום"}, nil))
	require.False(t, q.Claimed(path))

	_, err = q.Enqueue(NewJob(path, "he", "", types.OriginScan))
	require.NoError(t, err)
}

func TestDuplicatePathAllowedAfterFailure(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	_, err := q.Enqueue(NewJob("/in/a.wav", "he", "", types.OriginUpload))
	require.NoError(t, err)

	job := dequeueNow(t, q)
	require.NoError(t, q.Finish(job, nil, apperr.Transcription(job.SourcePath, errors.New("boom"))))

	_, err = q.Enqueue(NewJob("/in/a.wav", "he", "", types.OriginUpload))
	require.NoError(t, err)
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(NewJob("/in/a.wav", "he", "", types.OriginUpload))
	require.NoError(t, err)

	job := dequeueNow(t, q)
	info, _ := q.Get(id)
	require.Equal(t, types.StateRunning, info.State)
	require.NotNil(t, info.StartedAt)

	require.NoError(t, q.Finish(job, &types.TranscriptionResult{Text: "ok", LocalPath: "/out/a_transcription.txt"}, nil))
	info, _ = q.Get(id)
	require.Equal(t, types.StateCompleted, info.State)
	require.Equal(t, "/out/a_transcription.txt", info.OutputPath)
	require.NotNil(t, info.FinishedAt)

	// terminal states are final
	require.Error(t, q.Finish(job, nil, errors.New("late failure")))
	info, _ = q.Get(id)
	require.Equal(t, types.StateCompleted, info.State)
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	all := []types.JobState{
		types.StatePending, types.StateRunning, types.StateCompleted, types.StateFailed, types.StateCancelled,
	}
	allowed := map[[2]types.JobState]bool{
		{types.StatePending, types.StateRunning}:   true,
		{types.StatePending, types.StateCancelled}: true,
		{types.StateRunning, types.StateCompleted}: true,
		{types.StateRunning, types.StateFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[[2]types.JobState{from, to}], isValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCancelOnlyPending(t *testing.T) {
	t.Parallel()

	var cancelled []string
	q := newTestQueue(t, Options{OnCancel: func(job *Job) { cancelled = append(cancelled, job.ID) }})

	running, err := q.Enqueue(NewJob("/in/a.wav", "he", "", types.OriginUpload))
	require.NoError(t, err)
	pending, err := q.Enqueue(NewJob("/in/b.wav", "he", "", types.OriginUpload))
	require.NoError(t, err)

	job := dequeueNow(t, q)
	require.Equal(t, running, job.ID)

	require.False(t, q.Cancel(running))
	require.False(t, q.Cancel("no-such-job"))
	require.True(t, q.Cancel(pending))
	require.False(t, q.Cancel(pending), "already cancelled")
	require.Equal(t, []string{pending}, cancelled)

	info, _ := q.Get(pending)
	require.Equal(t, types.StateCancelled, info.State)
	require.Equal(t, apperr.KindCancelled, info.Error.Kind)
	require.False(t, q.Claimed("/in/b.wav"))
	require.Zero(t, q.Pending())
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{MaxPending: 2})
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(NewJob(fmt.Sprintf("/in/%d.wav", i), "he", "", types.OriginUpload))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(NewJob("/in/overflow.wav", "he", "", types.OriginUpload))
	require.Equal(t, apperr.KindQueueFull, apperr.KindOf(err))

	dequeueNow(t, q)
	_, err = q.Enqueue(NewJob("/in/overflow.wav", "he", "", types.OriginUpload))
	require.NoError(t, err)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	got := make(chan *Job, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err == nil {
			got <- job
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned on an empty queue")
	case <-time.After(30 * time.Millisecond):
	}

	id, err := q.Enqueue(NewJob("/in/a.wav", "he", "", types.OriginSocket))
	require.NoError(t, err)

	select {
	case job := <-got:
		require.Equal(t, id, job.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitReturnsTerminalSnapshot(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(NewJob("/in/a.wav", "he", "", types.OriginUpload))
	require.NoError(t, err)

	go func() {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			return
		}
		_ = q.Finish(job, &types.TranscriptionResult{Text: "שלום עולם"}, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	info, err := q.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, info.State)
	require.Equal(t, "שלום עולם", info.Text)

	_, err = q.Wait(ctx, "missing")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{History: 2})
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(NewJob(fmt.Sprintf("/in/%d.wav", i), "he", "", types.OriginUpload))
		require.NoError(t, err)
		ids = append(ids, id)
		job := dequeueNow(t, q)
		require.NoError(t, q.Finish(job, &types.TranscriptionResult{Text: "x"}, nil))
	}

	_, ok := q.Get(ids[0])
	require.False(t, ok, "oldest terminal job is forgotten")
	_, ok = q.Get(ids[2])
	require.True(t, ok)
	require.Len(t, q.List(), 2)
}

func TestEnqueueObservedRunsBeforeDispatch(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	var observed string
	id, err := q.EnqueueObserved(NewJob("/in/a.wav", "he", "", types.OriginSocket), func(id string) {
		observed = id
	})
	require.NoError(t, err)
	require.Equal(t, id, observed)

	called := false
	_, err = q.EnqueueObserved(NewJob("/in/a.wav", "he", "", types.OriginSocket), func(string) { called = true })
	require.Error(t, err)
	require.False(t, called, "rejected jobs are not observed")
}

func TestPendingForTracksQueuedModels(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Options{})
	require.False(t, q.PendingFor("medium"))

	first, err := q.Enqueue(NewJob("/data/uploads/a.wav", "", "medium", types.OriginUpload))
	require.NoError(t, err)
	_, err = q.Enqueue(NewJob("/data/uploads/b.wav", "", "large-v2", types.OriginScan))
	require.NoError(t, err)
	require.True(t, q.PendingFor("medium"))
	require.True(t, q.PendingFor("large-v2"))
	require.False(t, q.PendingFor("small"))

	require.True(t, q.Cancel(first))
	require.False(t, q.PendingFor("medium"))

	job := dequeueNow(t, q)
	require.Equal(t, "large-v2", job.ModelName)
	require.False(t, q.PendingFor("large-v2"), "a running job is no longer pending")
}
