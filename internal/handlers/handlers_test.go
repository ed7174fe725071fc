package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/logging"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/model"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/queue"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/scanner"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/storage"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

type fixedModel struct{}

func (fixedModel) Transcribe(_ context.Context, req model.Request) (*types.TranscriptionResult, error) {
	return &types.TranscriptionResult{Text: "שלום עולם", Language: req.Language, Duration: 2}, nil
}

func (fixedModel) Close() error { return nil }

type memTranscripts struct {
	records map[string]types.TranscriptRecord
}

func (m *memTranscripts) ListTranscripts(context.Context, int) ([]types.TranscriptRecord, error) {
	out := make([]types.TranscriptRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memTranscripts) GetTranscript(_ context.Context, id string) (types.TranscriptRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return types.TranscriptRecord{}, apperr.NotFound("transcript", id)
	}
	return rec, nil
}

type fixture struct {
	deps      *Deps
	app       *fiber.App
	outputDir string
	watchDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	f := &fixture{
		outputDir: filepath.Join(root, "out"),
		watchDir:  filepath.Join(root, "watch"),
	}

	q := queue.New(queue.Options{DefaultModel: "large-v2"})
	registry := model.NewRegistry(model.LoaderFunc(func(context.Context, model.LoadSpec) (model.Model, error) {
		return fixedModel{}, nil
	}), model.RegistryOptions{Device: func() model.Device { return model.DeviceCPU }})
	bus := events.NewBus(100)
	sc := scanner.New(q, scanner.Options{Dir: f.watchDir, Extensions: []string{".wav"}})

	f.deps = &Deps{
		Queue:         q,
		Registry:      registry,
		Scanner:       sc,
		Router:        events.NewRouter(nil, bus),
		Bus:           bus,
		Reader:        storage.NewLocalStorage(f.outputDir),
		Logs:          logging.NewBuffer(10),
		TempDir:       filepath.Join(root, "temp"),
		MaxFileSizeMB: 1,
		DefaultModel:  "large-v2",
		Normalize: func(_ context.Context, in, tempDir string) (string, error) {
			out := filepath.Join(tempDir, strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))+".wav")
			return out, os.WriteFile(out, []byte("RIFF"), 0o644)
		},
	}
	f.app = NewApp(f.deps)
	return f
}

func (f *fixture) startWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := queue.NewWorker(f.deps.Queue, f.deps.Registry, queue.WorkerConfig{
		BeamSize: 3,
		Writer:   storage.NewLocalStorage(f.outputDir),
		Sink:     f.deps.Router,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func uploadRequest(t *testing.T, target, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("language", "he"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func doJSON(t *testing.T, app *fiber.App, req *http.Request, wantStatus int) map[string]any {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, string(raw))

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestWelcomeAndHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	welcome := doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK)
	require.Contains(t, welcome["message"], "Hebrew")
	require.Contains(t, welcome, "client_ip")
	require.Contains(t, welcome, "documentation_url")

	health := doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/health", nil), http.StatusOK)
	require.Equal(t, "healthy", health["status"])
	require.EqualValues(t, 0, health["pending"])
}

func TestUploadQueuesJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := doJSON(t, f.app, uploadRequest(t, "/upload", "lecture.wav", []byte("RIFF....WAVE")), http.StatusAccepted)
	id, _ := out["job_id"].(string)
	require.NotEmpty(t, id)
	require.Equal(t, string(types.StatePending), out["status"])

	info, ok := f.deps.Queue.Get(id)
	require.True(t, ok)
	require.Equal(t, "lecture.wav", info.Name)
	require.Equal(t, types.OriginUpload, info.Origin)
	require.Equal(t, "he", info.Language)
	require.FileExists(t, info.SourcePath)
	require.Equal(t, f.deps.TempDir, filepath.Dir(info.SourcePath))
}

func TestUploadNormalizesNonWAV(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := doJSON(t, f.app, uploadRequest(t, "/upload", "voice.mp3", []byte("ID3")), http.StatusAccepted)
	info, ok := f.deps.Queue.Get(out["job_id"].(string))
	require.True(t, ok)
	require.Equal(t, "voice.mp3", info.Name)
	require.Equal(t, ".wav", filepath.Ext(info.SourcePath))

	entries, err := os.ReadDir(f.deps.TempDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the original upload is removed after conversion")
}

func TestUploadRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := doJSON(t, f.app, uploadRequest(t, "/upload", "notes.txt", []byte("hello")), http.StatusBadRequest)
	require.Equal(t, string(apperr.KindInvalid), out["kind"])

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
	out = doJSON(t, f.app, req, http.StatusBadRequest)
	require.Equal(t, "no file uploaded", out["error"])
	require.Zero(t, f.deps.Queue.Pending())
}

func TestJobLookupAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil), http.StatusNotFound)

	out := doJSON(t, f.app, uploadRequest(t, "/upload", "a.wav", []byte("RIFF")), http.StatusAccepted)
	id := out["job_id"].(string)
	info, _ := f.deps.Queue.Get(id)

	got := doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil), http.StatusOK)
	require.Equal(t, id, got["id"])

	list := doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/jobs", nil), http.StatusOK)
	require.EqualValues(t, 1, list["pending"])

	cancelled := doJSON(t, f.app, httptest.NewRequest(http.MethodDelete, "/jobs/"+id, nil), http.StatusOK)
	require.Equal(t, string(types.StateCancelled), cancelled["state"])

	again := doJSON(t, f.app, httptest.NewRequest(http.MethodDelete, "/jobs/"+id, nil), http.StatusConflict)
	require.Equal(t, string(types.StateCancelled), again["state"])
	require.False(t, f.deps.Queue.Claimed(info.SourcePath))
}

func TestJobEventsSince(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := doJSON(t, f.app, uploadRequest(t, "/upload", "a.wav", []byte("RIFF")), http.StatusAccepted)
	id := out["job_id"].(string)
	f.deps.Bus.Publish(events.Event{JobID: id, Channel: events.ChannelLog, Message: "first"})
	f.deps.Bus.Publish(events.Event{JobID: "other", Channel: events.ChannelLog, Message: "noise"})
	f.deps.Bus.Publish(events.Event{JobID: id, Channel: events.ChannelProgress, Progress: 40})

	got := doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/jobs/"+id+"/events?since=1", nil), http.StatusOK)
	evs, _ := got["events"].([]any)
	require.Len(t, evs, 1)
	require.EqualValues(t, 40, evs[0].(map[string]any)["progress"])
}

func TestModelsLogsAndScan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	models := doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/models", nil), http.StatusOK)
	require.Equal(t, "large-v2", models["default_model"])
	require.Empty(t, models["models"])

	_, err := f.deps.Logs.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	logs := doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/logs", nil), http.StatusOK)
	require.Equal(t, []any{"line one", "line two"}, logs["logs"])

	require.NoError(t, os.MkdirAll(f.watchDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.watchDir, "dropped.wav"), []byte("RIFF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.watchDir, "ignored.txt"), []byte("x"), 0o644))

	scan := doJSON(t, f.app, httptest.NewRequest(http.MethodPost, "/scan", nil), http.StatusOK)
	require.Equal(t, f.watchDir, scan["directory"])
	require.Len(t, scan["job_ids"], 1)

	scan = doJSON(t, f.app, httptest.NewRequest(http.MethodPost, "/scan", nil), http.StatusOK)
	require.Empty(t, scan["job_ids"])
}

func TestTranscriptRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, os.MkdirAll(f.outputDir, 0o755))
	path := filepath.Join(f.outputDir, "talk_transcription.txt")
	require.NoError(t, os.WriteFile(path, []byte("תמליל"), 0o644))
	f.deps.Transcripts = &memTranscripts{records: map[string]types.TranscriptRecord{
		"job-1": {JobID: "job-1", Name: "talk.wav", LocalPath: path},
	}}

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/transcripts/job-1/text", nil), -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "תמליל", string(body))

	doJSON(t, f.app, httptest.NewRequest(http.MethodGet, "/transcripts/job-2/text", nil), http.StatusNotFound)
}

func TestTranscribeWaitsForResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.startWorker(t)

	resp, err := f.app.Test(uploadRequest(t, "/transcribe", "lecture.wav", []byte("RIFF")), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, "שלום עולם", string(body))
	require.Contains(t, resp.Header.Get(fiber.HeaderContentDisposition), "lecture_transcription.txt")

	entries, err := os.ReadDir(f.deps.TempDir)
	require.NoError(t, err)
	require.Empty(t, entries, "the upload is deleted once transcribed")
}

func TestTranscribeAsync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := doJSON(t, f.app, uploadRequest(t, "/transcribe?async=1", "a.wav", []byte("RIFF")), http.StatusAccepted)
	require.NotEmpty(t, out["job_id"])
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/ws", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
