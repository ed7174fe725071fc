package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/queue"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/transcription"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// Message is a control message sent by a live-session client.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type startTranscription struct {
	FilePath   string `json:"file_path"`
	Language   string `json:"language"`
	Model      string `json:"model"`
	KeepSource bool   `json:"keep_source"`
}

type startStream struct {
	Name     string `json:"name"`
	Format   string `json:"format"`
	Language string `json:"language"`
	Model    string `json:"model"`
}

// Conn is the part of a websocket connection a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
}

// StreamHandler handles WebSocket sessions
type StreamHandler struct {
	deps *Deps
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(deps *Deps) *StreamHandler {
	return &StreamHandler{deps: deps.withDefaults()}
}

// Handle processes WebSocket connections
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()
	h.Serve(c)
}

// Serve runs one session until the client disconnects. Every job the
// session starts streams its events back on the same connection.
func (h *StreamHandler) Serve(conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		h:      h,
		ctx:    ctx,
		cancel: cancel,
		socket: events.NewSocket(conn, h.deps.Logger),
		log:    h.deps.Logger.With(zap.String("session", uuid.New().String()[:8])),
	}
	defer s.close()

	s.log.Info("websocket connection established")
	s.socket.Send("log_message", map[string]any{"message": "Client connected successfully"})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("websocket closed", zap.Error(err))
			return
		}

		if messageType == websocket.BinaryMessage {
			s.appendAudio(message)
			continue
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendError(apperr.Invalid("malformed message: %v", err))
			continue
		}
		s.handle(msg)
	}
}

type session struct {
	h      *StreamHandler
	ctx    context.Context
	cancel context.CancelFunc
	socket *events.Socket
	log    *zap.Logger

	streaming bool
	stream    startStream
	buffer    bytes.Buffer

	mu     sync.Mutex
	unsubs []func()
	wg     sync.WaitGroup
}

func (s *session) handle(msg Message) {
	switch msg.Event {
	case "start_transcription":
		var req startTranscription
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.sendError(apperr.Invalid("malformed start_transcription: %v", err))
			return
		}
		s.startTranscription(req)

	case "start_background_task":
		s.startBackgroundTask()

	case "start_stream":
		var req startStream
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				s.sendError(apperr.Invalid("malformed start_stream: %v", err))
				return
			}
		}
		s.streaming = true
		s.stream = req
		s.buffer.Reset()
		s.socket.Send("log_message", map[string]any{"message": "Streaming started"})

	case "end_stream":
		s.endStream()

	default:
		s.sendError(apperr.Invalid("unknown event %q", msg.Event))
	}
}

func (s *session) startTranscription(req startTranscription) {
	if strings.TrimSpace(req.FilePath) == "" {
		s.sendError(apperr.Invalid("file_path is required"))
		return
	}
	path, err := s.h.ownedPath(req.FilePath)
	if err != nil {
		s.sendError(err)
		return
	}
	if !transcription.ValidateAudioFormat(path) {
		s.sendError(apperr.Invalid("unsupported audio format %q", filepath.Ext(path)))
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.sendError(apperr.NotFound("file", req.FilePath))
		return
	}

	job := queue.NewJob(path, req.Language, req.Model, types.OriginSocket)
	job.KeepSource = req.KeepSource
	s.enqueue(job)
}

// ownedPath resolves a client-supplied path and accepts it only inside the
// watched directory or the temp directory. Jobs delete their source, so a
// session must not be able to name anything else.
func (h *StreamHandler) ownedPath(raw string) (string, error) {
	path, err := filepath.Abs(raw)
	if err != nil {
		return "", apperr.Invalid("bad file_path %q", raw)
	}
	roots := []string{h.deps.TempDir}
	if h.deps.Scanner != nil {
		roots = append(roots, h.deps.Scanner.Dir())
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return path, nil
	}
	return "", apperr.Invalid("file_path must be inside the watched or temp directory")
}

func (s *session) startBackgroundTask() {
	d := s.h.deps
	switch {
	case d.Scheduler != nil:
		d.Scheduler.Trigger()
	case d.Scanner != nil:
		go d.Scanner.Tick()
	default:
		s.sendError(apperr.Invalid("directory scanning is not configured"))
		return
	}
	s.socket.Send("log_message", map[string]any{"message": "Background task started"})
}

func (s *session) appendAudio(chunk []byte) {
	if !s.streaming {
		s.sendError(apperr.Invalid("binary data received outside start_stream/end_stream"))
		return
	}
	limit := s.h.deps.MaxFileSizeMB * 1024 * 1024
	if s.buffer.Len()+len(chunk) > limit {
		s.streaming = false
		s.buffer.Reset()
		s.sendError(apperr.Invalid("stream too large (max %dMB)", s.h.deps.MaxFileSizeMB))
		return
	}
	s.buffer.Write(chunk)
}

func (s *session) endStream() {
	if !s.streaming {
		s.sendError(apperr.Invalid("end_stream without start_stream"))
		return
	}
	s.streaming = false
	if s.buffer.Len() == 0 {
		s.sendError(apperr.Invalid("no audio data received"))
		return
	}

	d := s.h.deps
	format := strings.TrimPrefix(strings.ToLower(s.stream.Format), ".")
	if format == "" {
		format = "webm"
	}
	name := s.stream.Name
	if name == "" {
		name = "stream_recording"
	}
	name = filepath.Base(name)

	if err := os.MkdirAll(d.TempDir, 0o755); err != nil {
		s.sendError(apperr.Internal(err, "prepare temp directory"))
		return
	}
	tempPath := filepath.Join(d.TempDir, fmt.Sprintf("%s.%s", uuid.New().String(), format))
	if err := os.WriteFile(tempPath, s.buffer.Bytes(), 0o644); err != nil {
		s.sendError(apperr.Internal(err, "save stream buffer"))
		return
	}
	s.log.Info("stream saved", zap.String("path", tempPath), zap.Int("bytes", s.buffer.Len()))
	s.buffer.Reset()

	sourcePath := tempPath
	if !transcription.IsWAV(tempPath) {
		wav, err := d.Normalize(s.ctx, tempPath, d.TempDir)
		os.Remove(tempPath)
		if err != nil {
			s.sendError(err)
			return
		}
		sourcePath = wav
	}

	job := queue.NewJob(sourcePath, s.stream.Language, s.stream.Model, types.OriginSocket)
	if !strings.Contains(name, ".") {
		name += ".wav"
	}
	job.Name = name
	if _, ok := s.enqueue(job); !ok {
		os.Remove(sourcePath)
	}
}

// enqueue submits job and routes its events to this session until it
// reaches a terminal state.
func (s *session) enqueue(job *queue.Job) (string, bool) {
	d := s.h.deps
	var unsubscribe func()
	id, err := d.Queue.EnqueueObserved(job, func(id string) {
		if d.Router != nil {
			unsubscribe = d.Router.Subscribe(id, s.socket)
		}
	})
	if err != nil {
		s.sendError(err)
		return "", false
	}

	s.socket.Send("job_queued", map[string]any{
		"job_id": id,
		"name":   job.Name,
		"status": types.StatePending,
	})

	if unsubscribe == nil {
		return id, true
	}
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubscribe)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := d.Queue.Wait(s.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug("stopped following job", zap.String("job_id", id), zap.Error(err))
		}
		unsubscribe()
	}()
	return id, true
}

func (s *session) sendError(err error) {
	p := apperr.PayloadOf(err)
	s.socket.Send("error", map[string]any{"error": p.Message, "kind": p.Kind})
}

// close detaches the session from every job it started. The jobs keep
// running.
func (s *session) close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("websocket connection closed")
}
