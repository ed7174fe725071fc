package events

import (
	"sync"

	"go.uber.org/zap"
)

// Memory records every event, for tests and the one-shot CLI.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty recording sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ForJob returns the recorded events of one job.
func (m *Memory) ForJob(jobID string) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

// Channels returns the channel sequence of one job's events.
func (m *Memory) Channels(jobID string) []Channel {
	var out []Channel
	for _, ev := range m.ForJob(jobID) {
		out = append(out, ev.Channel)
	}
	return out
}

// Logger writes events to a zap logger.
type Logger struct {
	log *zap.Logger
}

// NewLogger creates a sink writing to logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{log: logger}
}

func (l *Logger) Publish(ev Event) {
	fields := []zap.Field{
		zap.String("channel", string(ev.Channel)),
		zap.String("job_id", ev.JobID),
		zap.String("origin", string(ev.Origin)),
	}
	switch ev.Channel {
	case ChannelProgress:
		l.log.Debug("job progress", append(fields, zap.Int("progress", ev.Progress))...)
	case ChannelComplete:
		l.log.Info("job complete", append(fields,
			zap.String("output", ev.OutputPath),
			zap.Int("chars", len([]rune(ev.Text))))...)
	case ChannelError:
		if ev.Error != nil {
			fields = append(fields, zap.String("kind", string(ev.Error.Kind)), zap.String("error", ev.Error.Message))
		}
		l.log.Warn("job error", fields...)
	default:
		l.log.Info(ev.Message, fields...)
	}
}

// JSONWriter is the part of a live connection a Socket needs.
type JSONWriter interface {
	WriteJSON(v any) error
}

// Frame is the envelope written to a live session.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Socket delivers events to one live session. After the first failed write
// the session is considered gone and further events are dropped.
type Socket struct {
	mu     sync.Mutex
	conn   JSONWriter
	closed bool
	log    *zap.Logger
}

// NewSocket wraps a live connection.
func NewSocket(conn JSONWriter, logger *zap.Logger) *Socket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{conn: conn, log: logger}
}

func (s *Socket) Publish(ev Event) {
	s.Send(ev.Channel.WireName(), socketPayload(ev))
}

// Send writes a raw frame, outside the job event flow.
func (s *Socket) Send(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if err := s.conn.WriteJSON(Frame{Event: event, Data: data}); err != nil {
		s.closed = true
		s.log.Debug("live session write failed, dropping further events", zap.Error(err))
	}
}

// Closed reports whether a write has failed.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func socketPayload(ev Event) map[string]any {
	data := map[string]any{"job_id": ev.JobID}
	switch ev.Channel {
	case ChannelLog:
		data["message"] = ev.Message
	case ChannelProgress:
		data["progress"] = ev.Progress
		data["elapsed_seconds"] = ev.Elapsed
	case ChannelComplete:
		data["message"] = "File has been successfully transcribed."
		data["transcription"] = ev.Text
		if ev.OutputPath != "" {
			data["output_path"] = ev.OutputPath
		}
	case ChannelError:
		if ev.Error != nil {
			data["error"] = ev.Error.Message
			data["kind"] = ev.Error.Kind
		}
	}
	return data
}
