package events

import (
	"time"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// Channel classifies events emitted while a job runs.
type Channel string

const (
	ChannelLog      Channel = "log"
	ChannelProgress Channel = "progress"
	ChannelComplete Channel = "complete"
	ChannelError    Channel = "error"
)

// WireName is the event name used on the live session, kept compatible with
// existing socket clients.
func (c Channel) WireName() string {
	switch c {
	case ChannelLog:
		return "log_message"
	case ChannelProgress:
		return "update_progress"
	case ChannelComplete:
		return "transcription_complete"
	default:
		return string(c)
	}
}

// Event is one published payload.
type Event struct {
	Seq        int64           `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	JobID      string          `json:"job_id,omitempty"`
	Origin     types.Origin    `json:"origin,omitempty"`
	Channel    Channel         `json:"channel"`
	Message    string          `json:"message,omitempty"`
	Progress   int             `json:"progress,omitempty"`
	Elapsed    float64         `json:"elapsed_seconds,omitempty"`
	Text       string          `json:"transcription,omitempty"`
	OutputPath string          `json:"output_path,omitempty"`
	Error      *apperr.Payload `json:"error,omitempty"`
}

// Sink receives events. Publish is fire-and-forget: implementations must not
// block for long and must swallow delivery failures.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
