package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
)

func TestBusSince(t *testing.T) {
	t.Parallel()

	bus := NewBus(3)
	bus.Publish(Event{JobID: "a", Channel: ChannelLog, Message: "1"})
	bus.Publish(Event{JobID: "b", Channel: ChannelLog, Message: "2"})
	bus.Publish(Event{JobID: "a", Channel: ChannelLog, Message: "3"})

	events := bus.Since(1, "")
	require.Len(t, events, 2)
	require.EqualValues(t, 2, events[0].Seq)
	require.EqualValues(t, 3, events[1].Seq)

	onlyA := bus.Since(0, "a")
	require.Len(t, onlyA, 2)
	require.Equal(t, "3", onlyA[1].Message)
	require.False(t, onlyA[0].Timestamp.IsZero())
}

func TestBusCapsHistory(t *testing.T) {
	t.Parallel()

	bus := NewBus(2)
	bus.Publish(Event{Message: "1"})
	bus.Publish(Event{Message: "2"})
	bus.Publish(Event{Message: "3"})

	events := bus.Since(0, "")
	require.Len(t, events, 2)
	require.Equal(t, "2", events[0].Message)
	require.Equal(t, "3", events[1].Message)
}

func TestRouterDeliversToGlobalAndSubscribers(t *testing.T) {
	t.Parallel()

	global := NewMemory()
	router := NewRouter(nil, global)
	session := NewMemory()
	unsubscribe := router.Subscribe("job-1", session)

	router.Publish(Event{JobID: "job-1", Channel: ChannelLog, Message: "starting"})
	router.Publish(Event{JobID: "job-2", Channel: ChannelLog, Message: "other"})

	require.Len(t, global.Events(), 2)
	require.Len(t, session.Events(), 1)
	require.Equal(t, "starting", session.Events()[0].Message)

	unsubscribe()
	unsubscribe()
	router.Publish(Event{JobID: "job-1", Channel: ChannelComplete})
	require.Len(t, session.Events(), 1)
	require.Zero(t, router.Subscribers("job-1"))
}

func TestRouterIsolatesPanickingSink(t *testing.T) {
	t.Parallel()

	after := NewMemory()
	router := NewRouter(nil, SinkFunc(func(Event) { panic("consumer went away") }), after)

	require.NotPanics(t, func() {
		router.Publish(Event{JobID: "job-1", Channel: ChannelProgress, Progress: 10})
	})
	require.Len(t, after.Events(), 1)
}

type fakeConn struct {
	frames []Frame
	err    error
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, v.(Frame))
	return nil
}

func TestSocketUsesWireNames(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	sock := NewSocket(conn, nil)
	sock.Publish(Event{JobID: "j", Channel: ChannelLog, Message: "Starting transcription of a.wav"})
	sock.Publish(Event{JobID: "j", Channel: ChannelProgress, Progress: 20})
	sock.Publish(Event{JobID: "j", Channel: ChannelComplete, Text: "שלום עולם"})
	payload := apperr.PayloadOf(apperr.Transcription("a.wav", errors.New("decoder crashed")))
	sock.Publish(Event{JobID: "j", Channel: ChannelError, Error: &payload})

	require.Len(t, conn.frames, 4)
	require.Equal(t, "log_message", conn.frames[0].Event)
	require.Equal(t, "update_progress", conn.frames[1].Event)
	require.Equal(t, "transcription_complete", conn.frames[2].Event)
	require.Equal(t, "שלום עולם", conn.frames[2].Data.(map[string]any)["transcription"])
	require.Equal(t, "error", conn.frames[3].Event)
	require.Equal(t, apperr.KindTranscription, conn.frames[3].Data.(map[string]any)["kind"])
}

func TestSocketStopsAfterWriteFailure(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{err: errors.New("broken pipe")}
	sock := NewSocket(conn, nil)

	require.NotPanics(t, func() {
		sock.Publish(Event{Channel: ChannelLog})
		sock.Publish(Event{Channel: ChannelLog})
	})
	require.True(t, sock.Closed())
}
