package handlers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

type inbound struct {
	kind int
	data []byte
}

// scriptedConn feeds queued messages to the session and records every frame
// it writes. Reads block until a message arrives or the conn is hung up.
type scriptedConn struct {
	in     chan inbound
	mu     sync.Mutex
	frames []events.Frame
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{in: make(chan inbound, 16)}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.in
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return msg.kind, msg.data, nil
}

func (c *scriptedConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v.(events.Frame))
	return nil
}

func (c *scriptedConn) sendEvent(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(Message{Event: event, Data: raw})
	require.NoError(t, err)
	c.in <- inbound{kind: websocket.TextMessage, data: msg}
}

func (c *scriptedConn) sendBinary(data []byte) {
	c.in <- inbound{kind: websocket.BinaryMessage, data: data}
}

func (c *scriptedConn) snapshot() []events.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Frame(nil), c.frames...)
}

func (c *scriptedConn) find(event string) (events.Frame, bool) {
	for _, f := range c.snapshot() {
		if f.Event == event {
			return f, true
		}
	}
	return events.Frame{}, false
}

func serve(f *fixture, conn *scriptedConn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewStreamHandler(f.deps).Serve(conn)
	}()
	return done
}

func frameData(t *testing.T, fr events.Frame) map[string]any {
	t.Helper()
	data, ok := fr.Data.(map[string]any)
	require.True(t, ok, "frame data %T", fr.Data)
	return data
}

func TestSessionGreetsAndRejectsBadMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := newScriptedConn()
	done := serve(f, conn)

	conn.in <- inbound{kind: websocket.TextMessage, data: []byte("{not json")}
	conn.sendEvent(t, "dance", nil)
	conn.sendEvent(t, "start_transcription", startTranscription{FilePath: filepath.Join(f.watchDir, "missing.wav")})
	conn.sendBinary([]byte("stray"))
	close(conn.in)
	<-done

	frames := conn.snapshot()
	require.Len(t, frames, 5)
	require.Equal(t, "log_message", frames[0].Event)
	require.Equal(t, "Client connected successfully", frameData(t, frames[0])["message"])

	kinds := []apperr.Kind{}
	for _, fr := range frames[1:] {
		require.Equal(t, "error", fr.Event)
		kinds = append(kinds, frameData(t, fr)["kind"].(apperr.Kind))
	}
	require.Equal(t, []apperr.Kind{apperr.KindInvalid, apperr.KindInvalid, apperr.KindNotFound, apperr.KindInvalid}, kinds)
}

func TestSessionStreamsJobEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.startWorker(t)

	require.NoError(t, os.MkdirAll(f.watchDir, 0o755))
	audio := filepath.Join(f.watchDir, "interview.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))

	conn := newScriptedConn()
	done := serve(f, conn)
	conn.sendEvent(t, "start_transcription", startTranscription{FilePath: audio, KeepSource: true})

	require.Eventually(t, func() bool {
		_, ok := conn.find("transcription_complete")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	close(conn.in)
	<-done

	queued, ok := conn.find("job_queued")
	require.True(t, ok)
	id := frameData(t, queued)["job_id"].(string)

	complete, _ := conn.find("transcription_complete")
	data := frameData(t, complete)
	require.Equal(t, id, data["job_id"])
	require.Equal(t, "שלום עולם", data["transcription"])

	_, ok = conn.find("log_message")
	require.True(t, ok)
	require.FileExists(t, audio, "keep_source leaves the file in place")
	require.Zero(t, f.deps.Router.Subscribers(id))

	info, _ := f.deps.Queue.Get(id)
	require.Equal(t, types.OriginSocket, info.Origin)
}

func TestSessionBuffersStreamedAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := newScriptedConn()
	done := serve(f, conn)

	conn.sendEvent(t, "start_stream", startStream{Name: "memo", Format: "wav"})
	conn.sendBinary([]byte("RIFF"))
	conn.sendBinary([]byte("WAVE"))
	conn.sendEvent(t, "end_stream", nil)
	conn.sendEvent(t, "end_stream", nil)
	close(conn.in)
	<-done

	queued, ok := conn.find("job_queued")
	require.True(t, ok)
	data := frameData(t, queued)
	require.Equal(t, "memo.wav", data["name"])

	info, ok := f.deps.Queue.Get(data["job_id"].(string))
	require.True(t, ok)
	content, err := os.ReadFile(info.SourcePath)
	require.NoError(t, err)
	require.Equal(t, "RIFFWAVE", string(content))

	frames := conn.snapshot()
	last := frames[len(frames)-1]
	require.Equal(t, "error", last.Event, "a second end_stream has nothing to finish")
}

func TestSessionCapsStreamSize(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := newScriptedConn()
	done := serve(f, conn)

	conn.sendEvent(t, "start_stream", startStream{Format: "webm"})
	conn.sendBinary(make([]byte, 600*1024))
	conn.sendBinary(make([]byte, 600*1024))
	close(conn.in)
	<-done

	errFrame, ok := conn.find("error")
	require.True(t, ok)
	require.Contains(t, frameData(t, errFrame)["error"], "too large")
	require.Zero(t, f.deps.Queue.Pending())
}

func TestSessionRefusesPathsOutsideOwnedDirs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.watchDir, 0o755))

	outside := filepath.Join(t.TempDir(), "precious.wav")
	require.NoError(t, os.WriteFile(outside, []byte("RIFF"), 0o644))
	notAudio := filepath.Join(f.watchDir, "config.yaml")
	require.NoError(t, os.WriteFile(notAudio, []byte("secret: 1"), 0o644))
	escape := f.watchDir + string(filepath.Separator) + filepath.Join("..", "out", "precious.wav")

	conn := newScriptedConn()
	done := serve(f, conn)
	conn.sendEvent(t, "start_transcription", startTranscription{FilePath: outside})
	conn.sendEvent(t, "start_transcription", startTranscription{FilePath: escape})
	conn.sendEvent(t, "start_transcription", startTranscription{FilePath: notAudio})
	conn.sendEvent(t, "start_transcription", startTranscription{FilePath: f.watchDir})
	close(conn.in)
	<-done

	frames := conn.snapshot()
	require.Len(t, frames, 5)
	for _, fr := range frames[1:] {
		require.Equal(t, "error", fr.Event)
		require.Equal(t, apperr.KindInvalid, frameData(t, fr)["kind"])
	}
	_, queued := conn.find("job_queued")
	require.False(t, queued)
	require.Zero(t, f.deps.Queue.Pending())
	require.FileExists(t, outside)
	require.FileExists(t, notAudio)
}
