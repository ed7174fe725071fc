package transcription

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/model"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

//go:embed whisper_worker.py
var workerScript string

// stopTimeout bounds how long Close waits for the worker to exit after its
// stdin is closed.
const stopTimeout = 10 * time.Second

// workerProc is a running worker process speaking one JSON object per line.
type workerProc struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader
	wait   func() error
	kill   func()
}

// startFunc launches a worker. stderr receives everything the process writes
// besides its replies.
type startFunc func(name string, args []string, stderr io.Writer) (*workerProc, error)

func execStart(name string, args []string, stderr io.Writer) (*workerProc, error) {
	// not bound to a context: the process lives as long as the loaded model
	cmd := exec.Command(name, args...)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &workerProc{
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		wait:   cmd.Wait,
		kill:   func() { _ = cmd.Process.Kill() },
	}, nil
}

// WhisperLoader loads models served by Python's openai-whisper. Each loaded
// model keeps one Python process holding the weights in memory.
type WhisperLoader struct {
	Python   string
	ModelDir string
	Threads  int
	Logger   *zap.Logger

	start startFunc
}

// NewWhisperLoader creates a loader calling the given interpreter.
func NewWhisperLoader(python, modelDir string, threads int, logger *zap.Logger) *WhisperLoader {
	if python == "" {
		python = "python"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WhisperLoader{
		Python:   python,
		ModelDir: modelDir,
		Threads:  threads,
		Logger:   logger,
		start:    execStart,
	}
}

// Load checks for local weights when a model directory is configured, then
// starts the worker and waits until it has loaded spec.Name.
func (l *WhisperLoader) Load(ctx context.Context, spec model.LoadSpec) (model.Model, error) {
	if l.ModelDir != "" {
		weights := filepath.Join(l.ModelDir, spec.Name+".pt")
		if _, err := os.Stat(weights); err != nil {
			return nil, fmt.Errorf("model weights %s: %w", weights, err)
		}
	}

	m := &whisperModel{
		loader: l,
		spec:   spec,
		log:    l.Logger.With(zap.String("model", spec.Name)),
	}
	if err := m.startLocked(ctx); err != nil {
		return nil, err
	}
	l.Logger.Info("whisper model ready",
		zap.String("model", spec.Name),
		zap.String("device", string(spec.Device)),
		zap.String("precision", string(spec.Precision)))
	return m, nil
}

func (l *WhisperLoader) args(spec model.LoadSpec) []string {
	fp16 := "0"
	if spec.Precision == model.PrecisionFP16 {
		fp16 = "1"
	}
	return []string{"-u", "-c", workerScript,
		spec.Name,
		string(spec.Device),
		fp16,
		l.ModelDir,
		strconv.Itoa(l.Threads),
	}
}

type whisperModel struct {
	loader *WhisperLoader
	spec   model.LoadSpec
	log    *zap.Logger

	mu     sync.Mutex
	proc   *workerProc
	stderr *stderrTail
	closed bool
}

type whisperRequest struct {
	Audio       string  `json:"audio"`
	Language    string  `json:"language,omitempty"`
	BeamSize    int     `json:"beam_size,omitempty"`
	Temperature float64 `json:"temperature"`
}

// startLocked launches a worker and waits for its ready line. Callers hold mu
// or own m exclusively.
func (m *whisperModel) startLocked(ctx context.Context) error {
	stderr := &stderrTail{max: 4096}
	proc, err := m.loader.start(m.loader.Python, m.loader.args(m.spec), stderr)
	if err != nil {
		return fmt.Errorf("failed to start whisper worker: %w", err)
	}
	line, err := readLine(ctx, proc)
	if err != nil {
		proc.kill()
		_ = proc.wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("whisper worker exited while loading %s: %w: %s", m.spec.Name, err, tail(stderr.String(), 2000))
	}
	var ready struct {
		Ready bool `json:"ready"`
	}
	if err := json.Unmarshal(line, &ready); err != nil || !ready.Ready {
		proc.kill()
		_ = proc.wait()
		return fmt.Errorf("whisper worker sent %q instead of a ready line", tail(string(line), 200))
	}
	m.proc = proc
	m.stderr = stderr
	return nil
}

// stopLocked kills the worker; the next Transcribe starts a fresh one.
func (m *whisperModel) stopLocked() {
	if m.proc == nil {
		return
	}
	m.proc.kill()
	_ = m.proc.wait()
	m.proc = nil
}

// Transcribe sends one request to the worker and waits for its reply. The
// worker handles a single request at a time.
func (m *whisperModel) Transcribe(ctx context.Context, req model.Request) (*types.TranscriptionResult, error) {
	absAudioPath, err := filepath.Abs(req.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if _, err := os.Stat(absAudioPath); err != nil {
		return nil, err
	}
	line, err := json.Marshal(whisperRequest{
		Audio:       absAudioPath,
		Language:    req.Language,
		BeamSize:    req.BeamSize,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("whisper model is closed")
	}
	if m.proc == nil {
		m.log.Info("restarting whisper worker")
		if err := m.startLocked(ctx); err != nil {
			return nil, err
		}
	}

	if _, err := m.proc.stdin.Write(append(line, '\n')); err != nil {
		m.stopLocked()
		return nil, fmt.Errorf("whisper worker is not accepting requests: %w: %s", err, tail(m.stderr.String(), 2000))
	}
	reply, err := readLine(ctx, m.proc)
	if err != nil {
		m.stopLocked()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper transcription failed: %w: %s", err, tail(m.stderr.String(), 2000))
	}
	return parseWhisperJSON(reply)
}

// Close ends the worker by closing its stdin, killing it if it does not exit
// in time.
func (m *whisperModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.proc == nil {
		return nil
	}
	proc := m.proc
	m.proc = nil
	_ = proc.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- proc.wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(stopTimeout):
		m.log.Warn("whisper worker did not exit, killing it")
		proc.kill()
		<-done
		return nil
	}
}

// readLine waits for one reply line. A cancelled ctx leaves the read pending;
// callers kill the process to release it.
func readLine(ctx context.Context, proc *workerProc) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := proc.stdout.ReadBytes('\n')
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil, errors.New("worker exited")
			}
			return nil, r.err
		}
		return r.line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WhisperOutput matches Python Whisper's JSON output format
type WhisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"`
	Error    string           `json:"error,omitempty"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func parseWhisperJSON(data []byte) (*types.TranscriptionResult, error) {
	var out WhisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("whisper transcription failed: %s", out.Error)
	}

	segments := make([]types.Segment, len(out.Segments))
	for i, seg := range out.Segments {
		segments[i] = types.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		}
	}

	var duration float64
	if len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	text := strings.TrimSpace(out.Text)
	if text == "" && len(segments) == 0 {
		return nil, errors.New("whisper produced an empty transcript")
	}
	return &types.TranscriptionResult{
		Text:     text,
		Language: out.Language,
		Duration: duration,
		Segments: segments,
	}, nil
}

// stderrTail keeps the last max bytes a worker wrote to stderr.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *stderrTail) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *stderrTail) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// tail returns the last n bytes of s, moved forward to a rune boundary.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
