// Package scanner discovers audio files dropped into a watched directory and
// turns them into scan jobs.
package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/queue"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// Queue is the part of the job queue the scanner uses.
type Queue interface {
	Enqueue(job *queue.Job) (string, error)
	Claimed(path string) bool
}

// Options configures a Scanner.
type Options struct {
	Dir        string
	Extensions []string
	Model      string
	Language   string
	Logger     *zap.Logger
}

// Scanner lists a directory and remembers which names it already reported.
// It owns no timer; see Scheduler.
type Scanner struct {
	dir      string
	exts     []string
	model    string
	language string
	queue    Queue
	log      *zap.Logger

	mkdirAll func(string, os.FileMode) error
	readDir  func(string) ([]os.DirEntry, error)

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates a scanner feeding q.
func New(q Queue, opts Options) *Scanner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	exts := make([]string, 0, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		exts = []string{".wav"}
	}
	return &Scanner{
		dir:      opts.Dir,
		exts:     exts,
		model:    opts.Model,
		language: opts.Language,
		queue:    q,
		log:      opts.Logger,
		mkdirAll: os.MkdirAll,
		readDir:  os.ReadDir,
		seen:     make(map[string]struct{}),
	}
}

// Dir returns the watched directory.
func (s *Scanner) Dir() string { return s.dir }

// Scan creates the directory if needed and returns the matching file names
// not reported by an earlier scan and not claimed by an active job. Names
// that disappeared from the directory are forgotten.
func (s *Scanner) Scan() ([]string, error) {
	if err := s.mkdirAll(s.dir, 0o755); err != nil {
		return nil, apperr.Scan(s.dir, err)
	}
	entries, err := s.readDir(s.dir)
	if err != nil {
		return nil, apperr.Scan(s.dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]struct{}, len(entries))
	var found []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !s.matches(name) {
			continue
		}
		present[name] = struct{}{}
		if _, ok := s.seen[name]; ok {
			continue
		}
		if s.queue.Claimed(filepath.Join(s.dir, name)) {
			continue
		}
		s.seen[name] = struct{}{}
		found = append(found, name)
	}
	for name := range s.seen {
		if _, ok := present[name]; !ok {
			delete(s.seen, name)
		}
	}

	sort.Strings(found)
	s.log.Debug("scanned watch directory", zap.String("dir", s.dir), zap.Int("new", len(found)))
	return found, nil
}

func (s *Scanner) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range s.exts {
		if ext == want {
			return true
		}
	}
	return false
}

func (s *Scanner) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, name)
}

// Tick runs one scan and enqueues every new file as a scan job. Failures are
// logged, never returned: the next tick retries.
func (s *Scanner) Tick() []string {
	names, err := s.Scan()
	if err != nil {
		s.log.Error("scan failed", zap.String("dir", s.dir), zap.Error(err))
		return nil
	}

	var ids []string
	for _, name := range names {
		job := queue.NewJob(filepath.Join(s.dir, name), s.language, s.model, types.OriginScan)
		id, err := s.queue.Enqueue(job)
		switch {
		case err == nil:
			ids = append(ids, id)
		case errors.Is(err, &apperr.Error{Kind: apperr.KindDuplicatePath}):
			// another origin holds it; offer it again once that claim is released
			s.forget(name)
			s.log.Debug("file already claimed", zap.String("name", name))
		default:
			// not enqueued, so make it discoverable again on the next tick
			s.forget(name)
			s.log.Warn("failed to enqueue scanned file", zap.String("name", name), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		s.log.Info("queued scanned files", zap.String("dir", s.dir), zap.Int("count", len(ids)))
	}
	return ids
}
