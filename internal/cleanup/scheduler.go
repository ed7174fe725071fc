package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ClaimChecker reports whether a path still belongs to an active job.
type ClaimChecker interface {
	Claimed(path string) bool
}

// Scheduler purges stale files from the temp directory.
type Scheduler struct {
	tempDir  string
	interval time.Duration
	maxAge   time.Duration
	claims   ClaimChecker
	log      *zap.Logger
	now      func() time.Time
}

// NewScheduler creates a cleanup scheduler. claims may be nil.
func NewScheduler(tempDir string, interval, maxAge time.Duration, claims ClaimChecker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tempDir:  tempDir,
		interval: interval,
		maxAge:   maxAge,
		claims:   claims,
		log:      logger,
		now:      time.Now,
	}
}

// Run cleans once on startup, then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("running initial temp file cleanup", zap.String("dir", s.tempDir))
	s.Clean()

	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("cleanup scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("max_age", s.maxAge))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			s.Clean()
		}
	}
}

// Clean removes files older than the max age and returns how many it
// deleted. Files claimed by a pending or running job are left alone.
func (s *Scheduler) Clean() int {
	now := s.now()

	var deletedCount int
	var deletedSize int64

	err := filepath.Walk(s.tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age <= s.maxAge {
			return nil
		}
		if s.claims != nil && s.claims.Claimed(path) {
			s.log.Debug("skipping claimed temp file", zap.String("path", path))
			return nil
		}

		size := info.Size()
		if err := os.Remove(path); err != nil {
			s.log.Warn("failed to delete old file", zap.String("path", path), zap.Error(err))
			return nil
		}
		deletedCount++
		deletedSize += size
		s.log.Debug("deleted old temp file",
			zap.String("name", filepath.Base(path)),
			zap.Duration("age", age.Round(time.Hour)),
			zap.Int64("size_kb", size/1024))
		return nil
	})
	if err != nil {
		s.log.Warn("error during cleanup", zap.Error(err))
	}

	if deletedCount > 0 {
		s.log.Info("cleanup complete",
			zap.Int("files", deletedCount),
			zap.Float64("freed_mb", float64(deletedSize)/(1024*1024)))
	}
	return deletedCount
}

// EnsureDirs creates every directory in dirs.
func EnsureDirs(logger *zap.Logger, dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if logger != nil {
			logger.Debug("directory ready", zap.String("dir", dir))
		}
	}
	return nil
}
