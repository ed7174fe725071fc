package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs Scanner.Tick on a fixed interval and on demand.
type Scheduler struct {
	scanner  *Scanner
	interval time.Duration
	trigger  chan struct{}
	log      *zap.Logger
}

// NewScheduler creates a scheduler for s. A non-positive interval disables
// the timer; Trigger still works.
func NewScheduler(s *Scanner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scanner:  s,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      logger,
	}
}

// Trigger requests a scan as soon as possible. It reports false when a
// request is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run scans once immediately, then on every tick or trigger until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.log.Info("scan scheduler started",
		zap.String("dir", s.scanner.Dir()),
		zap.Duration("interval", s.interval))
	s.scanner.Tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.scanner.Tick()
		case <-s.trigger:
			s.scanner.Tick()
		}
	}
}
