package cli

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
)

// jobProgress renders the progress events of a one-shot job as a terminal
// bar. A disabled bar ignores every event.
type jobProgress struct {
	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	finished bool
}

func newJobProgress(enabled bool, description string) *jobProgress {
	if !enabled {
		return &jobProgress{}
	}
	return &jobProgress{bar: newBar(os.Stderr, description)}
}

func newBar(w io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func (p *jobProgress) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil || p.finished {
		return
	}
	switch ev.Channel {
	case events.ChannelProgress:
		_ = p.bar.Set(ev.Progress)
	case events.ChannelComplete, events.ChannelError:
		p.finished = true
		_ = p.bar.Finish()
	}
}

func (p *jobProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil || p.finished {
		return
	}
	p.finished = true
	_ = p.bar.Finish()
}
