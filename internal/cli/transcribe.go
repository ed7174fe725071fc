package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/events"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/queue"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/transcription"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

type transcribeOptions struct {
	language string
	model    string
	mirror   bool
}

func newTranscribeCmd(app *appState) *cobra.Command {
	opts := &transcribeOptions{}
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe one audio file and print the transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.transcribe(cmd.Context(), args[0], *opts)
		},
	}
	cmd.Flags().StringVar(&opts.language, "language", "", "Language code; defaults to the configured language")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model name; defaults to the configured model")
	cmd.Flags().BoolVar(&opts.mirror, "mirror", false, "Also copy the transcript to Google Drive")
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	return cmd
}

// transcribe runs a single job through the same queue and worker the service
// uses. The input file is never deleted.
func (a *appState) transcribe(ctx context.Context, path string, opts transcribeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := a.log()
	defer func() { _ = logger.Sync() }()

	if !transcription.ValidateAudioFormat(path) {
		return fmt.Errorf("unsupported audio format %q", filepath.Ext(path))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("audio file: %w", err)
	}

	bar := newJobProgress(a.progressEnabled(), filepath.Base(path))
	defer bar.Finish()

	o, err := buildOrchestrator(ctx, a.cfg, logger, buildOptions{
		withMirror: opts.mirror,
		extraSinks: []events.Sink{bar},
	})
	if err != nil {
		return err
	}
	defer o.close()

	source, keep := abs, true
	if !transcription.IsWAV(abs) {
		logger.Info("converting to WAV", zap.String("path", abs))
		if source, err = transcription.NormalizeAudio(ctx, abs, a.cfg.Storage.TempDir); err != nil {
			return err
		}
		keep = false
	}

	job := queue.NewJob(source, opts.language, opts.model, types.OriginUpload)
	job.Name = filepath.Base(path)
	job.KeepSource = keep
	id, err := o.queue.Enqueue(job)
	if err != nil {
		if !keep {
			os.Remove(source)
		}
		return err
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() { workerDone <- o.worker.Run(workerCtx) }()
	defer func() {
		stopWorker()
		<-workerDone
	}()

	info, err := o.queue.Wait(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted while transcribing %s", job.Name)
		}
		return err
	}
	bar.Finish()

	if info.State != types.StateCompleted {
		if info.Error != nil {
			return fmt.Errorf("%s: %s", info.Error.Kind, info.Error.Message)
		}
		return fmt.Errorf("transcription ended in state %s", strings.ToLower(string(info.State)))
	}

	fmt.Fprintln(a.out, info.Text)
	logger.Info("transcript saved", zap.String("path", info.OutputPath))
	return nil
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
