package transcription

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
)

// runFunc executes one command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var supportedFormats = []string{".mp3", ".wav", ".m4a", ".ogg", ".flac", ".webm", ".aac", ".wma"}

// ValidateAudioFormat checks if the file format is supported
func ValidateAudioFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// IsWAV reports whether filename already has the format the models read.
func IsWAV(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".wav")
}

// NormalizeAudio converts inputPath to a 16 kHz mono WAV file in tempDir and
// returns its path. Input ffmpeg cannot decode is an invalid request.
func NormalizeAudio(ctx context.Context, inputPath, tempDir string) (string, error) {
	return normalizeWith(ctx, execRun, inputPath, tempDir)
}

func normalizeWith(ctx context.Context, run runFunc, inputPath, tempDir string) (string, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outputPath := filepath.Join(tempDir, fmt.Sprintf("%s_%s.wav", base, uuid.New().String()[:8]))

	output, err := run(ctx, "ffmpeg",
		"-i", inputPath,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		outputPath,
	)
	if err != nil {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Invalid("cannot decode %s: %s", filepath.Base(inputPath), tail(string(output), 500))
	}
	return outputPath, nil
}
