package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// LocalStorage writes transcripts into the output directory.
type LocalStorage struct {
	outputDir string
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
	}
}

// OutputDir returns the directory transcripts are written to.
func (ls *LocalStorage) OutputDir() string { return ls.outputDir }

// SaveTranscript writes <base>_transcription.txt for the source file name,
// adding _1, _2, ... when that name is taken, plus a _meta.json sidecar. It
// returns the transcript path.
func (ls *LocalStorage) SaveTranscript(sourceName string, result *types.TranscriptionResult) (string, error) {
	if err := os.MkdirAll(ls.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	base := sanitizeFilename(strings.TrimSuffix(sourceName, filepath.Ext(sourceName))) + "_transcription"

	var txtPath string
	for n := 0; ; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		txtPath = filepath.Join(ls.outputDir, name+".txt")

		// O_EXCL makes the collision check and the create one step
		f, err := os.OpenFile(txtPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create transcript: %w", err)
		}
		if _, err := f.WriteString(result.Text); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to save transcript: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to save transcript: %w", err)
		}
		break
	}

	metaPath := strings.TrimSuffix(txtPath, ".txt") + "_meta.json"
	metaJSON, err := json.MarshalIndent(transcriptMeta(sourceName, txtPath, result), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	return txtPath, nil
}

// ReadTranscript returns the text of a transcript inside the output
// directory.
func (ls *LocalStorage) ReadTranscript(path string) (string, error) {
	rel, err := filepath.Rel(ls.outputDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("transcript %s is outside %s", path, ls.outputDir)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func transcriptMeta(sourceName, localPath string, result *types.TranscriptionResult) map[string]any {
	return map[string]any{
		"job_id":           result.JobID,
		"request_name":     sourceName,
		"duration_seconds": result.Duration,
		"word_count":       result.WordCount,
		"model_used":       result.Model,
		"language":         result.Language,
		"created_at":       result.ProcessedAt,
		"segments":         result.Segments,
		"local_path":       localPath,
	}
}

// sanitizeFilename strips directories and characters that are invalid in
// file names, and bounds the length.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "." || name == "" {
		name = "audio"
	}
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	return name
}
