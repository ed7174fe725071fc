package transcription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/model"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// whisper decodes at most 30 seconds per pass
const sherpaChunkSeconds = 30

// SherpaLoader loads exported whisper models for in-process inference with
// sherpa-onnx. Each model lives in <ModelDir>/<name>/.
type SherpaLoader struct {
	ModelDir string
	Threads  int
	Logger   *zap.Logger
}

// NewSherpaLoader creates a loader reading models from modelDir.
func NewSherpaLoader(modelDir string, threads int, logger *zap.Logger) *SherpaLoader {
	if threads <= 0 {
		threads = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SherpaLoader{ModelDir: modelDir, Threads: threads, Logger: logger}
}

type sherpaFiles struct {
	encoder string
	decoder string
	tokens  string
}

// resolveSherpaFiles finds the encoder, decoder and tokens of an exported
// whisper model, preferring int8 weights.
func resolveSherpaFiles(dir, name string) (sherpaFiles, error) {
	find := func(candidates ...string) string {
		for _, c := range candidates {
			path := filepath.Join(dir, c)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
		return ""
	}

	files := sherpaFiles{
		encoder: find("encoder.int8.onnx", "encoder.onnx", name+"-encoder.int8.onnx", name+"-encoder.onnx"),
		decoder: find("decoder.int8.onnx", "decoder.onnx", name+"-decoder.int8.onnx", name+"-decoder.onnx"),
		tokens:  find("tokens.txt", name+"-tokens.txt"),
	}
	switch {
	case files.encoder == "":
		return files, fmt.Errorf("encoder model not found in %s", dir)
	case files.decoder == "":
		return files, fmt.Errorf("decoder model not found in %s", dir)
	case files.tokens == "":
		return files, fmt.Errorf("tokens file not found in %s", dir)
	}
	return files, nil
}

// Load resolves the model files. Recognizers are created per language on
// first use because whisper's language is fixed per recognizer.
func (l *SherpaLoader) Load(_ context.Context, spec model.LoadSpec) (model.Model, error) {
	files, err := resolveSherpaFiles(filepath.Join(l.ModelDir, spec.Name), spec.Name)
	if err != nil {
		return nil, err
	}

	provider := "cpu"
	if spec.Device == model.DeviceCUDA {
		provider = "cuda"
	}
	m := &sherpaModel{
		files:       files,
		provider:    provider,
		threads:     l.Threads,
		log:         l.Logger.With(zap.String("model", spec.Name)),
		recognizers: make(map[string]*sherpa.OfflineRecognizer),
	}

	// fail the load, not the first job, when the weights are unusable
	if _, err := m.recognizer(types.DefaultLanguage); err != nil {
		return nil, err
	}
	l.Logger.Info("sherpa model loaded", zap.String("model", spec.Name), zap.String("provider", provider))
	return m, nil
}

type sherpaModel struct {
	files    sherpaFiles
	provider string
	threads  int
	log      *zap.Logger

	mu          sync.Mutex
	recognizers map[string]*sherpa.OfflineRecognizer
}

func (m *sherpaModel) recognizer(language string) (*sherpa.OfflineRecognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.recognizers[language]; ok {
		return r, nil
	}

	config := sherpa.OfflineRecognizerConfig{
		FeatConfig: sherpa.FeatureConfig{
			SampleRate: 16000,
			FeatureDim: 80,
		},
		ModelConfig: sherpa.OfflineModelConfig{
			Whisper: sherpa.OfflineWhisperModelConfig{
				Encoder:  m.files.encoder,
				Decoder:  m.files.decoder,
				Language: language,
				Task:     "transcribe",
			},
			Tokens:     m.files.tokens,
			NumThreads: m.threads,
			Provider:   m.provider,
			Debug:      0,
		},
		DecodingMethod: "greedy_search",
	}

	r := sherpa.NewOfflineRecognizer(&config)
	if r == nil {
		return nil, errors.New("failed to create whisper recognizer")
	}
	m.recognizers[language] = r
	m.log.Debug("created recognizer", zap.String("language", language))
	return r, nil
}

// Transcribe decodes a WAV file in 30 second chunks.
func (m *sherpaModel) Transcribe(ctx context.Context, req model.Request) (*types.TranscriptionResult, error) {
	if _, err := os.Stat(req.AudioPath); err != nil {
		return nil, err
	}
	wave := sherpa.ReadWave(req.AudioPath)
	if wave == nil || len(wave.Samples) == 0 {
		return nil, fmt.Errorf("failed to read WAV file or file is empty: %s", req.AudioPath)
	}

	r, err := m.recognizer(req.Language)
	if err != nil {
		return nil, err
	}

	chunk := wave.SampleRate * sherpaChunkSeconds
	var (
		text     strings.Builder
		segments []types.Segment
	)
	for start := 0; start < len(wave.Samples); start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+chunk, len(wave.Samples))

		part := decodeChunk(r, wave.SampleRate, wave.Samples[start:end])
		if part == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(part)
		segments = append(segments, types.Segment{
			Start: float64(start) / float64(wave.SampleRate),
			End:   float64(end) / float64(wave.SampleRate),
			Text:  part,
		})
	}

	return &types.TranscriptionResult{
		Text:     text.String(),
		Language: req.Language,
		Duration: float64(len(wave.Samples)) / float64(wave.SampleRate),
		Segments: segments,
	}, nil
}

func decodeChunk(r *sherpa.OfflineRecognizer, sampleRate int, samples []float32) string {
	stream := sherpa.NewOfflineStream(r)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(sampleRate, samples)
	r.Decode(stream)

	result := stream.GetResult()
	if result == nil {
		return ""
	}
	return strings.TrimSpace(result.Text)
}

// Close releases every recognizer.
func (m *sherpaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for lang, r := range m.recognizers {
		sherpa.DeleteOfflineRecognizer(r)
		delete(m.recognizers, lang)
	}
	return nil
}
