// Package model owns loaded speech-to-text models. A Registry hands out one
// shared Handle per model name, loads each model at most once at a time, and is
// the only component allowed to tear a model down.
package model

import (
	"context"
	"time"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// Device is the compute device a model is bound to.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Precision is the numeric precision the model weights run at.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
)

// Spec describes the model a caller asks for. Name is the registry key.
type Spec struct {
	Name        string
	BeamSize    int
	Temperature float64
}

// LoadSpec is what a Loader receives: the requested spec plus the device and
// precision the registry chose.
type LoadSpec struct {
	Spec
	Device    Device
	Precision Precision
}

// Request is one inference call against a loaded model.
type Request struct {
	AudioPath   string
	Language    string
	BeamSize    int
	Temperature float64
}

// Model is a loaded inference capability.
type Model interface {
	Transcribe(ctx context.Context, req Request) (*types.TranscriptionResult, error)
	Close() error
}

// Loader builds a Model. Loads are slow and may fail for missing weights or
// device memory exhaustion.
type Loader interface {
	Load(ctx context.Context, spec LoadSpec) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, spec LoadSpec) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	return f(ctx, spec)
}

// Handle is one loaded model shared by every job asking for the same name.
// Its configuration is immutable; its reference count is owned by the Registry.
type Handle struct {
	name        string
	device      Device
	precision   Precision
	beamSize    int
	temperature float64
	loadedAt    time.Time

	model Model

	// guarded by Registry.mu
	refCount int
	lastUsed time.Time
	closed   bool
}

func (h *Handle) Name() string { return h.name }
func (h *Handle) Device() Device { return h.device }
func (h *Handle) Precision() Precision { return h.precision }
func (h *Handle) BeamSize() int { return h.beamSize }
func (h *Handle) Temperature() float64 { return h.temperature }
func (h *Handle) LoadedAt() time.Time { return h.loadedAt }

// Transcribe runs inference with the handle's fixed decoding parameters.
func (h *Handle) Transcribe(ctx context.Context, audioPath, language string) (*types.TranscriptionResult, error) {
	return h.model.Transcribe(ctx, Request{
		AudioPath:   audioPath,
		Language:    language,
		BeamSize:    h.beamSize,
		Temperature: h.temperature,
	})
}
