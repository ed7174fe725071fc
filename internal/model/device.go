package model

import (
	"os"
	"os/exec"
	"strings"
)

var lookPath = exec.LookPath

// DetectDevice resolves a configured preference ("auto", "cpu", "cuda") to a
// device. Auto picks CUDA when a GPU is visible to the process.
func DetectDevice(preference string) Device {
	switch strings.ToLower(strings.TrimSpace(preference)) {
	case "cuda", "gpu":
		return DeviceCUDA
	case "cpu":
		return DeviceCPU
	}
	if cudaAvailable() {
		return DeviceCUDA
	}
	return DeviceCPU
}

func cudaAvailable() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		return v != "" && v != "-1"
	}
	_, err := lookPath("nvidia-smi")
	return err == nil
}

// PrecisionFor returns the precision used on d. Half precision is only
// applied on an accelerator.
func PrecisionFor(d Device) Precision {
	if d == DeviceCUDA {
		return PrecisionFP16
	}
	return PrecisionFP32
}
