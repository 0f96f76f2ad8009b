package stt

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// NewBackend selects the engine family named by cfg.Mode.
func NewBackend(cfg config.EngineConfig, log *slog.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Mode) {
	case "whisper":
		return newWhisperBackend(log)
	case "exec":
		return NewExecBackend(cfg.Command, log)
	case "mock":
		return &MockBackend{}, nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// OptionsFromConfig maps the engine section onto adapter options.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	threads := cfg.Threads
	if threads <= 0 {
		threads = DefaultThreads()
	}
	return Options{
		Model:        cfg.Model,
		ModelDir:     cfg.ModelDir,
		Threads:      threads,
		Device:       cfg.Device,
		Accelerators: cfg.Accelerators,
		ChunkWindow:  time.Duration(cfg.ChunkWindowSeconds) * time.Second,
		Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

// DefaultThreads leaves two cores for the rest of the desktop, with a floor of four.
func DefaultThreads() int {
	n := runtime.NumCPU() - 2
	if n < 4 {
		n = 4
	}
	return n
}

// ModelPath resolves a model identity to a ggml file. Identities that already look
// like paths are used as given.
func ModelPath(dir, model string) string {
	if model == "" {
		return ""
	}
	if filepath.IsAbs(model) || strings.ContainsAny(model, `/\`) {
		return model
	}
	if strings.HasSuffix(model, ".bin") {
		return filepath.Join(dir, model)
	}
	return filepath.Join(dir, fmt.Sprintf("ggml-%s.bin", model))
}

// acceleratorsFromSystemInfo reads a whisper.cpp system info line. Older builds print
// "CUDA = 1"; newer ones list enabled backends as "CUDA : ARCHS = ...". Only the
// first device is reported; the engine does not enumerate further.
func acceleratorsFromSystemInfo(info string) []int {
	upper := strings.ToUpper(info)
	for _, backend := range []string{"CUDA", "VULKAN", "METAL", "HIP", "SYCL"} {
		idx := strings.Index(upper, backend)
		for idx >= 0 {
			rest := strings.TrimLeft(upper[idx+len(backend):], " ")
			switch {
			case strings.HasPrefix(rest, "= 1"), strings.HasPrefix(rest, "=1"), strings.HasPrefix(rest, ":"):
				return []int{0}
			}
			next := strings.Index(upper[idx+len(backend):], backend)
			if next < 0 {
				break
			}
			idx += len(backend) + next
		}
	}
	return nil
}

// Unavailable is a backend whose every load fails with err. It lets the daemon run
// and report the engine as failed when no backend could be constructed.
func Unavailable(name string, err error) Backend {
	return unavailableBackend{name: name, err: err}
}

type unavailableBackend struct {
	name string
	err  error
}

func (b unavailableBackend) Name() string        { return b.name }
func (b unavailableBackend) Accelerators() []int { return nil }

func (b unavailableBackend) Load(context.Context, LoadOptions) (Model, error) {
	return nil, b.err
}
