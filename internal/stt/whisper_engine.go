//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	lowlevel "github.com/ggerganov/whisper.cpp/bindings/go"
	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// whisperBackend runs whisper.cpp in process through its cgo bindings. Build with
// -tags whisper and the whisper.cpp static library on the linker path.
type whisperBackend struct {
	log *slog.Logger
}

func newWhisperBackend(log *slog.Logger) (Backend, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &whisperBackend{log: log.With(slog.String("component", "stt-whisper"))}, nil
}

func (b *whisperBackend) Name() string { return "whisper" }

func (b *whisperBackend) Accelerators() []int {
	return acceleratorsFromSystemInfo(lowlevel.Whisper_print_system_info())
}

func (b *whisperBackend) Load(_ context.Context, opts LoadOptions) (Model, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model not found: %w", err)
	}
	// The bindings initialise with the library defaults: GPU on when compiled in,
	// first device. Other placements are reported rather than silently ignored.
	if opts.Device.IsCPU() && len(b.Accelerators()) > 0 {
		b.log.Warn("cpu requested but the linked whisper.cpp always uses its gpu backend")
	} else if opts.Device.Index > 0 {
		b.log.Warn("bindings cannot select a device index; using device 0",
			slog.Int("requested", opts.Device.Index))
	}
	model, err := whisper.New(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	return &whisperModel{model: model}, nil
}

type whisperModel struct {
	model whisper.Model
}

func (m *whisperModel) Run(ctx context.Context, samples []float32, opts RunOptions) ([]string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("new whisper context: %w", err)
	}
	if err := wctx.SetLanguage(opts.Language); err != nil {
		return nil, fmt.Errorf("set language: %w", err)
	}
	wctx.SetTranslate(opts.Translate)
	if opts.Threads > 0 {
		wctx.SetThreads(uint(opts.Threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper process: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}
		segments = append(segments, seg.Text)
	}
	return segments, nil
}

func (m *whisperModel) Close() error {
	return m.model.Close()
}
