package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultTimeout = 120 * time.Second

// Options configure an Adapter.
type Options struct {
	Model        string
	ModelDir     string
	Threads      int
	Device       string
	Accelerators []int
	ChunkWindow  time.Duration
	Timeout      time.Duration
}

type loaded struct {
	model Model
	desc  Description
}

// Adapter owns one engine instance: lazy load, chunked bounded transcription and
// model reload.
type Adapter struct {
	backend Backend
	opts    Options
	log     *slog.Logger

	current atomic.Pointer[loaded]
	// loadMu serializes model builds; stateMu guards loadErr and model and is never
	// held across a build.
	loadMu  sync.Mutex
	stateMu sync.Mutex
	loadErr error
	model   string

	// runMu keeps engine calls sequential. It is taken inside the timed goroutine so a
	// hung call blocks later calls only up to their own deadline.
	runMu sync.Mutex
	wg    sync.WaitGroup

	chunks   metric.Int64Counter
	timeouts metric.Int64Counter
	loadHist metric.Float64Histogram
}

func NewAdapter(backend Backend, opts Options, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	a := &Adapter{
		backend: backend,
		opts:    opts,
		model:   opts.Model,
		log:     log.With(slog.String("component", "stt"), slog.String("backend", backend.Name())),
	}
	a.initMetrics()
	return a
}

func (a *Adapter) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/stt")
	var err error
	if a.chunks, err = meter.Int64Counter("dictate.stt.chunks", metric.WithDescription("Audio chunks transcribed")); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if a.timeouts, err = meter.Int64Counter("dictate.stt.timeouts", metric.WithDescription("Transcriptions abandoned at the deadline")); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if a.loadHist, err = meter.Float64Histogram("dictate.stt.load_seconds", metric.WithDescription("Model load duration"), metric.WithUnit("s")); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// Load builds the model once. Concurrent callers block until the single load
// finishes. A failed load is returned again on every call until Reload succeeds.
func (a *Adapter) Load(ctx context.Context) error {
	if a.current.Load() != nil {
		return nil
	}
	a.loadMu.Lock()
	defer a.loadMu.Unlock()
	if a.current.Load() != nil {
		return nil
	}
	model, err := a.state()
	if err != nil {
		return err
	}
	l, err := a.build(ctx, model)
	if err != nil {
		a.setState(model, err)
		return err
	}
	a.current.Store(l)
	return nil
}

func (a *Adapter) state() (string, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.model, a.loadErr
}

func (a *Adapter) setState(model string, err error) {
	a.stateMu.Lock()
	a.model = model
	a.loadErr = err
	a.stateMu.Unlock()
}

func (a *Adapter) build(ctx context.Context, model string) (*loaded, error) {
	accels := a.accelerators()
	device := ResolveDevice(a.opts.Device, accels)
	if device.Fallback {
		a.log.Warn("requested accelerator unavailable, using cpu",
			slog.String("requested", a.opts.Device))
	}
	opts := LoadOptions{
		Model:     model,
		ModelPath: ModelPath(a.opts.ModelDir, model),
		Threads:   a.opts.Threads,
		Device:    device,
	}

	started := time.Now()
	m, err := a.backend.Load(ctx, opts)
	elapsed := time.Since(started)
	if err != nil {
		a.log.Error("model load failed",
			slog.String("model", model),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrEngineLoad, err)
	}
	if a.loadHist != nil {
		a.loadHist.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("model", model)))
	}
	a.log.Info("model loaded",
		slog.String("model", model),
		slog.String("device", device.String()),
		slog.Int("threads", opts.Threads),
		slog.Duration("elapsed", elapsed))
	return &loaded{
		model: m,
		desc: Description{
			Backend:      a.backend.Name(),
			Model:        model,
			ModelPath:    opts.ModelPath,
			Device:       device.String(),
			Threads:      opts.Threads,
			Loaded:       true,
			LoadDuration: elapsed,
		},
	}, nil
}

func (a *Adapter) accelerators() []int {
	if len(a.opts.Accelerators) > 0 {
		return a.opts.Accelerators
	}
	return a.backend.Accelerators()
}

// Reload builds a fresh instance for model and swaps it in. The previous instance is
// closed once no call is using it. On failure the error becomes sticky.
func (a *Adapter) Reload(ctx context.Context, model string) error {
	a.loadMu.Lock()
	defer a.loadMu.Unlock()
	if model == "" {
		model, _ = a.state()
	}
	l, err := a.build(ctx, model)
	a.setState(model, err)
	old := a.current.Swap(l) // nil on failure
	if old != nil {
		a.retire(old.model)
	}
	return err
}

func (a *Adapter) retire(m Model) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runMu.Lock()
		defer a.runMu.Unlock()
		if err := m.Close(); err != nil {
			a.log.Warn("failed to close model", slog.String("error", err.Error()))
		}
	}()
}

// LoadErr returns the sticky load error, if any.
func (a *Adapter) LoadErr() error {
	_, err := a.state()
	return err
}

func (a *Adapter) Describe() Description {
	if l := a.current.Load(); l != nil {
		return l.desc
	}
	model, err := a.state()
	d := Description{
		Backend:   a.backend.Name(),
		Model:     model,
		ModelPath: ModelPath(a.opts.ModelDir, model),
		Device:    ResolveDevice(a.opts.Device, a.accelerators()).String(),
		Threads:   a.opts.Threads,
	}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

type runOutcome struct {
	texts []string
	err   error
}

// Transcribe runs the recording through the engine in sequential chunks of the
// configured window. The whole call shares one deadline; on expiry it returns
// ErrTranscriptionTimeout and drops any text already produced.
func (a *Adapter) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(req.Samples) == 0 {
		return Result{}, ErrEmptyAudio
	}
	if err := a.Load(ctx); err != nil {
		return Result{}, err
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	parts := Chunk(req.Samples, rate, a.opts.ChunkWindow)
	started := time.Now()

	ctx, cancel := context.WithTimeoutCause(ctx, a.opts.Timeout, ErrTranscriptionTimeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		a.runMu.Lock()
		defer a.runMu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		// Read the instance only once the engine is ours; a reload may have swapped it.
		cur := a.current.Load()
		if cur == nil {
			done <- runOutcome{err: fmt.Errorf("%w: engine unloaded", ErrEngineLoad)}
			return
		}
		texts := make([]string, 0, len(parts))
		for i, part := range parts {
			if ctx.Err() != nil {
				done <- runOutcome{err: ctx.Err()}
				return
			}
			segments, err := cur.model.Run(ctx, part, defaultRunOptions(a.opts.Threads, rate))
			if err != nil {
				done <- runOutcome{err: fmt.Errorf("transcribe chunk %d/%d: %w", i+1, len(parts), err)}
				return
			}
			if a.chunks != nil {
				a.chunks.Add(ctx, 1)
			}
			texts = append(texts, joinSegments(segments))
		}
		done <- runOutcome{texts: texts}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), ErrTranscriptionTimeout) {
			if a.timeouts != nil {
				a.timeouts.Add(context.Background(), 1)
			}
			a.log.Warn("transcription timed out",
				slog.String("session_id", req.SessionID),
				slog.Int("chunks", len(parts)),
				slog.Duration("timeout", a.opts.Timeout))
			return Result{}, ErrTranscriptionTimeout
		}
		return Result{}, ctx.Err()
	case out := <-done:
		if out.err != nil {
			if errors.Is(context.Cause(ctx), ErrTranscriptionTimeout) {
				return Result{}, ErrTranscriptionTimeout
			}
			return Result{}, out.err
		}
		res := Result{
			Text:     joinChunks(out.texts),
			Segments: out.texts,
			Chunks:   len(parts),
			Audio:    time.Duration(len(req.Samples)) * time.Second / time.Duration(rate),
			Elapsed:  time.Since(started),
			Device:   ResolveDevice(a.opts.Device, a.accelerators()),
		}
		a.log.Debug("transcription finished",
			slog.String("session_id", req.SessionID),
			slog.Int("chunks", res.Chunks),
			slog.Duration("audio", res.Audio),
			slog.Duration("elapsed", res.Elapsed))
		return res, nil
	}
}

// Close releases the engine once in-flight calls finish, or gives up when ctx ends.
func (a *Adapter) Close(ctx context.Context) error {
	a.loadMu.Lock()
	if old := a.current.Swap(nil); old != nil {
		a.retire(old.model)
	}
	a.loadMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close engine: %w", ctx.Err())
	}
}

// Chunk splits samples into consecutive non-overlapping windows. The last chunk holds
// the remainder.
func Chunk(samples []float32, sampleRate int, window time.Duration) [][]float32 {
	size := int(window.Seconds() * float64(sampleRate))
	if size <= 0 || len(samples) <= size {
		return [][]float32{samples}
	}
	out := make([][]float32, 0, (len(samples)+size-1)/size)
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, samples[start:end:end])
	}
	return out
}

func joinSegments(segments []string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func joinChunks(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
