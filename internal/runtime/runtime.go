package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/output"
)

// ErrAlreadyRunning is returned by Start when another daemon answers on the bus.
var ErrAlreadyRunning = errors.New("another dictation daemon is already running")

// Option adjusts how the runtime reaches platform resources.
type Option func(*Runtime)

// WithDevice replaces the PortAudio capture device.
func WithDevice(dev audio.Device) Option {
	return func(r *Runtime) { r.device = dev }
}

// WithSink replaces the system clipboard and keyboard sink.
func WithSink(sink output.Sink) Option {
	return func(r *Runtime) { r.sink = sink }
}

// WithoutHotkeys skips installing the global keyboard hook.
func WithoutHotkeys() Option {
	return func(r *Runtime) { r.hotkeys = false }
}

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	device  audio.Device
	sink    output.Sink
	hotkeys bool

	httpServer    *http.Server
	tracerClose   func(context.Context) error
	metricHandler http.Handler
	ready         atomic.Bool
	wg            sync.WaitGroup

	comps atomic.Pointer[components]
}

func New(cfg config.Config, version string, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
		hotkeys: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.device == nil {
		r.device = &audio.PortAudioDevice{Name: cfg.Audio.Device}
	}
	if r.sink == nil {
		r.sink = output.NewSystemSink(output.SinkOptions{
			PasteDelay:       time.Duration(cfg.Output.PasteDelayMS) * time.Millisecond,
			RestoreClipboard: cfg.Output.RestoreClipboard,
		}, logger)
	}
	return r
}

// Start runs the daemon until ctx is cancelled or a shutdown arrives over the bus.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler

	comps, err := r.build(ctx, cancel)
	if err != nil {
		_ = r.tracerClose(context.Background())
		return err
	}
	r.comps.Store(comps)

	if r.cfg.HTTP.Enabled {
		r.startHTTP()
	}

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		if err := comps.orch.Run(ctx); err != nil {
			r.logger.Error("orchestrator exited", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("dictation daemon started",
		slog.String("hotkey", comps.machine.Combo().String()),
		slog.String("hotkey_mode", comps.machine.Mode().String()),
		slog.String("output_mode", comps.dispatcher.Mode().String()),
		slog.String("engine", comps.engine.Describe().Backend))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	comps.stopInputs()
	<-orchDone
	errs := []error{comps.close(shutdownCtx)}

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		r.wg.Wait()
	}
	if err := r.tracerClose(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown finished with errors", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", addr))
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	comps := r.comps.Load()
	if comps == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(comps.status())
}
