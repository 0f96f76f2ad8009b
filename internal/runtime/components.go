package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bridge"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/daemon"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/status"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

const (
	probeTimeout  = 500 * time.Millisecond
	resultStream  = "DICTATE_RESULTS"
	resultHistory = 1000
)

type components struct {
	cfg config.Config
	log *slog.Logger

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	engine     *stt.Adapter
	pipeline   *audio.Pipeline
	dispatcher *output.Dispatcher
	machine    *hotkey.Machine
	listener   *hotkey.Listener
	orch       *daemon.Orchestrator
	publisher  *bridge.Publisher
	control    *bridge.Control
	presence   *status.Service
}

// build assembles the daemon. On error everything already started is released.
func (r *Runtime) build(ctx context.Context, shutdown context.CancelFunc) (_ *components, err error) {
	c := &components{cfg: r.cfg, log: r.logger}
	defer func() {
		if err != nil {
			c.stopInputs()
			_ = c.close(context.Background())
		}
	}()

	machine, err := newMachine(r.cfg.Hotkey)
	if err != nil {
		return nil, err
	}
	c.machine = machine

	outMode, err := output.ParseMode(r.cfg.Output.Mode)
	if err != nil {
		return nil, err
	}
	c.dispatcher = output.NewDispatcher(r.sink, outMode, r.logger)

	if err := c.startBus(ctx, r.cfg.RuntimeName); err != nil {
		return nil, err
	}

	if c.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	backend, err := stt.NewBackend(r.cfg.Engine, r.logger)
	if err != nil {
		// Surfaces as a sticky load error on the first session instead of refusing to run.
		r.logger.Error("speech engine unavailable", slog.String("mode", r.cfg.Engine.Mode), slog.String("error", err.Error()))
		backend = stt.Unavailable(r.cfg.Engine.Mode, err)
	}
	c.engine = stt.NewAdapter(backend, stt.OptionsFromConfig(r.cfg.Engine), r.logger)

	c.pipeline = audio.NewPipeline(r.device, audio.Options{
		SampleRate: r.cfg.Audio.SampleRate,
		FrameSize:  r.cfg.Audio.FrameSize,
		PrerollMS:  r.cfg.Audio.PrerollMS,
		MaxSeconds: r.cfg.Audio.MaxRecordingSeconds,
	}, r.logger)

	c.orch = daemon.New(c.pipeline, c.engine, c.dispatcher, daemon.Options{
		MinRecording:  time.Duration(r.cfg.Audio.MinRecordingMS) * time.Millisecond,
		LevelInterval: time.Duration(r.cfg.Audio.LevelIntervalMS) * time.Millisecond,
	}, r.logger)

	c.publisher = bridge.NewPublisher(c.bus, c.store, machine.Mode().String(), r.logger)
	c.orch.AddListener(c.publisher)
	c.orch.AddListener(hotkeySync{machine: machine})
	if r.cfg.Notify.Enabled {
		c.orch.AddListener(notify.New(r.logger))
	}

	if c.bus != nil {
		if err := c.bus.EnsureStream(resultStream, []string{protocol.SubjectResult}, resultHistory); err != nil {
			r.logger.Warn("result history unavailable", slog.String("error", err.Error()))
		}
		if c.control, err = bridge.StartControl(ctx, c.bus, c.orch, machine, c.engine, c.store, shutdown, r.logger); err != nil {
			return nil, err
		}
	}
	c.presence, err = status.Start(ctx, status.Options{
		NodeID:            r.cfg.Status.NodeID,
		Version:           r.version,
		HeartbeatInterval: time.Duration(r.cfg.Status.HeartbeatInterval) * time.Millisecond,
	}, c.bus, c.status, r.logger)
	if err != nil {
		return nil, err
	}

	// Keep the stream warm so the first session has pre-roll. Start primes again on failure.
	if err := c.pipeline.Prime(); err != nil {
		r.logger.Warn("audio device not ready", slog.String("error", err.Error()))
	}
	if r.cfg.Engine.Preload {
		go func() {
			if err := c.engine.Load(ctx); err != nil {
				r.logger.Error("model preload failed", slog.String("error", err.Error()))
			}
		}()
	}

	if r.hotkeys {
		c.listener = hotkey.NewListener(machine, c.submitHotkey, r.logger)
		if err := c.listener.Start(ctx); err != nil {
			return nil, fmt.Errorf("start hotkey listener: %w", err)
		}
	}
	return c, nil
}

func newMachine(cfg config.HotkeyConfig) (*hotkey.Machine, error) {
	var combo hotkey.Combo
	var err error
	if len(cfg.Modifiers) == 0 && strings.Contains(strings.TrimSuffix(cfg.Key, "+"), "+") {
		combo, err = hotkey.ParseHotkey(cfg.Key)
	} else {
		combo, err = hotkey.ParseCombo(cfg.Key, cfg.Modifiers)
	}
	if err != nil {
		return nil, err
	}
	mode, err := hotkey.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return hotkey.NewMachine(hotkey.Options{
		Combo:    combo,
		Mode:     mode,
		Debounce: time.Duration(cfg.DebounceMS) * time.Millisecond,
		Enabled:  cfg.Enabled,
	}), nil
}

// startBus connects to a running broker or starts the embedded one, and refuses to
// continue when another daemon already answers status requests.
func (c *components) startBus(ctx context.Context, name string) error {
	cfg := c.cfg.Bus
	if !cfg.Enabled {
		return nil
	}
	clientName := name + "-" + c.cfg.Status.NodeID

	if len(cfg.Servers) > 0 {
		client, err := bus.Connect(ctx, clientName, cfg, c.log)
		switch {
		case err == nil:
			c.bus = client
			return c.checkSingleInstance(ctx)
		case !cfg.Embedded:
			return err
		}
	}

	embedded, err := natsserver.Start(cfg, c.log)
	if err != nil {
		return err
	}
	c.embedded = embedded
	cfg.Servers = []string{embedded.ClientURL()}
	if c.bus, err = bus.Connect(ctx, clientName, cfg, c.log); err != nil {
		return err
	}
	return nil
}

func (c *components) checkSingleInstance(ctx context.Context) error {
	st, err := status.Probe(ctx, c.bus, probeTimeout)
	switch {
	case errors.Is(err, status.ErrNotRunning):
		return nil
	case err != nil:
		c.log.Warn("single instance probe failed", slog.String("error", err.Error()))
		return nil
	default:
		return fmt.Errorf("%w (node %s, state %s)", ErrAlreadyRunning, st.NodeID, st.State)
	}
}

// submitHotkey forwards machine commands. In toggle mode every accepted press is sent
// as Toggle and the orchestrator's state picks start or stop.
func (c *components) submitHotkey(cmd hotkey.Command) {
	kind := daemon.CommandToggle
	if c.machine.Mode() == hotkey.ModePushToTalk {
		kind = daemon.CommandStart
		if cmd == hotkey.CommandStop {
			kind = daemon.CommandStop
		}
	}
	c.orch.Submit(daemon.Command{Kind: kind, Source: "hotkey"})
}

func (c *components) status() protocol.Status {
	snap := c.orch.Snapshot()
	return protocol.Status{
		NodeID:         c.cfg.Status.NodeID,
		State:          snap.State,
		Busy:           snap.Busy,
		SessionID:      snap.SessionID,
		Since:          snap.Since,
		HotkeyEnabled:  c.machine.Enabled(),
		HotkeyMode:     c.machine.Mode().String(),
		Hotkey:         c.machine.Combo().String(),
		OutputMode:     c.dispatcher.Mode().String(),
		EngineBackend:  snap.Engine.Backend,
		EngineModel:    snap.Engine.Model,
		EngineDevice:   snap.Engine.Device,
		EngineLoaded:   snap.Engine.Loaded,
		EngineError:    snap.Engine.Error,
		LastOutcome:    string(snap.LastOutcome),
		LastError:      snap.LastError,
		Sessions:       snap.Sessions,
		DroppedCommand: snap.Dropped,
	}
}

// stopInputs stops everything that can submit new commands.
func (c *components) stopInputs() {
	if c.listener != nil {
		c.listener.Close()
	}
	if c.control != nil {
		c.control.Close()
	}
}

func (c *components) close(ctx context.Context) error {
	var errs []error
	if c.presence != nil {
		c.presence.Close()
	}
	if c.publisher != nil {
		c.publisher.Close()
	}
	if c.pipeline != nil {
		if err := c.pipeline.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.engine != nil {
		if err := c.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	c.bus.Close()
	c.embedded.Shutdown()
	return errors.Join(errs...)
}

// hotkeySync re-syncs the key machine when a session ends without a hotkey Stop.
type hotkeySync struct {
	machine *hotkey.Machine
}

func (h hotkeySync) OnStateChanged(c daemon.StateChange) {
	switch c.To {
	case daemon.StateTranscribing, daemon.StateIdle, daemon.StateError:
		h.machine.Release()
	}
}

func (hotkeySync) OnLevelUpdated(audio.Level) {}

func (hotkeySync) OnResult(daemon.Outcome) {}
