package hotkey

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"unicode"

	hook "github.com/robotn/gohook"
)

// charUndefined is libuiohook's marker for events without a typed character.
const charUndefined rune = 0xFFFF

// Listener bridges the global gohook event stream into a Machine. The platform hook
// keeps running while the machine is disabled; only command emission stops.
type Listener struct {
	machine *Machine
	sink    func(Command)
	log     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewListener(machine *Machine, sink func(Command), log *slog.Logger) *Listener {
	return &Listener{
		machine: machine,
		sink:    sink,
		log:     log.With(slog.String("component", "hotkey")),
	}
}

// Start installs the global hook. It requires the platform event pump that gohook
// drives (X11/Wayland session, Windows desktop, macOS accessibility permission).
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	events := hook.Start()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.consume(ctx, events)
	}()

	l.log.Info("hotkey listener started",
		slog.String("combo", l.machine.Combo().String()),
		slog.String("mode", l.machine.Mode().String()))
	return nil
}

func (l *Listener) consume(ctx context.Context, events chan hook.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			ev, ok := translate(raw)
			if !ok {
				continue
			}
			if cmd, ok := l.machine.Handle(ev); ok {
				l.log.Debug("hotkey command", slog.String("command", cmd.String()))
				l.sink(cmd)
			}
		}
	}
}

// Close removes the global hook and waits for the consumer goroutine.
func (l *Listener) Close() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	hook.End()
	l.wg.Wait()
	l.log.Info("hotkey listener stopped")
}

// translate maps a gohook event to a raw key transition. KeyHold is the physical
// press; KeyDown is the typed character that follows it and is skipped to avoid
// counting a press twice. Rawcode is a virtual-key only on Windows; X11 reports a
// keysym and macOS a key code, so elsewhere only Keycode identifies the key.
func translate(ev hook.Event) (Event, bool) {
	return translateOn(runtime.GOOS, ev)
}

func translateOn(goos string, ev hook.Event) (Event, bool) {
	var kind EventKind
	switch ev.Kind {
	case hook.KeyHold:
		kind = KeyDown
	case hook.KeyUp:
		kind = KeyUp
	default:
		return Event{}, false
	}
	raw := RawEvent{Scan: ev.Keycode}
	if ev.Keychar != charUndefined && unicode.IsPrint(ev.Keychar) {
		raw.Char = ev.Keychar
	}
	if goos == "windows" {
		raw.Code = ev.Rawcode
	}
	return Event{Kind: kind, Key: raw, At: ev.When}, true
}
