package output

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ErrDelivery means neither injection nor the clipboard accepted the text.
var ErrDelivery = errors.New("output delivery failed")

var errFocusLost = errors.New("focus could not be restored")

// Mode is the configured delivery preference.
type Mode int

const (
	ModeAuto Mode = iota
	ModeInjection
	ModeClipboard
)

func (m Mode) String() string {
	switch m {
	case ModeInjection:
		return "injection"
	case ModeClipboard:
		return "clipboard"
	default:
		return "auto"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return ModeAuto, nil
	case "injection", "inject", "type":
		return ModeInjection, nil
	case "clipboard":
		return ModeClipboard, nil
	}
	return ModeAuto, fmt.Errorf("unknown output mode %q", s)
}

// Method records how text was delivered.
type Method string

const (
	MethodNone      Method = ""
	MethodInjection Method = "injection"
	MethodClipboard Method = "clipboard"
)

// Target identifies the application that held focus when recording started. The
// zero value means no real application had focus.
type Target struct {
	ID  string `json:"id,omitempty"`
	App string `json:"app,omitempty"`
}

func (t Target) Absent() bool { return t.ID == "" }

// Sink is the platform surface text is delivered through.
type Sink interface {
	FocusedTarget() (Target, bool)
	RestoreFocus(Target) bool
	InjectText(text string) error
	CopyToClipboard(text string) error
}

// Dispatcher applies the delivery ladder: injection into the captured target when
// possible, otherwise a single clipboard fallback.
type Dispatcher struct {
	sink Sink
	mode Mode
	log  *slog.Logger
}

func NewDispatcher(sink Sink, mode Mode, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{sink: sink, mode: mode, log: log.With(slog.String("component", "output"))}
}

func (d *Dispatcher) Mode() Mode { return d.mode }

// Capture returns the currently focused target, or the zero Target.
func (d *Dispatcher) Capture() Target {
	t, ok := d.sink.FocusedTarget()
	if !ok {
		return Target{}
	}
	return t
}

// Deliver hands text to the target. An absent target always goes to the clipboard.
func (d *Dispatcher) Deliver(text string, target Target) (Method, error) {
	if text == "" {
		return MethodNone, nil
	}
	if target.Absent() || d.mode == ModeClipboard {
		return d.copy(text, nil)
	}

	var cause error
	if d.sink.RestoreFocus(target) {
		err := d.sink.InjectText(text)
		if err == nil {
			return MethodInjection, nil
		}
		cause = fmt.Errorf("inject text: %w", err)
	} else {
		cause = errFocusLost
		if d.mode == ModeInjection {
			err := d.sink.InjectText(text)
			if err == nil {
				return MethodInjection, nil
			}
			cause = errors.Join(cause, fmt.Errorf("inject text: %w", err))
		}
	}
	d.log.Info("falling back to clipboard",
		slog.String("target", target.App),
		slog.String("reason", cause.Error()))
	return d.copy(text, cause)
}

func (d *Dispatcher) copy(text string, cause error) (Method, error) {
	if err := d.sink.CopyToClipboard(text); err != nil {
		return MethodNone, fmt.Errorf("%w: %w", ErrDelivery, errors.Join(cause, fmt.Errorf("copy to clipboard: %w", err)))
	}
	return MethodClipboard, nil
}

// desktopSurfaces are window classes that belong to the shell rather than an
// application.
var desktopSurfaces = map[string]bool{
	"progman":          true,
	"workerw":          true,
	"shell_traywnd":    true,
	"desktop":          true,
	"xfdesktop":        true,
	"nautilus-desktop": true,
	"plasmashell":      true,
}

// IsDesktopSurface reports whether a window class names a shell surface, which
// counts as no target.
func IsDesktopSurface(class string) bool {
	return desktopSurfaces[strings.ToLower(strings.TrimSpace(class))]
}
