package output

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"
)

// focusTracker is implemented per platform.
type focusTracker interface {
	active() (Target, bool)
	activate(Target) bool
}

type SinkOptions struct {
	PasteDelay       time.Duration
	RestoreClipboard bool
}

// SystemSink delivers through the OS clipboard and a synthesized paste shortcut.
type SystemSink struct {
	opts  SinkOptions
	focus focusTracker
	log   *slog.Logger

	kbOnce sync.Once
	kb     *keybd_event.KeyBonding
	kbErr  error
	mu     sync.Mutex
}

func NewSystemSink(opts SinkOptions, log *slog.Logger) *SystemSink {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SystemSink{
		opts:  opts,
		focus: newFocusTracker(),
		log:   log.With(slog.String("component", "output-sink")),
	}
}

func (s *SystemSink) FocusedTarget() (Target, bool) {
	t, ok := s.focus.active()
	if !ok || t.Absent() {
		return Target{}, false
	}
	return t, true
}

func (s *SystemSink) RestoreFocus(t Target) bool {
	if t.Absent() {
		return false
	}
	return s.focus.activate(t)
}

// InjectText puts text on the clipboard, sends the paste shortcut and then puts
// back what the clipboard held before.
func (s *SystemSink) InjectText(text string) error {
	if clipboard.Unsupported {
		return errors.New("clipboard unsupported on this system")
	}
	kb, err := s.keyboard()
	if err != nil {
		return fmt.Errorf("keyboard: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var orig string
	if s.opts.RestoreClipboard {
		orig, _ = clipboard.ReadAll()
	}
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	time.Sleep(s.opts.PasteDelay)

	if runtime.GOOS == "darwin" {
		kb.HasSuper(true)
	} else {
		kb.HasCTRL(true)
	}
	kb.SetKeys(keybd_event.VK_V)
	if err := kb.Launching(); err != nil {
		return fmt.Errorf("send paste: %w", err)
	}

	if s.opts.RestoreClipboard {
		// The target reads the clipboard asynchronously after the shortcut.
		time.Sleep(120 * time.Millisecond)
		if err := clipboard.WriteAll(orig); err != nil {
			s.log.Warn("failed to restore clipboard", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *SystemSink) CopyToClipboard(text string) error {
	if clipboard.Unsupported {
		return errors.New("clipboard unsupported on this system")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return clipboard.WriteAll(text)
}

func (s *SystemSink) keyboard() (*keybd_event.KeyBonding, error) {
	s.kbOnce.Do(func() {
		kb, err := keybd_event.NewKeyBonding()
		if err != nil {
			s.kbErr = err
			return
		}
		// uinput needs time to register the virtual device.
		if runtime.GOOS == "linux" {
			time.Sleep(2 * time.Second)
		}
		s.kb = &kb
	})
	return s.kb, s.kbErr
}
