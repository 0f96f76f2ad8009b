package hotkey

import (
	"testing"
	"time"

	hook "github.com/robotn/gohook"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

func newTestMachine(t *testing.T, keys string, mode Mode, debounce time.Duration) *Machine {
	t.Helper()
	combo, err := ParseHotkey(keys)
	if err != nil {
		t.Fatalf("parse hotkey: %v", err)
	}
	m := NewMachine(Options{Combo: combo, Mode: mode, Debounce: debounce, Enabled: true})
	m.now = func() time.Time { return epoch }
	return m
}

// tap presses and releases every key of names at the given millisecond offset and
// returns the commands produced.
func tap(m *Machine, ms int, names ...string) []Command {
	var out []Command
	for _, n := range names {
		if cmd, ok := m.Handle(Event{Kind: KeyDown, Key: RawEvent{Name: n}, At: at(ms)}); ok {
			out = append(out, cmd)
		}
	}
	for i := len(names) - 1; i >= 0; i-- {
		if cmd, ok := m.Handle(Event{Kind: KeyUp, Key: RawEvent{Name: names[i]}, At: at(ms + 10)}); ok {
			out = append(out, cmd)
		}
	}
	return out
}

func TestToggleDebounceScenario(t *testing.T) {
	m := newTestMachine(t, "alt_r", ModeToggle, 300*time.Millisecond)

	if got := tap(m, 0, "alt_r"); len(got) != 1 || got[0] != CommandStart {
		t.Fatalf("press@0: expected start, got %v", got)
	}
	if got := tap(m, 100, "alt_r"); len(got) != 0 {
		t.Fatalf("press@100: expected ignored, got %v", got)
	}
	if got := tap(m, 500, "alt_r"); len(got) != 1 || got[0] != CommandStop {
		t.Fatalf("press@500: expected stop, got %v", got)
	}
	m.now = func() time.Time { return at(600) }
	if s := m.State(); s != StateDebounced {
		t.Fatalf("expected debounced right after stop, got %s", s)
	}
	if got := tap(m, 700, "alt_r"); len(got) != 0 {
		t.Fatalf("press@700: expected dropped inside debounce window, got %v", got)
	}
	m.now = func() time.Time { return at(900) }
	if s := m.State(); s != StateIdle {
		t.Fatalf("expected idle after window, got %s", s)
	}
	if got := tap(m, 1000, "alt_r"); len(got) != 1 || got[0] != CommandStart {
		t.Fatalf("press@1000: expected start, got %v", got)
	}
}

func TestToggleRequiresFullCombo(t *testing.T) {
	m := newTestMachine(t, "ctrl+alt+d", ModeToggle, 0)

	if got := tap(m, 0, "d"); len(got) != 0 {
		t.Fatalf("expected no command for partial combo, got %v", got)
	}
	if got := tap(m, 100, "ctrl", "alt", "d"); len(got) != 1 || got[0] != CommandStart {
		t.Fatalf("expected start, got %v", got)
	}
	// raw virtual-key codes delivered while ctrl is held still match
	var got []Command
	for _, ev := range []RawEvent{{Code: 162}, {Code: 164}, {Char: 0x04, Code: 68}} {
		if cmd, ok := m.Handle(Event{Kind: KeyDown, Key: ev, At: at(200)}); ok {
			got = append(got, cmd)
		}
	}
	if len(got) != 1 || got[0] != CommandStop {
		t.Fatalf("expected stop from vk codes, got %v", got)
	}
}

func TestHeldComboEmitsOnce(t *testing.T) {
	m := newTestMachine(t, "f9", ModeToggle, 0)
	var got []Command
	for i := 0; i < 5; i++ {
		if cmd, ok := m.Handle(Event{Kind: KeyDown, Key: RawEvent{Name: "f9"}, At: at(i * 30)}); ok {
			got = append(got, cmd)
		}
	}
	if len(got) != 1 {
		t.Fatalf("expected auto-repeat to emit once, got %v", got)
	}
}

func TestPushToTalk(t *testing.T) {
	m := newTestMachine(t, "ctrl+space", ModePushToTalk, 300*time.Millisecond)

	down := func(name string, ms int) (Command, bool) {
		return m.Handle(Event{Kind: KeyDown, Key: RawEvent{Name: name}, At: at(ms)})
	}
	up := func(name string, ms int) (Command, bool) {
		return m.Handle(Event{Kind: KeyUp, Key: RawEvent{Name: name}, At: at(ms)})
	}

	if _, ok := down("ctrl", 0); ok {
		t.Fatal("modifier alone must not start")
	}
	if cmd, ok := down("space", 0); !ok || cmd != CommandStart {
		t.Fatalf("expected start on key-down, got %v %v", cmd, ok)
	}
	if s := m.State(); s != StateArmed {
		t.Fatalf("expected armed, got %s", s)
	}
	if cmd, ok := up("ctrl", 2000); !ok || cmd != CommandStop {
		t.Fatalf("expected stop when any combo key is released, got %v %v", cmd, ok)
	}
	if _, ok := up("space", 2010); ok {
		t.Fatal("second release must not emit")
	}
	if s := m.State(); s != StateIdle {
		t.Fatalf("expected idle, got %s", s)
	}
	// no debounce in push-to-talk
	down("ctrl", 2020)
	if cmd, ok := down("space", 2030); !ok || cmd != CommandStart {
		t.Fatalf("expected immediate restart, got %v %v", cmd, ok)
	}
}

func TestDisabledSuppressesCommands(t *testing.T) {
	m := newTestMachine(t, "f8", ModeToggle, 0)
	m.SetEnabled(false)
	if got := tap(m, 0, "f8"); len(got) != 0 {
		t.Fatalf("expected no commands while disabled, got %v", got)
	}
	m.SetEnabled(true)
	if got := tap(m, 100, "f8"); len(got) != 1 || got[0] != CommandStart {
		t.Fatalf("expected start after enabling, got %v", got)
	}
}

func TestReleaseResyncs(t *testing.T) {
	m := newTestMachine(t, "f8", ModeToggle, 300*time.Millisecond)
	tap(m, 0, "f8")
	m.Release()
	m.now = func() time.Time { return at(1000) }
	if s := m.State(); s != StateIdle {
		t.Fatalf("expected idle after release, got %s", s)
	}
	if got := tap(m, 1000, "f8"); len(got) != 1 || got[0] != CommandStart {
		t.Fatalf("expected next press to start, got %v", got)
	}
}

func TestTranslate(t *testing.T) {
	ev, ok := translateOn("windows", hook.Event{Kind: hook.KeyHold, Keycode: 0x0E38, Rawcode: 165, Keychar: charUndefined, When: epoch})
	if !ok || ev.Kind != KeyDown || ev.Key.Scan != 0x0E38 || ev.Key.Code != 165 || ev.Key.Char != 0 || ev.Key.Name != "" {
		t.Fatalf("unexpected key hold translation: %+v %v", ev, ok)
	}
	ev, ok = translateOn("linux", hook.Event{Kind: hook.KeyUp, Keycode: 0x001D, Rawcode: 65507})
	if !ok || ev.Kind != KeyUp || ev.Key.Code != 0 {
		t.Fatalf("keysym rawcode must not be used as a virtual-key: %+v %v", ev, ok)
	}
	if _, ok := translateOn("linux", hook.Event{Kind: hook.KeyDown, Keychar: 'a'}); ok {
		t.Fatal("typed-character events must be skipped")
	}
}

// Hook codes as each platform reports them for left ctrl, left alt and d.
var platformChords = map[string][3]hook.Event{
	"windows": {
		{Keycode: 0x001D, Rawcode: 162},
		{Keycode: 0x0038, Rawcode: 164},
		{Keycode: 0x0020, Rawcode: 68},
	},
	"linux": {
		{Keycode: 0x001D, Rawcode: 65507},
		{Keycode: 0x0038, Rawcode: 65513},
		{Keycode: 0x0020, Rawcode: 100},
	},
	"darwin": {
		{Keycode: 0x001D, Rawcode: 59},
		{Keycode: 0x0038, Rawcode: 58},
		{Keycode: 0x0020, Rawcode: 2},
	},
}

func hookTap(t *testing.T, m *Machine, goos string, ms int, events ...hook.Event) []Command {
	t.Helper()
	var out []Command
	send := func(kind uint8, raw hook.Event) {
		raw.Kind = kind
		raw.When = at(ms)
		raw.Keychar = charUndefined
		ev, ok := translateOn(goos, raw)
		if !ok {
			t.Fatalf("event %+v not translated", raw)
		}
		if cmd, ok := m.Handle(ev); ok {
			out = append(out, cmd)
		}
	}
	for _, ev := range events {
		send(hook.KeyHold, ev)
	}
	for i := len(events) - 1; i >= 0; i-- {
		send(hook.KeyUp, events[i])
	}
	return out
}

func TestHookEventsNormalizeToModifiers(t *testing.T) {
	norm := NewNormalizer()
	for goos, chord := range platformChords {
		t.Run(goos, func(t *testing.T) {
			want := []Key{"ctrl", "alt", "d"}
			for i, raw := range chord {
				raw.Kind = hook.KeyHold
				raw.Keychar = charUndefined
				ev, _ := translateOn(goos, raw)
				if got := norm.Normalize(ev.Key); got != want[i] {
					t.Fatalf("keycode %#x rawcode %d normalized to %q, want %q", raw.Keycode, raw.Rawcode, got, want[i])
				}
			}

			m := newTestMachine(t, "<ctrl>+<alt>+d", ModeToggle, 0)
			if got := hookTap(t, m, goos, 0, chord[:]...); len(got) != 1 || got[0] != CommandStart {
				t.Fatalf("ctrl+alt+d from hook events emitted %v, want one start", got)
			}
		})
	}
}

func TestHookRightAltDefaultHotkey(t *testing.T) {
	for _, goos := range []string{"windows", "linux", "darwin"} {
		m := newTestMachine(t, "alt_r", ModePushToTalk, 0)
		got := hookTap(t, m, goos, 0, hook.Event{Keycode: 0x0E38, Rawcode: 165})
		if len(got) != 2 || got[0] != CommandStart || got[1] != CommandStop {
			t.Fatalf("%s: right alt emitted %v, want start then stop", goos, got)
		}
		if got := hookTap(t, m, goos, 100, hook.Event{Keycode: 0x0038, Rawcode: 164}); len(got) != 0 {
			t.Fatalf("%s: left alt must not trigger a pinned right alt, got %v", goos, got)
		}
	}
}

func TestWindowsVirtualKeyFallback(t *testing.T) {
	norm := NewNormalizer("alt_r")
	ev, _ := translateOn("windows", hook.Event{Kind: hook.KeyHold, Rawcode: 165, Keychar: charUndefined})
	if got := norm.Normalize(ev.Key); got != "alt_r" {
		t.Fatalf("undefined keycode with VK 165 normalized to %q", got)
	}
	ev, _ = translateOn("linux", hook.Event{Kind: hook.KeyHold, Rawcode: 65027, Keychar: charUndefined})
	if got := norm.Normalize(ev.Key); got != "" {
		t.Fatalf("unknown keysym normalized to %q, want nothing", got)
	}
}
