package hotkey

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	generic := NewNormalizer()
	pinnedRight := NewNormalizer("alt_r")
	pinnedGr := NewNormalizer("alt_gr")

	cases := []struct {
		name string
		norm Normalizer
		ev   RawEvent
		want Key
	}{
		{"lowercase char", generic, RawEvent{Char: 'D'}, "d"},
		{"space char", generic, RawEvent{Char: ' '}, "space"},
		{"newline char", generic, RawEvent{Char: '\r'}, "enter"},
		{"named alias", generic, RawEvent{Name: "Control"}, "ctrl"},
		{"bracketed name", generic, RawEvent{Name: "<cmd>"}, "cmd"},
		{"function key", generic, RawEvent{Name: "F13"}, "f13"},
		{"right alt collapses", generic, RawEvent{Code: 165}, "alt"},
		{"right alt pinned", pinnedRight, RawEvent{Code: 165}, "alt_r"},
		{"left alt with right pinned", pinnedRight, RawEvent{Code: 164}, "alt"},
		{"altgr pin accepts right alt", pinnedGr, RawEvent{Name: "alt_r"}, "alt_gr"},
		{"control code falls back to vk", generic, RawEvent{Char: 0x04, Code: 68}, "d"},
		{"punctuation vk", generic, RawEvent{Code: 186}, ";"},
		{"digit vk", generic, RawEvent{Code: 55}, "7"},
		{"function vk", generic, RawEvent{Code: 123}, "f12"},
		{"unknown vk", generic, RawEvent{Code: 255}, "vk255"},
		{"shift keeps produced char", generic, RawEvent{Char: '+'}, "+"},
		{"empty", generic, RawEvent{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.norm.Normalize(tc.ev); got != tc.want {
				t.Fatalf("Normalize(%+v) = %q, want %q", tc.ev, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	norms := []Normalizer{NewNormalizer(), NewNormalizer("alt_r", "ctrl_l"), NewNormalizer("alt_gr")}
	var events []RawEvent
	for code := uint16(1); code < 256; code++ {
		events = append(events, RawEvent{Code: code})
	}
	for _, r := range "aZ09;=,-./`[]\\' <>+\t\n" {
		events = append(events, RawEvent{Char: r})
	}
	for _, name := range []string{"alt_gr", "rctrl", "Return", "escape", "f24", "page_down", "<shift_r>"} {
		events = append(events, RawEvent{Name: name})
	}

	for _, n := range norms {
		for _, ev := range events {
			once := n.Normalize(ev)
			if once == "" {
				continue
			}
			if twice := n.Normalize(once.Event()); twice != once {
				t.Fatalf("normalize not idempotent for %+v: %q then %q", ev, once, twice)
			}
		}
	}
}

func TestParseHotkey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"<ctrl>+<alt>+d", "<ctrl>+<alt>+d"},
		{"ctrl+shift+space", "<ctrl>+<shift>+<space>"},
		{"alt_r", "<alt_r>"},
		{"command+F5", "<cmd>+<f5>"},
		{"ctrl++", "<ctrl>++"},
	}
	for _, tc := range cases {
		combo, err := ParseHotkey(tc.in)
		if err != nil {
			t.Fatalf("ParseHotkey(%q): %v", tc.in, err)
		}
		if got := combo.String(); got != tc.want {
			t.Fatalf("ParseHotkey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseHotkeyRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "ctrl+hyper", "shift+="} {
		if _, err := ParseHotkey(in); !errors.Is(err, ErrInvalidHotkey) {
			t.Fatalf("ParseHotkey(%q) expected ErrInvalidHotkey, got %v", in, err)
		}
	}
}

func TestParseCombo(t *testing.T) {
	combo, err := ParseCombo("D", []string{"ctrl", "alt"})
	if err != nil {
		t.Fatalf("ParseCombo: %v", err)
	}
	keys := combo.Keys()
	if len(keys) != 3 || keys[0] != "ctrl" || keys[1] != "alt" || keys[2] != "d" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if !combo.Satisfied(map[Key]bool{"ctrl": true, "alt": true, "d": true, "x": true}) {
		t.Fatal("expected superset of pressed keys to satisfy combo")
	}
	if combo.Satisfied(map[Key]bool{"ctrl": true, "d": true}) {
		t.Fatal("expected missing modifier to fail")
	}
}
