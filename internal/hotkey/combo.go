package hotkey

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidHotkey = errors.New("invalid hotkey")

// Mode selects how the combo drives recording.
type Mode int

const (
	ModeToggle Mode = iota
	ModePushToTalk
)

func (m Mode) String() string {
	if m == ModePushToTalk {
		return "push_to_talk"
	}
	return "toggle"
}

// ParseMode accepts the configuration spellings of both modes.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "toggle", "":
		return ModeToggle, nil
	case "push_to_talk", "push-to-talk", "ptt":
		return ModePushToTalk, nil
	}
	return ModeToggle, fmt.Errorf("%w: unknown mode %q", ErrInvalidHotkey, s)
}

// Combo is the set of keys that must be held together.
type Combo struct {
	keys []Key
}

// ParseCombo builds a combo from a main key and its modifiers.
func ParseCombo(key string, modifiers []string) (Combo, error) {
	parts := append(append([]string{}, modifiers...), key)
	return comboFromParts(parts)
}

// ParseHotkey parses "<ctrl>+<alt>+d" or "ctrl+alt+d". A trailing "+" names the plus key.
func ParseHotkey(s string) (Combo, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Combo{}, fmt.Errorf("%w: empty", ErrInvalidHotkey)
	}
	var parts []string
	if strings.HasSuffix(s, "++") || s == "+" {
		parts = append(splitPlus(strings.TrimSuffix(s, "+")), "+")
	} else {
		parts = splitPlus(s)
	}
	return comboFromParts(parts)
}

func splitPlus(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, "+") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func comboFromParts(parts []string) (Combo, error) {
	seen := make(map[Key]bool)
	var keys []Key
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k := canonicalName(p)
		if k == "" {
			return Combo{}, fmt.Errorf("%w: unknown key %q", ErrInvalidHotkey, p)
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return Combo{}, fmt.Errorf("%w: no keys", ErrInvalidHotkey)
	}
	// Combos made only of modifiers are fine (for example right Alt alone), but
	// shift combined with punctuation cannot match because shift changes the character.
	if seen["shift"] || seen["shift_l"] || seen["shift_r"] {
		for _, k := range keys {
			if isPunctuation(k) {
				return Combo{}, fmt.Errorf("%w: shift cannot be combined with %q", ErrInvalidHotkey, k)
			}
		}
	}
	return Combo{keys: keys}, nil
}

func isPunctuation(k Key) bool {
	r := []rune(string(k))
	if len(r) != 1 {
		return false
	}
	c := r[0]
	return !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9')
}

// Keys returns the combo keys in configuration order.
func (c Combo) Keys() []Key {
	return append([]Key(nil), c.keys...)
}

// Normalizer returns a normalizer pinned to the variants this combo names.
func (c Combo) Normalizer() Normalizer {
	return NewNormalizer(c.keys...)
}

// Contains reports whether k is part of the combo.
func (c Combo) Contains(k Key) bool {
	for _, ck := range c.keys {
		if ck == k {
			return true
		}
	}
	return false
}

// Satisfied reports whether every combo key is in pressed.
func (c Combo) Satisfied(pressed map[Key]bool) bool {
	if len(c.keys) == 0 {
		return false
	}
	for _, k := range c.keys {
		if !pressed[k] {
			return false
		}
	}
	return true
}

func (c Combo) String() string {
	parts := make([]string, len(c.keys))
	for i, k := range c.keys {
		if namedKeys[k] || isFunctionKey(string(k)) || k.Modifier() {
			parts[i] = "<" + string(k) + ">"
		} else {
			parts[i] = string(k)
		}
	}
	return strings.Join(parts, "+")
}
