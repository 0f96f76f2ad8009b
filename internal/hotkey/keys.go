package hotkey

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Key is the canonical identity of a physical key, independent of shift state and,
// unless pinned, of left/right modifier variants.
type Key string

// RawEvent is a key identity as a platform hook delivers it. Any field may be empty.
// Scan is the hook's layout-independent virtual code; Code is a Windows virtual-key.
type RawEvent struct {
	Name string
	Scan uint16
	Char rune
	Code uint16
}

// Event returns a raw event that normalizes back to k.
func (k Key) Event() RawEvent {
	return RawEvent{Name: string(k)}
}

func (k Key) String() string { return string(k) }

// Modifier reports whether k is one of the modifier classes or variants.
func (k Key) Modifier() bool {
	_, generic := variantOf[k]
	switch k {
	case "alt", "ctrl", "shift", "cmd":
		return true
	}
	return generic
}

// variantOf maps side-specific modifiers to their generic class.
var variantOf = map[Key]Key{
	"alt_l":   "alt",
	"alt_r":   "alt",
	"alt_gr":  "alt",
	"ctrl_l":  "ctrl",
	"ctrl_r":  "ctrl",
	"shift_l": "shift",
	"shift_r": "shift",
	"cmd_l":   "cmd",
	"cmd_r":   "cmd",
}

var nameAliases = map[string]Key{
	"control":     "ctrl",
	"lctrl":       "ctrl_l",
	"rctrl":       "ctrl_r",
	"lcontrol":    "ctrl_l",
	"rcontrol":    "ctrl_r",
	"command":     "cmd",
	"super":       "cmd",
	"win":         "cmd",
	"windows":     "cmd",
	"meta":        "cmd",
	"lcmd":        "cmd_l",
	"rcmd":        "cmd_r",
	"option":      "alt",
	"lalt":        "alt_l",
	"ralt":        "alt_r",
	"altgr":       "alt_gr",
	"lshift":      "shift_l",
	"rshift":      "shift_r",
	"return":      "enter",
	"escape":      "esc",
	"spacebar":    "space",
	"del":         "delete",
	"ins":         "insert",
	"pgup":        "page_up",
	"pageup":      "page_up",
	"pgdn":        "page_down",
	"pagedown":    "page_down",
	"capslock":    "caps_lock",
	"numlock":     "num_lock",
	"scrolllock":  "scroll_lock",
	"printscreen": "print_screen",
}

var namedKeys = map[Key]bool{
	"alt": true, "ctrl": true, "shift": true, "cmd": true,
	"space": true, "enter": true, "tab": true, "esc": true, "backspace": true,
	"delete": true, "insert": true, "home": true, "end": true,
	"page_up": true, "page_down": true, "caps_lock": true, "num_lock": true,
	"scroll_lock": true, "print_screen": true, "pause": true,
	"up": true, "down": true, "left": true, "right": true,
}

// Windows virtual-key codes. Punctuation codes are needed because a held Ctrl or
// Alt makes some hooks deliver the code instead of the character.
var codeKeys = map[uint16]Key{
	8:   "backspace",
	9:   "tab",
	13:  "enter",
	27:  "esc",
	32:  "space",
	33:  "page_up",
	34:  "page_down",
	35:  "end",
	36:  "home",
	37:  "left",
	38:  "up",
	39:  "right",
	40:  "down",
	45:  "insert",
	46:  "delete",
	91:  "cmd_l",
	92:  "cmd_r",
	160: "shift_l",
	161: "shift_r",
	162: "ctrl_l",
	163: "ctrl_r",
	164: "alt_l",
	165: "alt_r",
	186: ";",
	187: "=",
	188: ",",
	189: "-",
	190: ".",
	191: "/",
	192: "`",
	219: "[",
	220: "\\",
	221: "]",
	222: "'",
}

// libuiohook virtual codes, identical on every platform gohook supports.
var scanKeys = map[uint16]Key{
	0x0001: "esc",
	0x0002: "1",
	0x0003: "2",
	0x0004: "3",
	0x0005: "4",
	0x0006: "5",
	0x0007: "6",
	0x0008: "7",
	0x0009: "8",
	0x000A: "9",
	0x000B: "0",
	0x000C: "-",
	0x000D: "=",
	0x000E: "backspace",
	0x000F: "tab",
	0x0010: "q",
	0x0011: "w",
	0x0012: "e",
	0x0013: "r",
	0x0014: "t",
	0x0015: "y",
	0x0016: "u",
	0x0017: "i",
	0x0018: "o",
	0x0019: "p",
	0x001A: "[",
	0x001B: "]",
	0x001C: "enter",
	0x001D: "ctrl_l",
	0x001E: "a",
	0x001F: "s",
	0x0020: "d",
	0x0021: "f",
	0x0022: "g",
	0x0023: "h",
	0x0024: "j",
	0x0025: "k",
	0x0026: "l",
	0x0027: ";",
	0x0028: "'",
	0x0029: "`",
	0x002A: "shift_l",
	0x002B: "\\",
	0x002C: "z",
	0x002D: "x",
	0x002E: "c",
	0x002F: "v",
	0x0030: "b",
	0x0031: "n",
	0x0032: "m",
	0x0033: ",",
	0x0034: ".",
	0x0035: "/",
	0x0036: "shift_r",
	0x0038: "alt_l",
	0x0039: "space",
	0x003A: "caps_lock",
	0x003B: "f1",
	0x003C: "f2",
	0x003D: "f3",
	0x003E: "f4",
	0x003F: "f5",
	0x0040: "f6",
	0x0041: "f7",
	0x0042: "f8",
	0x0043: "f9",
	0x0044: "f10",
	0x0045: "num_lock",
	0x0046: "scroll_lock",
	0x0057: "f11",
	0x0058: "f12",
	0x005B: "f13",
	0x005C: "f14",
	0x005D: "f15",
	0x0063: "f16",
	0x0064: "f17",
	0x0065: "f18",
	0x0066: "f19",
	0x0067: "f20",
	0x0068: "f21",
	0x0069: "f22",
	0x006A: "f23",
	0x006B: "f24",
	0x0E1D: "ctrl_r",
	0x0E37: "print_screen",
	0x0E38: "alt_r",
	0x0E45: "pause",
	0x0E47: "home",
	0x0E49: "page_up",
	0x0E4F: "end",
	0x0E51: "page_down",
	0x0E52: "insert",
	0x0E53: "delete",
	0x0E5B: "cmd_l",
	0x0E5C: "cmd_r",
	0xE048: "up",
	0xE04B: "left",
	0xE04D: "right",
	0xE050: "down",
}

// Normalizer turns raw key events into Keys. Pinned variants stay distinct from
// their generic class.
type Normalizer struct {
	pinned map[Key]bool
}

// NewNormalizer pins every side-specific modifier that appears in keys.
func NewNormalizer(keys ...Key) Normalizer {
	n := Normalizer{pinned: make(map[Key]bool)}
	for _, k := range keys {
		if _, ok := variantOf[k]; ok {
			n.pinned[k] = true
		}
	}
	return n
}

// Normalize returns the canonical key for ev, or "" when ev carries nothing usable.
func (n Normalizer) Normalize(ev RawEvent) Key {
	if ev.Name != "" {
		if k := canonicalName(ev.Name); k != "" {
			return n.collapse(k)
		}
	}
	if k, ok := scanKeys[ev.Scan]; ok {
		return n.collapse(k)
	}
	if ev.Char != 0 {
		if k := charKey(ev.Char); k != "" {
			return n.collapse(k)
		}
	}
	if ev.Code != 0 {
		return n.collapse(codeKey(ev.Code))
	}
	return ""
}

func (n Normalizer) collapse(k Key) Key {
	generic, ok := variantOf[k]
	if !ok {
		return k
	}
	if n.pinned[k] {
		return k
	}
	// AltGr arrives as right Alt on most layouts and vice versa.
	if k == "alt_r" && n.pinned["alt_gr"] {
		return "alt_gr"
	}
	if k == "alt_gr" && n.pinned["alt_r"] {
		return "alt_r"
	}
	return generic
}

func canonicalName(name string) Key {
	s := strings.ToLower(strings.TrimSpace(name))
	if len(s) > 2 && strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return ""
	}
	if r := []rune(s); len(r) == 1 {
		return charKey(r[0])
	}
	if k, ok := nameAliases[s]; ok {
		return k
	}
	k := Key(s)
	if namedKeys[k] {
		return k
	}
	if _, ok := variantOf[k]; ok {
		return k
	}
	if isFunctionKey(s) || isRawCodeKey(s) {
		return k
	}
	return ""
}

func charKey(r rune) Key {
	switch r {
	case ' ':
		return "space"
	case '\n', '\r':
		return "enter"
	case '\t':
		return "tab"
	case 0x1b:
		return "esc"
	case 0x08:
		return "backspace"
	}
	if !unicode.IsPrint(r) {
		return ""
	}
	return Key(string(unicode.ToLower(r)))
}

func codeKey(code uint16) Key {
	switch {
	case code >= 65 && code <= 90:
		return Key(string(rune('a' + code - 65)))
	case code >= 48 && code <= 57:
		return Key(string(rune('0' + code - 48)))
	case code >= 112 && code <= 135:
		return Key(fmt.Sprintf("f%d", code-111))
	}
	if k, ok := codeKeys[code]; ok {
		return k
	}
	return Key(fmt.Sprintf("vk%d", code))
}

func isFunctionKey(s string) bool {
	if len(s) < 2 || s[0] != 'f' {
		return false
	}
	n, err := strconv.Atoi(s[1:])
	return err == nil && n >= 1 && n <= 24
}

func isRawCodeKey(s string) bool {
	if !strings.HasPrefix(s, "vk") {
		return false
	}
	_, err := strconv.ParseUint(s[2:], 10, 16)
	return err == nil
}
