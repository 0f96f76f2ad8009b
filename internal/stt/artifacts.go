package stt

import "strings"

// Parenthesized annotations whisper emits for non-speech audio. Square-bracketed
// annotations are all treated as non-speech.
var nonSpeechMarkers = map[string]bool{
	"blank_audio": true,
	"blank audio": true,
	"silence":     true,
	"music":       true,
	"applause":    true,
	"laughter":    true,
	"inaudible":   true,
	"noise":       true,
}

// IsNonSpeech reports whether text carries no dictated words: empty, or only
// annotations like "[BLANK_AUDIO]" and "(MUSIC)".
func IsNonSpeech(text string) bool {
	rest := strings.TrimSpace(text)
	if rest == "" {
		return true
	}
	for rest != "" {
		var closing byte
		switch rest[0] {
		case '[':
			closing = ']'
		case '(':
			closing = ')'
		default:
			return false
		}
		end := strings.IndexByte(rest, closing)
		if end < 0 {
			return false
		}
		inner := strings.ToLower(strings.TrimSpace(rest[1:end]))
		if closing == ')' && !nonSpeechMarkers[inner] {
			return false
		}
		rest = strings.TrimLeft(rest[end+1:], " \t\r\n.,")
	}
	return true
}
