//go:build !whisper

package stt

import (
	"errors"
	"log/slog"
)

func newWhisperBackend(*slog.Logger) (Backend, error) {
	return nil, errors.New("in-process whisper engine not compiled in; rebuild with -tags whisper or set engine.mode to exec")
}
