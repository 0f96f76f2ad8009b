package notify

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/daemon"
	"github.com/loqalabs/loqa-dictate/internal/output"
)

func TestMessage(t *testing.T) {
	cases := []struct {
		name    string
		outcome daemon.Outcome
		want    string
		ok      bool
	}{
		{"injected", daemon.Outcome{Kind: daemon.OutcomeDelivered, Method: output.MethodInjection}, "", false},
		{"clipboard", daemon.Outcome{Kind: daemon.OutcomeDelivered, Method: output.MethodClipboard}, "clipboard", true},
		{"no speech", daemon.Outcome{Kind: daemon.OutcomeNoSpeech}, "", false},
		{"too short", daemon.Outcome{Kind: daemon.OutcomeTooShort}, "", false},
		{"timeout", daemon.Outcome{Kind: daemon.OutcomeError, Err: &daemon.SessionError{Kind: daemon.ErrorTimeout, Err: errors.New("x")}}, "too long", true},
		{"capture", daemon.Outcome{Kind: daemon.OutcomeError, Err: &daemon.SessionError{Kind: daemon.ErrorCapture, Err: errors.New("unplugged")}}, "unplugged", true},
		{"internal", daemon.Outcome{Kind: daemon.OutcomeError, Err: &daemon.SessionError{Kind: daemon.ErrorInternal, Err: errors.New("x")}}, "internal", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := Message(tc.outcome)
			if ok != tc.ok || !strings.Contains(msg, tc.want) {
				t.Fatalf("Message() = %q %v, want %q %v", msg, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestOnResultShowsNotification(t *testing.T) {
	shown := make(chan string, 1)
	n := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.show = func(_, message string) error {
		shown <- message
		return nil
	}
	n.OnResult(daemon.Outcome{Kind: daemon.OutcomeError, Err: &daemon.SessionError{Kind: daemon.ErrorDelivery, Err: output.ErrDelivery}})
	select {
	case msg := <-shown:
		if !strings.Contains(msg, "paste") {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not shown")
	}
}
