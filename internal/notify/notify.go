package notify

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/beeep"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/daemon"
	"github.com/loqalabs/loqa-dictate/internal/output"
)

const title = "Dictation"

// Notifier shows desktop notifications for sessions the user would otherwise not see
// end: failures, and text that landed on the clipboard instead of the window.
type Notifier struct {
	show func(title, message string) error
	log  *slog.Logger
}

func New(log *slog.Logger) *Notifier {
	return &Notifier{
		show: func(title, message string) error { return beeep.Notify(title, message, "") },
		log:  log.With(slog.String("component", "notify")),
	}
}

func (n *Notifier) OnStateChanged(daemon.StateChange) {}

func (n *Notifier) OnLevelUpdated(audio.Level) {}

func (n *Notifier) OnResult(o daemon.Outcome) {
	msg, ok := Message(o)
	if !ok {
		return
	}
	// beeep shells out on some platforms; keep it off the orchestrator goroutine.
	go func() {
		if err := n.show(title, msg); err != nil {
			n.log.Debug("notification failed", slog.String("error", err.Error()))
		}
	}()
}

// Message returns the notification text for an outcome, if it warrants one.
func Message(o daemon.Outcome) (string, bool) {
	if o.Err != nil {
		switch o.Err.Kind {
		case daemon.ErrorCapture:
			return "Microphone unavailable: " + o.Err.Err.Error(), true
		case daemon.ErrorEngineLoad:
			return "Speech model failed to load. Check the model path and reload.", true
		case daemon.ErrorTimeout:
			return "Transcription took too long and was cancelled.", true
		case daemon.ErrorDelivery:
			return "Could not paste or copy the text.", true
		default:
			return fmt.Sprintf("Dictation failed (%s).", o.Err.Kind), true
		}
	}
	if o.Kind == daemon.OutcomeDelivered && o.Method == output.MethodClipboard {
		return "Text copied to the clipboard.", true
	}
	return "", false
}
