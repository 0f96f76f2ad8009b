package daemon

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

// State of the dictation session.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateTranscribing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateTranscribing:
		return "transcribing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions lists every edge the orchestrator may take. Idle → Error covers a
// Start that fails before recording begins; Recording → Idle covers a recording too
// short to transcribe.
var validTransitions = map[State][]State{
	StateIdle:         {StateRecording, StateError},
	StateRecording:    {StateTranscribing, StateIdle, StateError},
	StateTranscribing: {StateIdle, StateError},
	StateError:        {StateIdle},
}

// ValidTransition reports whether from → to is an edge of the session state machine.
func ValidTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type CommandKind int

const (
	CommandStart CommandKind = iota
	CommandStop
	CommandToggle
)

func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	default:
		return "toggle"
	}
}

// Command asks the orchestrator to start or stop a session. Source names the
// originator for logs (hotkey, bus, auto_stop).
type Command struct {
	Kind   CommandKind
	Source string
}

// OutcomeKind classifies how a session ended.
type OutcomeKind string

const (
	OutcomeDelivered OutcomeKind = "delivered"
	OutcomeNoSpeech  OutcomeKind = "no_speech"
	OutcomeTooShort  OutcomeKind = "too_short"
	OutcomeError     OutcomeKind = "error"
)

// Quiet reports whether the outcome is a normal non-result rather than a fault.
func (k OutcomeKind) Quiet() bool {
	return k == OutcomeNoSpeech || k == OutcomeTooShort
}

// Outcome is the final report of one session.
type Outcome struct {
	SessionID     string
	Kind          OutcomeKind
	Text          string
	Method        output.Method
	Target        output.Target
	Err           *SessionError
	Recorded      time.Duration
	Transcription time.Duration
	Chunks        int
	StartedAt     time.Time
	EndedAt       time.Time
}

// StateChange is emitted on every transition.
type StateChange struct {
	SessionID string
	From      State
	To        State
	At        time.Time
	Reason    string
}

// Listener receives the orchestrator's upward notifications on the orchestrator
// goroutine. Implementations must return quickly.
type Listener interface {
	OnStateChanged(StateChange)
	OnLevelUpdated(audio.Level)
	OnResult(Outcome)
}

type ErrorKind string

const (
	ErrorCapture       ErrorKind = "capture"
	ErrorEngineLoad    ErrorKind = "engine_load"
	ErrorTimeout       ErrorKind = "timeout"
	ErrorTranscription ErrorKind = "transcription"
	ErrorDelivery      ErrorKind = "delivery"
	ErrorInternal      ErrorKind = "internal"
)

// SessionError is the uniform session failure surfaced upward.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

var errWorkerPanic = errors.New("transcription worker panicked")

func classify(err error) *SessionError {
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	kind := ErrorTranscription
	switch {
	case errors.Is(err, audio.ErrCapture):
		kind = ErrorCapture
	case errors.Is(err, stt.ErrEngineLoad):
		kind = ErrorEngineLoad
	case errors.Is(err, stt.ErrTranscriptionTimeout):
		kind = ErrorTimeout
	case errors.Is(err, output.ErrDelivery):
		kind = ErrorDelivery
	case errors.Is(err, errWorkerPanic):
		kind = ErrorInternal
	}
	return &SessionError{Kind: kind, Err: err}
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	State       string          `json:"state"`
	Busy        bool            `json:"busy"`
	SessionID   string          `json:"session_id,omitempty"`
	Since       time.Time       `json:"since"`
	LastOutcome OutcomeKind     `json:"last_outcome,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Sessions    int             `json:"sessions"`
	Dropped     int             `json:"dropped_commands"`
	Engine      stt.Description `json:"engine"`
}
