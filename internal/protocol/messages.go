package protocol

import (
	"encoding/json"
	"time"
)

// StateEvent is published on every session state transition.
type StateEvent struct {
	SessionID string    `json:"session_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LevelEvent carries the input meter while recording. Values are 0..1.
type LevelEvent struct {
	RMS   float64   `json:"rms"`
	Bands []float64 `json:"bands"`
}

// ResultEvent reports how a session ended. Audio never leaves the daemon; only text
// does.
type ResultEvent struct {
	SessionID       string    `json:"session_id"`
	Outcome         string    `json:"outcome"`
	Text            string    `json:"text,omitempty"`
	Method          string    `json:"method,omitempty"`
	TargetApp       string    `json:"target_app,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	RecordedMS      int64     `json:"recorded_ms"`
	TranscriptionMS int64     `json:"transcription_ms"`
	Chunks          int       `json:"chunks"`
	Timestamp       time.Time `json:"timestamp"`
}

// Command is the body of dictate.cmd.* requests. All fields are optional.
type Command struct {
	Source  string `json:"source,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Ack answers a command request.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HistoryRequest is the body of dictate.history.get. Without a SessionID the most
// recent sessions are listed; with one, that session's journaled events.
type HistoryRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SessionRecord is one journaled session. Dictated text is never journaled.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Outcome   string    `json:"outcome,omitempty"`
	Method    string    `json:"method,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	TargetApp string    `json:"target_app,omitempty"`
	Chars     int       `json:"chars"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

type EventRecord struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// History answers dictate.history.get.
type History struct {
	Sessions []SessionRecord `json:"sessions,omitempty"`
	Events   []EventRecord   `json:"events,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Heartbeat announces a running daemon and its current status.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Version   string    `json:"version"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the daemon snapshot served on dictate.status.get.
type Status struct {
	NodeID         string    `json:"node_id"`
	State          string    `json:"state"`
	Busy           bool      `json:"busy"`
	SessionID      string    `json:"session_id,omitempty"`
	Since          time.Time `json:"since"`
	HotkeyEnabled  bool      `json:"hotkey_enabled"`
	HotkeyMode     string    `json:"hotkey_mode"`
	Hotkey         string    `json:"hotkey"`
	OutputMode     string    `json:"output_mode"`
	EngineBackend  string    `json:"engine_backend"`
	EngineModel    string    `json:"engine_model"`
	EngineDevice   string    `json:"engine_device"`
	EngineLoaded   bool      `json:"engine_loaded"`
	EngineError    string    `json:"engine_error,omitempty"`
	LastOutcome    string    `json:"last_outcome,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Sessions       int       `json:"sessions"`
	DroppedCommand int       `json:"dropped_commands"`
}

const (
	SubjectState  = "dictate.state"
	SubjectLevel  = "dictate.level"
	SubjectResult = "dictate.result"

	SubjectCommandStart  = "dictate.cmd.start"
	SubjectCommandStop   = "dictate.cmd.stop"
	SubjectCommandToggle = "dictate.cmd.toggle"
	SubjectCommandHotkey = "dictate.cmd.hotkey"
	SubjectCommandReload = "dictate.cmd.reload"

	SubjectStatusGet       = "dictate.status.get"
	SubjectHeartbeatPrefix = "dictate.status.heartbeat"
	SubjectHistoryGet      = "dictate.history.get"
	SubjectShutdown        = "dictate.ctl.shutdown"
)

// HeartbeatSubject returns the heartbeat subject of one node.
func HeartbeatSubject(nodeID string) string {
	return SubjectHeartbeatPrefix + "." + nodeID
}
