package hotkey

import (
	"sync"
	"time"
)

// State of the hotkey machine.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateDebounced // toggle only
	StateArmed     // push-to-talk only, combo held
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateDebounced:
		return "debounced"
	case StateArmed:
		return "armed"
	default:
		return "unknown"
	}
}

// Command is what the machine asks the orchestrator to do.
type Command int

const (
	CommandStart Command = iota
	CommandStop
)

func (c Command) String() string {
	if c == CommandStop {
		return "stop"
	}
	return "start"
}

type EventKind int

const (
	KeyDown EventKind = iota
	KeyUp
)

// Event is one raw key transition.
type Event struct {
	Kind EventKind
	Key  RawEvent
	At   time.Time
}

type Options struct {
	Combo    Combo
	Mode     Mode
	Debounce time.Duration
	Enabled  bool
}

// Machine detects the configured combo in a key stream and emits Start/Stop.
// It is safe for concurrent use; Handle is normally called from the hook goroutine.
type Machine struct {
	mu         sync.Mutex
	combo      Combo
	norm       Normalizer
	mode       Mode
	debounce   time.Duration
	enabled    bool
	pressed    map[Key]bool
	latched    bool
	state      State
	lastToggle time.Time
	now        func() time.Time
}

func NewMachine(opts Options) *Machine {
	return &Machine{
		combo:    opts.Combo,
		norm:     opts.Combo.Normalizer(),
		mode:     opts.Mode,
		debounce: opts.Debounce,
		enabled:  opts.Enabled,
		pressed:  make(map[Key]bool),
		now:      time.Now,
	}
}

// Handle feeds one key event and returns the command it produces, if any.
func (m *Machine) Handle(ev Event) (Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := ev.At
	if at.IsZero() {
		at = m.now()
	}
	key := m.norm.Normalize(ev.Key)
	if key == "" {
		return 0, false
	}

	switch ev.Kind {
	case KeyDown:
		m.pressed[key] = true
		if !m.combo.Contains(key) || m.latched || !m.combo.Satisfied(m.pressed) {
			return 0, false
		}
		m.latched = true
		return m.onPress(at)
	case KeyUp:
		delete(m.pressed, key)
		if !m.combo.Contains(key) || !m.latched {
			return 0, false
		}
		m.latched = false
		return m.onRelease()
	}
	return 0, false
}

func (m *Machine) onPress(at time.Time) (Command, bool) {
	if !m.enabled {
		return 0, false
	}
	m.settle(at)

	if m.mode == ModePushToTalk {
		if m.state != StateIdle {
			return 0, false
		}
		m.state = StateArmed
		return CommandStart, true
	}

	if !m.lastToggle.IsZero() && at.Sub(m.lastToggle) < m.debounce {
		return 0, false
	}
	switch m.state {
	case StateIdle:
		m.state = StateRecording
		m.lastToggle = at
		return CommandStart, true
	case StateRecording:
		m.state = StateDebounced
		m.lastToggle = at
		return CommandStop, true
	}
	return 0, false
}

func (m *Machine) onRelease() (Command, bool) {
	if m.mode != ModePushToTalk || !m.enabled {
		return 0, false
	}
	if m.state != StateArmed {
		return 0, false
	}
	m.state = StateIdle
	return CommandStop, true
}

func (m *Machine) settle(at time.Time) {
	if m.state == StateDebounced && at.Sub(m.lastToggle) >= m.debounce {
		m.state = StateIdle
	}
}

// State returns the current state, resolving an elapsed debounce window to Idle.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle(m.now())
	return m.state
}

// SetEnabled toggles command emission. Key tracking continues while disabled so the
// hook never has to be torn down; disabling also drops any half-finished session state.
func (m *Machine) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled == enabled {
		return
	}
	m.enabled = enabled
	if !enabled {
		m.state = StateIdle
	}
}

func (m *Machine) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Release returns the machine to Idle after the session ended without a hotkey
// Stop (auto-stop, capture failure). The debounce window still applies.
func (m *Machine) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateRecording:
		m.state = StateDebounced
	case StateArmed:
		m.state = StateIdle
	}
}

// Reset forgets held keys, for use after the hook lost key-up events.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pressed = make(map[Key]bool)
	m.latched = false
}

func (m *Machine) Mode() Mode { return m.mode }

func (m *Machine) Combo() Combo { return m.combo }
