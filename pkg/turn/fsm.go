package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// validTransitions is the complete transition table. Anything not listed is
// rejected. ChatMode is reachable from every state (talk mode exit).
var validTransitions = map[State][]State{
	StateChatMode:    {StateIdle, StateProcessing, StateSpeaking},
	StateIdle:        {StateListening, StateProcessing, StateSpeaking, StateChatMode},
	StateListening:   {StateProcessing, StateIdle, StateChatMode},
	StateProcessing:  {StateSpeaking, StateIdle, StateChatMode},
	StateSpeaking:    {StateInterrupted, StateProcessing, StateIdle, StateChatMode},
	StateInterrupted: {StateListening, StateIdle, StateChatMode},
}

// Machine holds the single authoritative conversation state.
type Machine struct {
	mu        sync.RWMutex
	current   State
	now       func() time.Time
	listeners []StateListener
}

// NewMachine creates a machine in chat mode. now may be nil.
func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{current: StateChatMode, now: now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *Machine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !CanTransition(m.current, state) {
		from := m.current
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	event := StateChange{
		FromState: m.current,
		ToState:   state,
		Timestamp: m.now(),
		Reason:    reason,
	}
	m.current = state
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	// Notify outside the lock so listeners may read State.
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
