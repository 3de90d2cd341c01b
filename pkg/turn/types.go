package turn

// State is the conversation state of a voice session.
type State int

const (
	// StateChatMode is the text baseline: talk mode is off.
	StateChatMode State = iota
	// StateIdle waits for speech onset while talk mode is on.
	StateIdle
	StateListening
	StateProcessing
	StateSpeaking
	// StateInterrupted is entered on barge-in and immediately left for listening.
	StateInterrupted
	// StateDisconnected is a display-only state; the machine never enters it.
	StateDisconnected
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateChatMode:
		return "chat_mode"
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Busy reports whether the backend or playback owns the turn. The talk
// budget does not run down while busy.
func (s State) Busy() bool {
	return s == StateProcessing || s == StateSpeaking
}

// Display derives the state shown to the user. Talk mode with a dropped
// channel shows as disconnected without touching the underlying state.
func Display(s State, talkMode, connected bool) State {
	if talkMode && !connected {
		return StateDisconnected
	}
	return s
}

// ParseState is the inverse of String.
func ParseState(name string) (State, bool) {
	for s := StateChatMode; s <= StateDisconnected; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return StateChatMode, false
}
