package transcript

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one line of the conversation. Entries are immutable once appended.
type Entry struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
	// AudioID names the playback handle holding this entry's audio, if any.
	AudioID string
}

// Log is the ordered conversation transcript. It is owned by the session
// loop and not safe for concurrent use.
type Log struct {
	entries []Entry
	index   map[string]int
}

func NewLog() *Log {
	return &Log{index: make(map[string]int)}
}

// Append adds an entry in arrival order and returns it.
func (l *Log) Append(role Role, text string, at time.Time, audioID string) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: at,
		AudioID:   audioID,
	}
	l.index[e.ID] = len(l.entries)
	l.entries = append(l.entries, e)
	return e
}

func (l *Log) Get(id string) (Entry, bool) {
	i, ok := l.index[id]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// At returns the entry at position i (0-based).
func (l *Log) At(i int) (Entry, bool) {
	if i < 0 || i >= len(l.entries) {
		return Entry{}, false
	}
	return l.entries[i], true
}

// Entries returns a copy of the transcript.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int { return len(l.entries) }

func (l *Log) Clear() {
	l.entries = nil
	l.index = make(map[string]int)
}
