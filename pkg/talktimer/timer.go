package talktimer

import (
	"time"

	"github.com/harunnryd/suara/pkg/turn"
)

const DefaultBudget = 5 * time.Minute

// Timer tracks the talk-mode budget. Time spent while the backend or
// playback owns the turn is not charged. Remaining only changes on Tick, so
// readers between ticks see a stable value.
type Timer struct {
	budget    time.Duration
	start     time.Time
	lastTick  time.Time
	paused    time.Duration
	remaining time.Duration
	running   bool
}

func New(budget time.Duration) *Timer {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Timer{budget: budget, remaining: budget}
}

// Start begins a fresh budget at now.
func (t *Timer) Start(now time.Time) {
	t.start = now
	t.lastTick = now
	t.paused = 0
	t.remaining = t.budget
	t.running = true
}

// Tick charges the time since start, excluding paused time. When state is
// busy the time since the previous tick is added to the paused accumulator
// first, so late or early ticks pause exactly the time that passed.
func (t *Timer) Tick(now time.Time, state turn.State) (remaining time.Duration, expired bool) {
	if !t.running {
		return t.remaining, false
	}
	delta := now.Sub(t.lastTick)
	if delta < 0 {
		delta = 0
	}
	t.lastTick = now
	if state.Busy() {
		t.paused += delta
	}
	rem := t.budget - (now.Sub(t.start) - t.paused)
	if rem < 0 {
		rem = 0
	}
	if rem > t.budget {
		rem = t.budget
	}
	t.remaining = rem
	return rem, rem == 0
}

// Clear stops the timer and restores the full budget for display.
func (t *Timer) Clear() {
	t.running = false
	t.paused = 0
	t.remaining = t.budget
}

func (t *Timer) Remaining() time.Duration { return t.remaining }
func (t *Timer) Paused() time.Duration    { return t.paused }
func (t *Timer) Running() bool            { return t.running }
func (t *Timer) Budget() time.Duration    { return t.budget }
