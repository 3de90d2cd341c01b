package vad

import (
	"time"

	"github.com/harunnryd/suara/pkg/turn"
)

// Signal is a voice activity edge derived from input energy.
type Signal int

const (
	SignalNone Signal = iota
	SignalOnset
	SignalOffset
	SignalBargeIn
)

func (s Signal) String() string {
	switch s {
	case SignalOnset:
		return "onset"
	case SignalOffset:
		return "offset"
	case SignalBargeIn:
		return "barge_in"
	default:
		return "none"
	}
}

type Config struct {
	// IdleThreshold separates speech from silence while idle or listening.
	IdleThreshold float64
	// SpeakingThreshold is the higher bar used during playback so the
	// assistant's own voice leaking into the microphone does not interrupt it.
	SpeakingThreshold float64
	SilenceWindow     time.Duration
	BargeInHold       time.Duration
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 0.01
	}
	if c.SpeakingThreshold <= 0 {
		c.SpeakingThreshold = 0.04
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = 1500 * time.Millisecond
	}
	if c.BargeInHold <= 0 {
		c.BargeInHold = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	return c
}

// Monitor turns energy samples into signals. Thresholds depend on the
// conversation state, and run-length tracking restarts whenever the state
// changes between samples.
type Monitor struct {
	cfg          Config
	last         turn.State
	silenceSince time.Time
	loudSince    time.Time
}

func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), last: turn.StateChatMode}
}

func (m *Monitor) Config() Config { return m.cfg }

// Observe feeds one sample taken at now while the session was in state.
func (m *Monitor) Observe(state turn.State, level float64, now time.Time) Signal {
	if state != m.last {
		m.Reset()
		m.last = state
	}
	switch state {
	case turn.StateIdle:
		if level > m.cfg.IdleThreshold {
			return SignalOnset
		}
	case turn.StateListening:
		if level > m.cfg.IdleThreshold {
			m.silenceSince = time.Time{}
			return SignalNone
		}
		if m.silenceSince.IsZero() {
			m.silenceSince = now
		}
		if now.Sub(m.silenceSince) >= m.cfg.SilenceWindow {
			m.silenceSince = time.Time{}
			return SignalOffset
		}
	case turn.StateSpeaking:
		if level <= m.cfg.SpeakingThreshold {
			m.loudSince = time.Time{}
			return SignalNone
		}
		if m.loudSince.IsZero() {
			m.loudSince = now
		}
		if now.Sub(m.loudSince) >= m.cfg.BargeInHold {
			m.loudSince = time.Time{}
			return SignalBargeIn
		}
	}
	return SignalNone
}

// Reset drops silence and loudness tracking.
func (m *Monitor) Reset() {
	m.silenceSince = time.Time{}
	m.loudSince = time.Time{}
}
