package resilience

import "time"

const (
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// ReconnectPolicy bounds consecutive reconnect attempts with a fixed delay.
// It is not safe for concurrent use; the channel drives it from its event loop.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	attempts    int
}

func NewReconnectPolicy(maxAttempts int, delay time.Duration) *ReconnectPolicy {
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &ReconnectPolicy{Delay: delay, MaxAttempts: maxAttempts}
}

// Allow reports whether another attempt may be scheduled. A negative
// MaxAttempts means unbounded.
func (p *ReconnectPolicy) Allow() bool {
	return p.MaxAttempts < 0 || p.attempts < p.MaxAttempts
}

// OnAttempt records that an attempt fired.
func (p *ReconnectPolicy) OnAttempt() {
	p.attempts++
}

// Reset clears the consecutive attempt count after a successful open.
func (p *ReconnectPolicy) Reset() {
	p.attempts = 0
}

func (p *ReconnectPolicy) Attempts() int {
	return p.attempts
}
