package vad

import (
	"time"

	"github.com/harunnryd/suara/pkg/clock"
	"github.com/harunnryd/suara/pkg/loop"
	"github.com/harunnryd/suara/pkg/turn"
)

// Sampler reports the current input level.
type Sampler interface {
	Level() float64
}

// Poller samples energy on a fixed interval and feeds the monitor. Ticks are
// rescheduled one at a time and run on the event loop; every method must be
// called from the loop.
type Poller struct {
	monitor *Monitor
	clock   clock.Clock
	exec    loop.Executor

	sampler Sampler
	state   func() turn.State
	emit    func(Signal)
	level   func(float64)

	gen     uint64
	running bool
	timer   clock.Timer
}

func NewPoller(monitor *Monitor, clk clock.Clock, exec loop.Executor) *Poller {
	return &Poller{monitor: monitor, clock: clock.OrReal(clk), exec: exec}
}

// OnLevel registers a hook that sees every sampled level.
func (p *Poller) OnLevel(fn func(float64)) {
	p.level = fn
}

// Start begins polling sampler. state is read at every tick; emit receives
// non-empty signals. A running poll is replaced.
func (p *Poller) Start(sampler Sampler, state func() turn.State, emit func(Signal)) {
	p.Cancel()
	p.sampler = sampler
	p.state = state
	p.emit = emit
	p.running = true
	p.monitor.Reset()
	p.schedule(p.gen)
}

// Cancel stops polling. A tick already queued on the loop is discarded.
func (p *Poller) Cancel() {
	p.gen++
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) Running() bool { return p.running }

func (p *Poller) schedule(gen uint64) {
	interval := p.monitor.cfg.PollInterval
	p.timer = p.clock.AfterFunc(interval, func() {
		p.exec.Post(func() { p.tick(gen) })
	})
}

func (p *Poller) tick(gen uint64) {
	if gen != p.gen || !p.running {
		return
	}
	level := p.sampler.Level()
	if p.level != nil {
		p.level(level)
	}
	sig := p.monitor.Observe(p.state(), level, p.clock.Now())
	p.schedule(gen)
	if sig != SignalNone {
		p.emit(sig)
	}
}

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration {
	return p.monitor.cfg.PollInterval
}
