package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/suara/pkg/clock"
	"github.com/harunnryd/suara/pkg/errorsx"
	"github.com/harunnryd/suara/pkg/logging"
	"github.com/harunnryd/suara/pkg/loop"
	"github.com/harunnryd/suara/pkg/metrics"
	"github.com/harunnryd/suara/pkg/protocol"
	"github.com/harunnryd/suara/pkg/resilience"
	"github.com/harunnryd/suara/pkg/transports"
)

var (
	ErrNotOpen      = errors.New("channel not open")
	ErrSendTimeout  = errors.New("channel not ready before send deadline")
	ErrBackpressure = errors.New("channel send queue full")
	ErrClosed       = errors.New("channel closed")
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler receives channel events on the event loop.
type Handler interface {
	OnOpen()
	OnMessage(msg protocol.Inbound)
	// OnClose is called whenever an open or connecting channel goes down.
	OnClose(err error)
	// OnError reports transient failures; the close path follows when the
	// failure ended the connection.
	OnError(err error)
}

// Channel is the single duplex connection to the backend. All state is
// owned by the event loop: every exported method must be called from it,
// and transport goroutines only post results back.
type Channel struct {
	cfg     Config
	dialer  transports.Dialer
	exec    loop.Executor
	clock   clock.Clock
	log     *slog.Logger
	obs     metrics.Observer
	traceID string

	handler         Handler
	shouldReconnect func() bool
	policy          *resilience.ReconnectPolicy

	state      State
	gen        uint64
	conn       *connection
	cancelDial context.CancelFunc
	heartbeat  clock.Timer

	reconnectTimer clock.Timer
	reconnectSeq   uint64

	sends   map[uint64]*pendingSend
	sendSeq uint64
}

// pendingSend is a SendWhenReady call waiting for the channel to open.
type pendingSend struct {
	timer clock.Timer
	done  func(error)
}

func New(cfg Config, dialer transports.Dialer, exec loop.Executor, clk clock.Clock, log *slog.Logger) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:    cfg,
		dialer: dialer,
		exec:   exec,
		clock:  clock.OrReal(clk),
		log:    logging.NewComponentLogger(log, "channel"),
		obs:    metrics.NoopObserver{},
		policy: resilience.NewReconnectPolicy(cfg.MaxReconnectAttempts, cfg.ReconnectDelay),
		sends:  make(map[uint64]*pendingSend),
	}
}

func (c *Channel) SetHandler(h Handler) { c.handler = h }

// SetReconnectPredicate decides whether a closed channel should come back.
// It is evaluated when the channel closes and again when the delay elapses.
func (c *Channel) SetReconnectPredicate(fn func() bool) { c.shouldReconnect = fn }

func (c *Channel) SetObserver(obs metrics.Observer, traceID string) {
	c.obs = metrics.OrNoop(obs)
	c.traceID = traceID
}

func (c *Channel) State() State { return c.state }

func (c *Channel) IsOpen() bool { return c.state == StateOpen }

// ReconnectPending reports whether a reconnect attempt is scheduled.
func (c *Channel) ReconnectPending() bool { return c.reconnectTimer != nil }

// Open dials the backend unless a connection is already open or in flight.
// An explicit open starts a fresh run of reconnect attempts.
func (c *Channel) Open() {
	if c.state != StateClosed {
		return
	}
	c.policy.Reset()
	c.dial()
}

func (c *Channel) dial() {
	c.stopReconnect()
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.cancelDial = cancel
	c.log.Debug("channel_connecting", "url", c.cfg.URL)
	go func() {
		conn, err := c.dialer.Dial(ctx, c.cfg.URL, c.cfg.Headers)
		cancel()
		if !c.exec.Post(func() { c.onDialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Channel) onDialed(gen uint64, conn transports.Conn, err error) {
	if gen != c.gen || c.state != StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.state = StateClosed
		c.log.Warn("channel_dial_failed", "error", err)
		c.notifyError(errorsx.Wrap(fmt.Errorf("connect: %w", err), errorsx.ReasonConnection))
		c.afterClose(err)
		return
	}
	c.state = StateOpen
	c.conn = newConnection(conn, c.cfg.SendBuffer)
	c.policy.Reset()
	go c.conn.writeLoop(func(err error) {
		c.exec.Post(func() { c.onConnLost(gen, err) })
	})
	go c.readLoop(gen, c.conn)
	c.scheduleHeartbeat(gen)
	c.log.Info("channel_open", "url", c.cfg.URL)
	c.emit("channel_open", 0, nil)
	if c.handler != nil {
		c.handler.OnOpen()
	}
}

func (c *Channel) readLoop(gen uint64, conn *connection) {
	for {
		raw, err := conn.conn.ReadMessage()
		if err != nil {
			c.exec.Post(func() { c.onConnLost(gen, err) })
			return
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			c.log.Warn("channel_message_invalid", "error", err, "bytes", len(raw))
			continue
		}
		if !c.exec.Post(func() { c.deliver(gen, msg) }) {
			return
		}
	}
}

func (c *Channel) deliver(gen uint64, msg protocol.Inbound) {
	if gen != c.gen || c.state != StateOpen {
		return
	}
	c.emit("message_in", 0, map[string]any{"type": string(msg.InboundType())})
	if c.handler != nil {
		c.handler.OnMessage(msg)
	}
}

func (c *Channel) onConnLost(gen uint64, err error) {
	if gen != c.gen || c.state != StateOpen {
		return
	}
	c.teardown()
	if err != nil && !errors.Is(err, transports.ErrClosed) {
		c.log.Warn("channel_error", "error", err)
		c.notifyError(errorsx.Wrap(fmt.Errorf("connection lost: %w", err), errorsx.ReasonConnection))
	} else {
		c.log.Info("channel_closed_by_peer")
	}
	c.afterClose(err)
}

// teardown drops the current connection without notifying anyone.
func (c *Channel) teardown() {
	c.gen++
	c.state = StateClosed
	c.stopHeartbeat()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		_ = c.conn.close()
		c.conn = nil
	}
}

func (c *Channel) afterClose(err error) {
	c.emit("channel_closed", 0, nil)
	if c.handler != nil {
		c.handler.OnClose(err)
	}
	c.maybeScheduleReconnect()
}

func (c *Channel) maybeScheduleReconnect() {
	if c.reconnectTimer != nil || c.state != StateClosed {
		return
	}
	if c.shouldReconnect == nil || !c.shouldReconnect() {
		return
	}
	if !c.policy.Allow() {
		c.log.Warn("channel_reconnect_exhausted", "attempts", c.policy.Attempts())
		c.notifyError(errorsx.New(errorsx.ReasonConnection, "reconnect attempts exhausted"))
		return
	}
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.reconnectTimer = c.clock.AfterFunc(c.policy.Delay, func() {
		c.exec.Post(func() { c.fireReconnect(seq) })
	})
	c.log.Info("channel_reconnect_scheduled", "delay", c.policy.Delay, "attempt", c.policy.Attempts()+1)
	c.emit("reconnect_scheduled", float64(c.policy.Attempts()+1), nil)
}

func (c *Channel) fireReconnect(seq uint64) {
	if seq != c.reconnectSeq || c.reconnectTimer == nil {
		return
	}
	c.reconnectTimer = nil
	if c.state != StateClosed || c.shouldReconnect == nil || !c.shouldReconnect() {
		return
	}
	c.policy.OnAttempt()
	c.emit("reconnect_attempt", float64(c.policy.Attempts()), nil)
	c.dial()
}

// CancelReconnect drops a scheduled reconnect attempt, if any.
func (c *Channel) CancelReconnect() {
	c.stopReconnect()
}

func (c *Channel) stopReconnect() {
	c.reconnectSeq++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// Close tears the channel down without reconnecting. Sends still waiting
// for the channel to open complete with ErrClosed.
func (c *Channel) Close() {
	c.stopReconnect()
	c.cancelSends()
	if c.state == StateClosed {
		return
	}
	c.teardown()
	c.log.Info("channel_closed")
	c.emit("channel_closed", 0, nil)
	if c.handler != nil {
		c.handler.OnClose(nil)
	}
}

// Send writes msg if the channel is open. Nothing is queued for later:
// audio in particular is dropped while disconnected.
func (c *Channel) Send(msg protocol.Outbound) error {
	if c.state != StateOpen || c.conn == nil {
		if msg != nil && msg.OutboundType() == protocol.TypeAudio {
			c.log.Debug("channel_audio_dropped")
			c.emit("audio_dropped", 0, nil)
		}
		return ErrNotOpen
	}
	b, err := protocol.EncodeOutbound(msg)
	if err != nil {
		return err
	}
	if !c.conn.enqueue(b) {
		return ErrBackpressure
	}
	c.emit("message_out", float64(len(b)), map[string]any{"type": string(msg.OutboundType())})
	return nil
}

// SendWhenReady opens the channel if needed and sends msg once it is open,
// polling readiness until ReadyMaxWait. done runs on the loop exactly once.
func (c *Channel) SendWhenReady(msg protocol.Outbound, done func(error)) {
	if c.state == StateOpen {
		done(c.Send(msg))
		return
	}
	c.Open()
	c.sendSeq++
	id := c.sendSeq
	c.sends[id] = &pendingSend{done: done}
	deadline := c.clock.Now().Add(c.cfg.ReadyMaxWait)
	c.pollReady(id, msg, deadline)
}

func (c *Channel) pollReady(id uint64, msg protocol.Outbound, deadline time.Time) {
	p, ok := c.sends[id]
	if !ok {
		return
	}
	p.timer = c.clock.AfterFunc(c.cfg.ReadyPollInterval, func() {
		c.exec.Post(func() {
			p, ok := c.sends[id]
			if !ok {
				return
			}
			if c.state == StateOpen {
				delete(c.sends, id)
				p.done(c.Send(msg))
				return
			}
			if !c.clock.Now().Before(deadline) {
				delete(c.sends, id)
				c.log.Warn("channel_send_timeout", "type", string(msg.OutboundType()))
				p.done(errorsx.Wrap(ErrSendTimeout, errorsx.ReasonSendTimeout))
				return
			}
			c.pollReady(id, msg, deadline)
		})
	})
}

func (c *Channel) cancelSends() {
	sends := c.sends
	c.sends = make(map[uint64]*pendingSend)
	for _, p := range sends {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done(ErrClosed)
	}
}

func (c *Channel) scheduleHeartbeat(gen uint64) {
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() {
		c.exec.Post(func() {
			if gen != c.gen || c.state != StateOpen {
				return
			}
			if err := c.Send(protocol.Ping{}); err != nil {
				c.log.Debug("channel_ping_failed", "error", err)
			}
			c.scheduleHeartbeat(gen)
		})
	})
}

func (c *Channel) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Channel) notifyError(err error) {
	if c.handler != nil {
		c.handler.OnError(err)
	}
}

func (c *Channel) emit(name string, value float64, fields map[string]any) {
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   c.clock.Now(),
		Value:  value,
		Tags:   map[string]string{"trace_id": c.traceID, "component": "channel"},
		Fields: fields,
	})
}
