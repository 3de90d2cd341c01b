package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/suara/pkg/capture"
	"github.com/harunnryd/suara/pkg/channel"
	"github.com/harunnryd/suara/pkg/clock"
	"github.com/harunnryd/suara/pkg/host"
	"github.com/harunnryd/suara/pkg/logging"
	"github.com/harunnryd/suara/pkg/loop"
	"github.com/harunnryd/suara/pkg/metrics"
	"github.com/harunnryd/suara/pkg/playback"
	"github.com/harunnryd/suara/pkg/protocol"
	"github.com/harunnryd/suara/pkg/talktimer"
	"github.com/harunnryd/suara/pkg/transcript"
	"github.com/harunnryd/suara/pkg/transports"
	"github.com/harunnryd/suara/pkg/turn"
	"github.com/harunnryd/suara/pkg/vad"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrEmptyText    = errors.New("message text is empty")
	ErrBusy         = errors.New("session is waiting for a reply")
	ErrUnknownEntry = errors.New("unknown transcript entry")
	ErrNoAudio      = errors.New("transcript entry has no audio")
	ErrTalkStarting = errors.New("talk mode is already starting")
	ErrTalkCanceled = errors.New("talk mode start canceled")
)

type Options struct {
	Config  Config
	Channel channel.Config
	Host    host.Host
	Dialer  transports.Dialer
	Clock   clock.Clock
	// Observer receives session and channel events.
	Observer metrics.Observer
	// LevelObserver receives one vad_level event per poll tick. Wrap it in a
	// metrics.SamplingObserver for anything heavier than a gauge.
	LevelObserver metrics.Observer
	Logger        *slog.Logger
}

type subscription struct {
	id uint64
	l  Listener
}

type requestKind int

const (
	requestNone requestKind = iota
	requestAudio
	requestText
)

// Session is the conversation state machine. It owns the channel, the
// capture and playback devices and the talk timer, and mutates them only on
// its event loop. Exported methods post to the loop and wait.
type Session struct {
	cfg      Config
	log      *slog.Logger
	obs      metrics.Observer
	levelObs metrics.Observer
	clock    clock.Clock
	loop     *loop.Loop
	traceID  string
	host     host.Host

	channel    *channel.Channel
	machine    *turn.Machine
	capture    *capture.Recorder
	playback   *playback.Controller
	poller     *vad.Poller
	timer      *talktimer.Timer
	transcript *transcript.Log

	listenersMu sync.Mutex
	listeners   []subscription
	nextSub     uint64

	talkMode  bool
	starting  bool
	talkGen   uint64
	connected bool
	sessionID string
	stream    host.Stream
	sampler   host.EnergySampler
	tickTimer clock.Timer

	request       requestKind
	requestSeq    uint64
	requestSent   bool
	awaiting      uint64
	sentAt        time.Time
	responseTimer clock.Timer

	notice      *Notice
	noticeSeq   uint64
	noticeTimer clock.Timer

	closed bool
}

func New(opts Options) (*Session, error) {
	if opts.Host == nil {
		return nil, errors.New("voice: host is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("voice: dialer is required")
	}
	if strings.TrimSpace(opts.Channel.URL) == "" {
		return nil, errors.New("voice: channel url is required")
	}
	cfg := opts.Config.withDefaults()
	clk := clock.OrReal(opts.Clock)
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	l := loop.New()
	s := &Session{
		cfg:        cfg,
		log:        logging.NewComponentLogger(base, "session"),
		obs:        metrics.OrNoop(opts.Observer),
		levelObs:   opts.LevelObserver,
		clock:      clk,
		loop:       l,
		traceID:    uuid.NewString(),
		host:       opts.Host,
		machine:    turn.NewMachine(clk.Now),
		capture:    capture.New(opts.Host, l, cfg.MimeTypes, base),
		playback:   playback.New(opts.Host, l, base),
		poller:     vad.NewPoller(vad.NewMonitor(cfg.VAD), clk, l),
		timer:      talktimer.New(cfg.TalkBudget),
		transcript: transcript.NewLog(),
	}
	s.log = s.log.With("trace_id", s.traceID)
	s.channel = channel.New(opts.Channel, opts.Dialer, l, clk, base)
	s.channel.SetHandler(channelEvents{s})
	s.channel.SetObserver(s.obs, s.traceID)
	s.channel.SetReconnectPredicate(func() bool { return s.talkMode })
	s.machine.AddListener(stateEvents{s})
	s.capture.SetSink(s.onPayload)
	s.playback.OnFinished(s.onPlaybackFinished)
	if s.levelObs != nil {
		s.poller.OnLevel(s.onLevel)
	}
	return s, nil
}

// TraceID identifies this session in logs and artifacts.
func (s *Session) TraceID() string { return s.traceID }

// Run processes session events until ctx is done, then releases every
// device, handle and connection the session still holds.
func (s *Session) Run(ctx context.Context) error {
	err := s.loop.Run(ctx)
	if shutdownErr := s.shutdown(); shutdownErr != nil {
		s.log.Warn("session_shutdown_incomplete", "error", shutdownErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases everything while keeping Run alive. Further calls fail
// with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	var err error
	if doErr := s.loop.Do(ctx, func() { err = s.shutdown() }); doErr != nil {
		if errors.Is(doErr, loop.ErrStopped) {
			return nil
		}
		return doErr
	}
	return err
}

// Connect opens the channel without entering talk mode.
func (s *Session) Connect(ctx context.Context) error {
	return s.call(ctx, func(done func(error)) {
		s.channel.Open()
		done(nil)
	})
}

// SendText submits a typed message. It returns once the message is on the
// wire, or with the reason it could not be sent.
func (s *Session) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return s.call(ctx, func(done func(error)) {
		switch s.state() {
		case turn.StateProcessing:
			done(ErrBusy)
			return
		case turn.StateListening:
			if err := s.capture.Abort(); err != nil {
				s.log.Warn("capture_abort_failed", "error", err)
			}
		case turn.StateSpeaking:
			s.playback.Stop()
		}
		s.appendEntry(transcript.RoleUser, text, "")
		seq := s.beginRequest(requestText, "text_submitted")
		msg := protocol.Text{Text: text, VoiceMode: s.talkMode}
		s.channel.SendWhenReady(msg, func(err error) {
			if s.closed {
				done(ErrClosed)
				return
			}
			if err != nil {
				s.raise(err, "")
				s.failRequest(seq, "send_failed")
				done(err)
				return
			}
			if seq == s.requestSeq {
				s.requestSent = true
				s.sentAt = s.clock.Now()
			}
			s.emit("text_sent", float64(len(text)), nil)
			done(nil)
		})
	})
}

// ClearHistory drops the local transcript, revokes every retained audio
// handle and asks the backend to forget the conversation.
func (s *Session) ClearHistory(ctx context.Context) error {
	return s.call(ctx, func(done func(error)) {
		if s.state() == turn.StateSpeaking {
			s.playback.Stop()
			s.transition(s.baseline(), "history_cleared")
		}
		err := s.playback.ReleaseAll()
		s.transcript.Clear()
		if sendErr := s.channel.Send(protocol.ClearHistory{}); sendErr != nil {
			s.log.Info("clear_history_not_sent", "error", sendErr)
		}
		s.log.Info("history_cleared")
		s.publish()
		done(err)
	})
}

// Replay plays the audio retained for a transcript entry.
func (s *Session) Replay(ctx context.Context, entryID string) error {
	return s.call(ctx, func(done func(error)) {
		entry, ok := s.transcript.Get(entryID)
		if !ok {
			done(fmt.Errorf("%w: %s", ErrUnknownEntry, entryID))
			return
		}
		if entry.AudioID == "" {
			done(ErrNoAudio)
			return
		}
		st := s.state()
		if st != turn.StateChatMode && st != turn.StateIdle && st != turn.StateSpeaking {
			done(ErrBusy)
			return
		}
		if _, err := s.playback.Replay(entry.AudioID); err != nil {
			if st == turn.StateSpeaking {
				s.transition(s.baseline(), "replay_failed")
			}
			done(err)
			return
		}
		if st != turn.StateSpeaking {
			s.transition(turn.StateSpeaking, "replay")
		}
		done(nil)
	})
}

// Snapshot returns the current session state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, func(done func(error)) {
		snap = s.snapshot()
		done(nil)
	})
	return snap, err
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript(ctx context.Context) ([]transcript.Entry, error) {
	var entries []transcript.Entry
	err := s.call(ctx, func(done func(error)) {
		entries = s.transcript.Entries()
		done(nil)
	})
	return entries, err
}

// Subscribe registers l for updates and returns a function that removes it.
func (s *Session) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.listeners = append(s.listeners, subscription{id: id, l: l})
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		for i, cur := range s.listeners {
			if cur.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// call runs fn on the loop and waits for it to report through done, which
// may happen from a later loop callback.
func (s *Session) call(ctx context.Context, fn func(done func(error))) error {
	res := make(chan error, 1)
	finish := func(err error) {
		select {
		case res <- err:
		default:
		}
	}
	if !s.loop.Post(func() {
		if s.closed {
			finish(ErrClosed)
			return
		}
		fn(finish)
	}) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loop.Done():
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// state is the only accessor callbacks use to read the conversation state.
func (s *Session) state() turn.State {
	return s.machine.State()
}

func (s *Session) baseline() turn.State {
	if s.talkMode {
		return turn.StateIdle
	}
	return turn.StateChatMode
}

func (s *Session) transition(to turn.State, reason string) bool {
	from := s.state()
	if from == to {
		return true
	}
	if err := s.machine.Transition(to, reason); err != nil {
		s.log.Error("invalid_transition", "from", from.String(), "to", to.String(), "reason", reason)
		return false
	}
	if from == turn.StateProcessing {
		s.stopResponseTimer()
	}
	if to == turn.StateProcessing {
		s.armResponseTimeout()
	}
	s.publish()
	return true
}

func (s *Session) beginRequest(kind requestKind, reason string) uint64 {
	s.requestSeq++
	s.request = kind
	s.requestSent = false
	s.sentAt = time.Time{}
	s.transition(turn.StateProcessing, reason)
	return s.requestSeq
}

// failRequest returns to the baseline if request seq is still the one
// being processed.
func (s *Session) failRequest(seq uint64, reason string) {
	if seq != s.requestSeq || s.state() != turn.StateProcessing {
		return
	}
	s.endRequest()
	s.transition(s.baseline(), reason)
}

func (s *Session) endRequest() {
	s.request = requestNone
	s.requestSent = false
	s.awaiting = 0
	s.sentAt = time.Time{}
}

func (s *Session) armResponseTimeout() {
	s.stopResponseTimer()
	seq := s.requestSeq
	s.responseTimer = s.clock.AfterFunc(s.cfg.ResponseTimeout, func() {
		s.loop.Post(func() {
			if seq != s.requestSeq || s.state() != turn.StateProcessing {
				return
			}
			s.raise(errServerTimeout, "no reply from the server")
			s.failRequest(seq, "response_timeout")
		})
	})
}

func (s *Session) stopResponseTimer() {
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
}

func (s *Session) appendEntry(role transcript.Role, text, audioID string) transcript.Entry {
	entry := s.transcript.Append(role, text, s.clock.Now(), audioID)
	for _, l := range s.subscribers() {
		l.OnEntry(entry)
	}
	return entry
}

func (s *Session) shutdown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	errs := s.endTalkMode("shutdown")
	if err := s.playback.ReleaseAll(); err != nil {
		errs = errors.Join(errs, err)
	}
	s.channel.Close()
	s.stopResponseTimer()
	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
		s.noticeTimer = nil
	}
	s.log.Info("session_closed")
	return errs
}
