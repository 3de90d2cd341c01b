package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/harunnryd/suara/pkg/capture"
	"github.com/harunnryd/suara/pkg/errorsx"
	"github.com/harunnryd/suara/pkg/host"
	"github.com/harunnryd/suara/pkg/metrics"
	"github.com/harunnryd/suara/pkg/playback"
	"github.com/harunnryd/suara/pkg/protocol"
	"github.com/harunnryd/suara/pkg/turn"
	"github.com/harunnryd/suara/pkg/vad"
)

// StartTalkMode requests the capture device and, once granted, starts
// listening for speech. It returns after the device was granted or refused.
// Called again while in talk mode, it only reopens a dropped channel.
func (s *Session) StartTalkMode(ctx context.Context) error {
	return s.call(ctx, func(done func(error)) {
		if s.talkMode {
			if !s.connected {
				s.channel.Open()
			}
			done(nil)
			return
		}
		if s.starting {
			done(ErrTalkStarting)
			return
		}
		s.starting = true
		s.talkGen++
		gen := s.talkGen
		go func() {
			stream, err := s.host.RequestCaptureStream(ctx)
			if !s.loop.Post(func() { s.onCaptureGranted(gen, stream, err, done) }) {
				if stream != nil {
					_ = stream.Close()
				}
				done(ErrClosed)
			}
		}()
	})
}

// StopTalkMode leaves talk mode and releases the capture device.
func (s *Session) StopTalkMode(ctx context.Context) error {
	return s.call(ctx, func(done func(error)) {
		done(s.endTalkMode("user_request"))
	})
}

func (s *Session) onCaptureGranted(gen uint64, stream host.Stream, err error, done func(error)) {
	if gen != s.talkGen || !s.starting {
		if stream != nil {
			_ = stream.Close()
		}
		done(ErrTalkCanceled)
		return
	}
	s.starting = false
	if err != nil {
		reason := errorsx.ReasonCapture
		if errors.Is(err, host.ErrPermissionDenied) {
			reason = errorsx.ReasonPermissionDenied
		}
		err = errorsx.Wrap(fmt.Errorf("request capture stream: %w", err), reason)
		s.raise(err, "")
		done(err)
		return
	}
	sampler, err := s.host.CreateEnergySampler(stream)
	if err != nil {
		_ = stream.Close()
		err = errorsx.Wrap(fmt.Errorf("create energy sampler: %w", err), errorsx.ReasonCapture)
		s.raise(err, "")
		done(err)
		return
	}
	s.stream = stream
	s.sampler = sampler
	s.talkMode = true
	if s.state() == turn.StateChatMode {
		s.transition(turn.StateIdle, "talk_mode_started")
	}
	s.timer.Start(s.clock.Now())
	s.scheduleTick(gen)
	s.poller.Start(sampler, s.state, s.onSignal)
	s.channel.Open()
	s.log.Info("talk_mode_started")
	s.emit("talk_mode_start", 0, nil)
	s.publish()
	done(nil)
}

// endTalkMode runs every exit step even when an earlier one fails.
func (s *Session) endTalkMode(reason string) error {
	if !s.talkMode && !s.starting {
		return nil
	}
	s.starting = false
	s.talkGen++
	s.talkMode = false

	var errs error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = errors.Join(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	step("cancel monitor", func() error {
		s.poller.Cancel()
		return nil
	})
	step("stop recorder", s.capture.Abort)
	step("stop playback", func() error {
		s.playback.Stop()
		return nil
	})
	step("clear timer", func() error {
		s.stopTick()
		s.timer.Clear()
		return nil
	})
	step("release capture", s.releaseCapture)

	s.channel.CancelReconnect()
	s.awaiting = 0
	s.transition(turn.StateChatMode, reason)
	s.endRequest()
	if errs != nil {
		s.log.Warn("talk_mode_exit_incomplete", "reason", reason, "error", errs)
	}
	s.log.Info("talk_mode_ended", "reason", reason)
	s.emit("talk_mode_end", 0, map[string]any{"reason": reason})
	s.publish()
	return errs
}

func (s *Session) releaseCapture() error {
	var errs error
	if s.sampler != nil {
		errs = errors.Join(errs, s.sampler.Close())
		s.sampler = nil
	}
	if s.stream != nil {
		errs = errors.Join(errs, s.stream.Close())
		s.stream = nil
	}
	return errs
}

func (s *Session) scheduleTick(gen uint64) {
	s.tickTimer = s.clock.AfterFunc(s.cfg.TickInterval, func() {
		s.loop.Post(func() { s.onTick(gen) })
	})
}

func (s *Session) stopTick() {
	if s.tickTimer != nil {
		s.tickTimer.Stop()
		s.tickTimer = nil
	}
}

func (s *Session) onTick(gen uint64) {
	if gen != s.talkGen || !s.talkMode {
		return
	}
	_, expired := s.timer.Tick(s.clock.Now(), s.state())
	if expired {
		s.log.Info("talk_budget_exhausted")
		_ = s.endTalkMode("budget_exhausted")
		return
	}
	s.scheduleTick(gen)
	s.publish()
}

func (s *Session) onSignal(sig vad.Signal) {
	switch sig {
	case vad.SignalOnset:
		if s.state() != turn.StateIdle || !s.talkMode || !s.connected {
			return
		}
		s.transition(turn.StateListening, "speech_onset")
		s.startCapture()
	case vad.SignalOffset:
		if s.state() != turn.StateListening {
			return
		}
		seq := s.beginRequest(requestAudio, "speech_offset")
		id, err := s.capture.Stop()
		if err != nil {
			s.raise(err, "")
			s.failRequest(seq, "capture_failed")
			return
		}
		s.awaiting = id
	case vad.SignalBargeIn:
		if s.state() != turn.StateSpeaking {
			return
		}
		s.transition(turn.StateInterrupted, "barge_in")
		s.playback.Stop()
		s.log.Info("barge_in")
		s.emit("barge_in", 0, nil)
		s.transition(turn.StateListening, "barge_in")
		s.startCapture()
	}
}

func (s *Session) startCapture() {
	if err := s.capture.Start(s.stream); err != nil {
		s.raise(err, "")
		s.transition(turn.StateIdle, "capture_failed")
	}
}

func (s *Session) onPayload(p capture.Payload, err error) {
	if p.Utterance != s.awaiting || s.request != requestAudio || s.state() != turn.StateProcessing {
		s.log.Debug("capture_payload_discarded", "utterance", p.Utterance)
		return
	}
	s.awaiting = 0
	seq := s.requestSeq
	if err != nil {
		if errors.Is(err, capture.ErrEmptyPayload) {
			s.log.Info("capture_payload_empty", "utterance", p.Utterance)
		} else {
			s.raise(err, "")
		}
		s.failRequest(seq, "capture_failed")
		return
	}
	if err := s.channel.Send(protocol.Audio{Data: p.Data}); err != nil {
		s.raise(errorsx.Wrap(fmt.Errorf("send utterance: %w", err), errorsx.ReasonConnection), "not connected, the recording was dropped")
		s.failRequest(seq, "audio_dropped")
		return
	}
	s.requestSent = true
	s.sentAt = s.clock.Now()
	s.emit("utterance_sent", float64(len(p.Data)), map[string]any{"mime_type": p.MimeType})
}

func (s *Session) onPlaybackFinished(_ *playback.Handle, err error) {
	if err != nil {
		s.raise(err, "")
	}
	if s.state() == turn.StateSpeaking {
		s.transition(s.baseline(), "playback_finished")
	}
}

func (s *Session) onLevel(level float64) {
	s.levelObs.RecordEvent(metrics.MetricsEvent{
		Name:  "vad_level",
		Time:  s.clock.Now(),
		Value: level,
		Tags:  s.tags(),
	})
}
