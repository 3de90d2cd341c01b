package voice

import (
	"github.com/harunnryd/suara/pkg/errorsx"
	"github.com/harunnryd/suara/pkg/playback"
	"github.com/harunnryd/suara/pkg/protocol"
	"github.com/harunnryd/suara/pkg/transcript"
	"github.com/harunnryd/suara/pkg/turn"
)

var (
	errServerTimeout  = errorsx.New(errorsx.ReasonServer, "no response before timeout")
	errConnectionLost = errorsx.New(errorsx.ReasonConnection, "connection lost before the reply arrived")
)

// channelEvents receives channel callbacks on the loop.
type channelEvents struct{ s *Session }

func (e channelEvents) OnOpen() {
	s := e.s
	s.connected = true
	s.publish()
}

func (e channelEvents) OnClose(error) {
	s := e.s
	wasConnected := s.connected
	s.connected = false
	if s.state() == turn.StateProcessing && s.requestSent {
		s.raise(errConnectionLost, "")
		s.failRequest(s.requestSeq, "connection_lost")
	}
	if wasConnected {
		s.log.Info("session_disconnected", "talk_mode", s.talkMode)
	}
	s.publish()
}

func (e channelEvents) OnError(err error) {
	e.s.raise(err, "")
}

func (e channelEvents) OnMessage(msg protocol.Inbound) {
	s := e.s
	switch m := msg.(type) {
	case protocol.Connection:
		s.sessionID = m.SessionID
		s.log.Info("session_established", "session_id", m.SessionID)
		s.publish()
	case protocol.Processing:
		s.log.Debug("server_processing", "state", s.state().String())
	case protocol.Response:
		s.handleResponse(m)
	case protocol.Error:
		s.raise(errorsx.New(errorsx.ReasonServer, m.Message), m.Message)
		if s.state() == turn.StateProcessing {
			s.failRequest(s.requestSeq, "server_error")
		}
	case protocol.Pong:
	}
}

func (s *Session) handleResponse(r protocol.Response) {
	now := s.clock.Now()
	inFlight := s.state() == turn.StateProcessing
	fields := map[string]any{
		"kind":      string(r.Kind),
		"has_audio": r.HasAudio(),
		"in_flight": inFlight,
	}
	for stage, ms := range r.Latency {
		fields["latency_"+stage+"_ms"] = ms
	}
	var roundTrip float64
	if !s.sentAt.IsZero() {
		roundTrip = float64(now.Sub(s.sentAt).Milliseconds())
	}
	s.emit("response_received", roundTrip, fields)

	if s.request == requestAudio && r.Transcription != "" {
		s.appendEntry(transcript.RoleUser, r.Transcription, "")
	}

	var handle *playback.Handle
	playing := false
	if r.HasAudio() {
		data, err := r.DecodeAudio()
		switch {
		case err != nil:
			s.raise(errorsx.Wrap(err, errorsx.ReasonDecode), "")
		case s.talkMode && inFlight:
			handle, err = s.playback.Play(data)
			if err != nil {
				s.raise(err, "")
			} else {
				playing = true
			}
		default:
			handle, err = s.playback.Load(data)
			if err != nil {
				s.raise(err, "")
			}
		}
	}
	audioID := ""
	if handle != nil {
		audioID = handle.ID()
	}
	if r.ResponseText != "" || audioID != "" {
		s.appendEntry(transcript.RoleAssistant, r.ResponseText, audioID)
	}

	if !inFlight {
		s.publish()
		return
	}
	s.endRequest()
	if playing {
		s.transition(turn.StateSpeaking, "response_audio")
		return
	}
	s.transition(s.baseline(), "response")
}

// stateEvents mirrors state changes into the observer.
type stateEvents struct{ s *Session }

func (e stateEvents) OnStateChange(ev turn.StateChange) {
	e.s.log.Debug("state_change", "from", ev.FromState.String(), "to", ev.ToState.String(), "reason", ev.Reason)
	e.s.emit("state_change", 0, map[string]any{
		"from":   ev.FromState.String(),
		"to":     ev.ToState.String(),
		"reason": ev.Reason,
	})
}
