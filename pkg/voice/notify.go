package voice

import (
	"github.com/harunnryd/suara/pkg/errorsx"
	"github.com/harunnryd/suara/pkg/metrics"
	"github.com/harunnryd/suara/pkg/turn"
)

// raise shows err as a transient notice that expires after NoticeTTL. A
// newer notice replaces an older one.
func (s *Session) raise(err error, message string) {
	if err == nil {
		return
	}
	reason := errorsx.Reason(err)
	if message == "" {
		message = noticeMessage(reason)
	}
	s.log.Warn("session_notice", "reason", string(reason), "error", err)
	s.noticeSeq++
	seq := s.noticeSeq
	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
	}
	s.notice = &Notice{
		Reason:    reason,
		Message:   message,
		Detail:    err.Error(),
		ExpiresAt: s.clock.Now().Add(s.cfg.NoticeTTL),
	}
	s.noticeTimer = s.clock.AfterFunc(s.cfg.NoticeTTL, func() {
		s.loop.Post(func() {
			if seq != s.noticeSeq {
				return
			}
			s.notice = nil
			s.noticeTimer = nil
			s.publish()
		})
	})
	s.emit("notice", 0, map[string]any{"reason": string(reason)})
	s.publish()
}

func (s *Session) snapshot() Snapshot {
	st := s.state()
	var notice *Notice
	if s.notice != nil {
		n := *s.notice
		notice = &n
	}
	return Snapshot{
		State:     st,
		Display:   turn.Display(st, s.talkMode, s.connected),
		TalkMode:  s.talkMode,
		Connected: s.connected,
		SessionID: s.sessionID,
		Remaining: s.timer.Remaining(),
		Notice:    notice,
		Entries:   s.transcript.Len(),
	}
}

func (s *Session) subscribers() []Listener {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, sub := range s.listeners {
		out = append(out, sub.l)
	}
	return out
}

func (s *Session) publish() {
	listeners := s.subscribers()
	if len(listeners) == 0 {
		return
	}
	snap := s.snapshot()
	for _, l := range listeners {
		l.OnSnapshot(snap)
	}
}

func (s *Session) tags() map[string]string {
	return map[string]string{
		"trace_id":   s.traceID,
		"session_id": s.sessionID,
		"component":  "session",
	}
}

func (s *Session) emit(name string, value float64, fields map[string]any) {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   s.clock.Now(),
		Value:  value,
		Tags:   s.tags(),
		Fields: fields,
	})
}
