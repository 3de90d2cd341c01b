package main

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/harunnryd/suara/pkg/transcript"
	"github.com/harunnryd/suara/pkg/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// controller is the part of voice.Session the command surfaces drive.
type controller interface {
	StartTalkMode(ctx context.Context) error
	StopTalkMode(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	ClearHistory(ctx context.Context) error
	Replay(ctx context.Context, entryID string) error
	Snapshot(ctx context.Context) (voice.Snapshot, error)
	Transcript(ctx context.Context) ([]transcript.Entry, error)
}

var _ controller = (*voice.Session)(nil)

type noticeView struct {
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type stateView struct {
	TraceID     string      `json:"trace_id"`
	State       string      `json:"state"`
	Display     string      `json:"display"`
	TalkMode    bool        `json:"talk_mode"`
	Connected   bool        `json:"connected"`
	SessionID   string      `json:"session_id,omitempty"`
	RemainingMS int64       `json:"remaining_ms"`
	Entries     int         `json:"entries"`
	Notice      *noticeView `json:"notice,omitempty"`
}

type entryView struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	HasAudio  bool      `json:"has_audio"`
}

func newStateView(traceID string, s voice.Snapshot) stateView {
	v := stateView{
		TraceID:     traceID,
		State:       s.State.String(),
		Display:     s.Display.String(),
		TalkMode:    s.TalkMode,
		Connected:   s.Connected,
		SessionID:   s.SessionID,
		RemainingMS: s.Remaining.Milliseconds(),
		Entries:     s.Entries,
	}
	if s.Notice != nil {
		v.Notice = &noticeView{
			Reason:    string(s.Notice.Reason),
			Message:   s.Notice.Message,
			ExpiresAt: s.Notice.ExpiresAt,
		}
	}
	return v
}

func newStatusRouter(sess controller, traceID string, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "trace_id": traceID})
	})
	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		snap, err := sess.Snapshot(r.Context())
		if err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, newStateView(traceID, snap))
	})
	r.Get("/transcript", func(w http.ResponseWriter, r *http.Request) {
		entries, err := sess.Transcript(r.Context())
		if err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
			return
		}
		out := make([]entryView, 0, len(entries))
		for _, e := range entries {
			out = append(out, entryView{
				ID:        e.ID,
				Role:      string(e.Role),
				Text:      e.Text,
				Timestamp: e.Timestamp,
				HasAudio:  e.AudioID != "",
			})
		}
		respondJSON(w, http.StatusOK, out)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
