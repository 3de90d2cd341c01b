package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/harunnryd/suara/pkg/errorsx"
	"github.com/harunnryd/suara/pkg/transcript"
	"github.com/harunnryd/suara/pkg/turn"
	"github.com/harunnryd/suara/pkg/voice"
	"github.com/prometheus/client_golang/prometheus"
)

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusRouterState(t *testing.T) {
	ctrl := &fakeController{snap: voice.Snapshot{
		State:     turn.StateIdle,
		Display:   turn.StateIdle,
		TalkMode:  true,
		Connected: true,
		SessionID: "srv-1",
		Remaining: 42 * time.Second,
		Notice:    &voice.Notice{Reason: errorsx.ReasonConnection, Message: "connection to the server failed"},
	}}
	h := newStatusRouter(ctrl, "trace-1", prometheus.NewRegistry())

	rec := serve(t, h, "/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got stateView
	if err := sonic.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TraceID != "trace-1" || got.State != "idle" || !got.TalkMode || got.RemainingMS != 42000 {
		t.Fatalf("unexpected state view %+v", got)
	}
	if got.Notice == nil || got.Notice.Reason != string(errorsx.ReasonConnection) {
		t.Fatalf("expected connection notice, got %+v", got.Notice)
	}
}

func TestStatusRouterTranscript(t *testing.T) {
	ctrl := &fakeController{entries: []transcript.Entry{
		{ID: "e1", Role: transcript.RoleUser, Text: "hi"},
		{ID: "e2", Role: transcript.RoleAssistant, Text: "hello", AudioID: "a1"},
	}}
	rec := serve(t, newStatusRouter(ctrl, "trace-1", prometheus.NewRegistry()), "/transcript")
	var got []entryView
	if err := sonic.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].HasAudio || !got[1].HasAudio || got[1].Role != "assistant" {
		t.Fatalf("unexpected transcript %+v", got)
	}
}

func TestStatusRouterUnavailable(t *testing.T) {
	ctrl := &fakeController{err: errors.New("session closed")}
	h := newStatusRouter(ctrl, "trace-1", prometheus.NewRegistry())
	if rec := serve(t, h, "/state"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("state status = %d", rec.Code)
	}
	if rec := serve(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestStatusRouterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "suara_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	rec := serve(t, newStatusRouter(&fakeController{}, "trace-1", reg), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "suara_test_total 1") {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}
