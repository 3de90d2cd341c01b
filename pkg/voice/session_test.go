package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/suara/pkg/channel"
	"github.com/harunnryd/suara/pkg/clock"
	"github.com/harunnryd/suara/pkg/errorsx"
	hostmock "github.com/harunnryd/suara/pkg/host/mock"
	"github.com/harunnryd/suara/pkg/metrics"
	"github.com/harunnryd/suara/pkg/transcript"
	"github.com/harunnryd/suara/pkg/transports/mock"
	"github.com/harunnryd/suara/pkg/turn"
)

var epoch = time.Unix(1_700_000_000, 0)

const loud = 0.2

type harness struct {
	t      *testing.T
	s      *Session
	host   *hostmock.Host
	dialer *mock.Dialer
	clk    *clock.Manual
	obs    *metrics.MemoryObserver
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithChannel(t, cfg, channel.Config{URL: "ws://backend.test/ws"})
}

func newHarnessWithChannel(t *testing.T, cfg Config, chCfg channel.Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		host:   hostmock.New(),
		dialer: mock.NewDialer(),
		clk:    clock.NewManual(epoch),
		obs:    metrics.NewMemoryObserver(),
	}
	s, err := New(Options{
		Config:   cfg,
		Channel:  chCfg,
		Host:     h.host,
		Dialer:   h.dialer,
		Clock:    h.clk,
		Observer: h.obs,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	if err := h.s.loop.Do(context.Background(), fn); err != nil {
		h.t.Fatalf("loop: %v", err)
	}
}

// flush runs work posted by the previous flush as well.
func (h *harness) flush() {
	h.t.Helper()
	h.do(func() {})
	h.do(func() {})
}

// step advances the clock one poll interval at a time and checks that the
// microphone and speaker are never both in use.
func (h *harness) step(total time.Duration) {
	h.t.Helper()
	const tick = 20 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < total; elapsed += tick {
		h.clk.Advance(tick)
		h.flush()
		h.exclusive()
	}
}

func (h *harness) exclusive() {
	h.t.Helper()
	if r, p := h.host.ActiveRecorders(), h.host.ActivePlayables(); r+p > 1 {
		h.t.Fatalf("capture and playback overlap: recorders=%d playables=%d", r, p)
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ok := false
		h.do(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) state() turn.State {
	var st turn.State
	h.do(func() { st = h.s.state() })
	return st
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.s.Snapshot(context.Background())
	if err != nil {
		h.t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

func (h *harness) waitState(want turn.State) {
	h.t.Helper()
	h.waitFor("state "+want.String(), func() bool { return h.s.state() == want })
}

func (h *harness) startTalk() *mock.Conn {
	h.t.Helper()
	if err := h.s.StartTalkMode(context.Background()); err != nil {
		h.t.Fatalf("StartTalkMode: %v", err)
	}
	h.waitFor("connected", func() bool { return h.s.connected })
	return h.dialer.Last()
}

func (h *harness) connect() *mock.Conn {
	h.t.Helper()
	if err := h.s.Connect(context.Background()); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	h.waitFor("connected", func() bool { return h.s.connected })
	return h.dialer.Last()
}

// speak drives one utterance from onset to offset.
func (h *harness) speak(conn *mock.Conn) {
	h.t.Helper()
	h.host.SetLevel(loud)
	h.step(40 * time.Millisecond)
	h.waitState(turn.StateListening)
	h.host.SetLevel(0)
	h.step(1600 * time.Millisecond)
	if got := h.state(); got != turn.StateProcessing {
		h.t.Fatalf("state after offset = %s, want processing", got)
	}
	if conn != nil {
		h.waitFor("audio frame", func() bool { return countType(conn, "audio") > 0 })
	}
}

// sendText submits text from another goroutine so the clock can advance
// while the channel becomes ready.
func (h *harness) sendText(text string) <-chan error {
	res := make(chan error, 1)
	go func() { res <- h.s.SendText(context.Background(), text) }()
	return res
}

func frameTypes(conn *mock.Conn) []string {
	var out []string
	for _, raw := range conn.Sent() {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func countType(conn *mock.Conn, typ string) int {
	n := 0
	for _, got := range frameTypes(conn) {
		if got == typ {
			n++
		}
	}
	return n
}

func responseFrame(kind, transcription, text string, audio []byte) []byte {
	msg := map[string]any{
		"type":          kind,
		"transcription": transcription,
		"response_text": text,
		"latency":       map[string]any{"stt": 120, "llm": 480},
	}
	if audio != nil {
		msg["audio"] = base64.StdEncoding.EncodeToString(audio)
	}
	b, _ := json.Marshal(msg)
	return b
}

func lastIndex(events []string, name string) int {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i] == name {
			return i
		}
	}
	return -1
}

func TestTalkModeRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	if got := h.state(); got != turn.StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}

	h.speak(conn)
	conn.Push(responseFrame("response", "what time is it", "it is noon", []byte("RIFF-reply")))
	h.waitState(turn.StateSpeaking)
	if h.host.ActivePlayables() != 1 {
		t.Fatalf("expected reply to be playing")
	}

	h.host.Playables()[0].Finish()
	h.waitState(turn.StateIdle)

	entries, err := h.s.Transcript(context.Background())
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Role != transcript.RoleUser || entries[0].Text != "what time is it" {
		t.Fatalf("unexpected user entry %+v", entries[0])
	}
	if entries[1].Role != transcript.RoleAssistant || entries[1].AudioID == "" {
		t.Fatalf("unexpected assistant entry %+v", entries[1])
	}
	if h.obs.Count("response_received") != 1 {
		t.Fatalf("expected response_received event")
	}
	ev := h.obs.Named("response_received")[0]
	if ev.Fields["latency_llm_ms"] != float64(480) {
		t.Fatalf("latency fields = %v", ev.Fields)
	}
}

func TestBargeInStopsPlaybackBeforeCapture(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	h.speak(conn)
	conn.Push(responseFrame("response", "tell me a story", "once upon a time", []byte("RIFF-story")))
	h.waitState(turn.StateSpeaking)

	h.host.SetLevel(loud)
	h.step(600 * time.Millisecond)
	if got := h.state(); got != turn.StateListening {
		t.Fatalf("state after barge-in = %s, want listening", got)
	}
	events := h.host.Events()
	stop := lastIndex(events, "playback_stop")
	start := lastIndex(events, "recorder_start")
	if stop < 0 || start < 0 || stop > start {
		t.Fatalf("playback must stop before capture restarts: %v", events)
	}
	if h.obs.Count("barge_in") != 1 {
		t.Fatalf("barge_in events = %d, want 1", h.obs.Count("barge_in"))
	}
}

func TestQuietPlaybackIsNotInterrupted(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	h.speak(conn)
	conn.Push(responseFrame("response", "hi", "hello", []byte("RIFF-hello")))
	h.waitState(turn.StateSpeaking)

	// Above the idle threshold but below the speaking threshold.
	h.host.SetLevel(0.03)
	h.step(time.Second)
	if got := h.state(); got != turn.StateSpeaking {
		t.Fatalf("state = %s, want speaking", got)
	}
}

func TestUtteranceDroppedWhileDisconnected(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	h.host.SetLevel(loud)
	h.step(40 * time.Millisecond)
	h.waitState(turn.StateListening)

	conn.Drop(errors.New("connection reset"))
	h.waitFor("disconnect", func() bool { return !h.s.connected })

	h.host.SetLevel(0)
	h.step(1600 * time.Millisecond)
	h.waitState(turn.StateIdle)
	if h.obs.Count("audio_dropped") != 1 {
		t.Fatalf("audio_dropped = %d, want 1", h.obs.Count("audio_dropped"))
	}
	snap := h.snapshot()
	if snap.Notice == nil || snap.Notice.Reason != errorsx.ReasonConnection {
		t.Fatalf("notice = %+v, want connection notice", snap.Notice)
	}
	if snap.Display != turn.StateDisconnected {
		t.Fatalf("display = %s, want disconnected", snap.Display)
	}
}

func TestOnsetIgnoredWhileDisconnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.FailWith(errors.New("refused"))
	if err := h.s.StartTalkMode(context.Background()); err != nil {
		t.Fatalf("StartTalkMode: %v", err)
	}
	h.host.SetLevel(loud)
	h.step(200 * time.Millisecond)
	if got := h.state(); got != turn.StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if n := len(h.host.Recorders()); n != 0 {
		t.Fatalf("recorders = %d, want 0", n)
	}
}

func TestReconnectWhileInTalkMode(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	conn.Drop(errors.New("connection reset"))
	h.waitFor("disconnect", func() bool { return !h.s.connected })

	h.step(2100 * time.Millisecond)
	h.waitFor("reconnect", func() bool { return h.s.connected })
	if h.dialer.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", h.dialer.Dials())
	}
}

func TestStopTalkModeCancelsReconnect(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	conn.Drop(errors.New("connection reset"))
	h.waitFor("disconnect", func() bool { return !h.s.connected })
	h.step(time.Second)

	if err := h.s.StopTalkMode(context.Background()); err != nil {
		t.Fatalf("StopTalkMode: %v", err)
	}
	h.step(3 * time.Second)
	if h.dialer.Dials() != 1 {
		t.Fatalf("dials = %d, want 1", h.dialer.Dials())
	}
	if !h.host.Streams()[0].Closed() || !h.host.Samplers()[0].Closed() {
		t.Fatalf("capture device not released")
	}
	if got := h.state(); got != turn.StateChatMode {
		t.Fatalf("state = %s, want chat_mode", got)
	}
}

func TestStopTalkModeWhileListening(t *testing.T) {
	h := newHarness(t, Config{})
	h.startTalk()
	h.host.SetLevel(loud)
	h.step(40 * time.Millisecond)
	h.waitState(turn.StateListening)

	if err := h.s.StopTalkMode(context.Background()); err != nil {
		t.Fatalf("StopTalkMode: %v", err)
	}
	if h.host.ActiveRecorders() != 0 {
		t.Fatalf("recorder still running")
	}
	h.step(100 * time.Millisecond)
	if n := len(h.host.Recorders()); n != 1 {
		t.Fatalf("recorders = %d, want 1", n)
	}
	snap := h.snapshot()
	if snap.TalkMode || snap.State != turn.StateChatMode {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, Config{})
	h.host.DenyCapture(true)

	err := h.s.StartTalkMode(context.Background())
	if errorsx.Reason(err) != errorsx.ReasonPermissionDenied {
		t.Fatalf("err = %v, want permission denied", err)
	}
	snap := h.snapshot()
	if snap.TalkMode || snap.State != turn.StateChatMode {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Notice == nil || snap.Notice.Reason != errorsx.ReasonPermissionDenied {
		t.Fatalf("notice = %+v", snap.Notice)
	}
	if h.dialer.Dials() != 0 {
		t.Fatalf("channel should stay closed")
	}

	h.step(4 * time.Second)
	if snap := h.snapshot(); snap.Notice != nil {
		t.Fatalf("notice should expire, got %+v", snap.Notice)
	}
}

func TestTalkBudgetExpires(t *testing.T) {
	h := newHarness(t, Config{TalkBudget: 3 * time.Second})
	h.startTalk()

	h.step(3100 * time.Millisecond)
	snap := h.snapshot()
	if snap.TalkMode || snap.State != turn.StateChatMode {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !h.host.Streams()[0].Closed() {
		t.Fatalf("capture stream not released")
	}
	if snap.Remaining != 3*time.Second {
		t.Fatalf("remaining = %s, want full budget after reset", snap.Remaining)
	}
}

func TestTalkTimerPausedWhileSpeaking(t *testing.T) {
	h := newHarness(t, Config{TalkBudget: time.Minute})
	conn := h.startTalk()
	h.speak(conn)
	conn.Push(responseFrame("response", "hi", "a long answer", []byte("RIFF-long")))
	h.waitState(turn.StateSpeaking)

	h.step(time.Second)
	before := h.snapshot().Remaining
	h.step(3 * time.Second)
	during := h.snapshot().Remaining
	if during < before {
		t.Fatalf("remaining dropped while speaking: %s -> %s", before, during)
	}

	h.host.Playables()[0].Finish()
	h.waitState(turn.StateIdle)
	h.step(3 * time.Second)
	after := h.snapshot().Remaining
	if after > during-2*time.Second {
		t.Fatalf("remaining did not drop while idle: %s -> %s", during, after)
	}
}

func TestChatModeTextRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect()

	if err := h.s.SendText(context.Background(), "  hello  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := h.state(); got != turn.StateProcessing {
		t.Fatalf("state = %s, want processing", got)
	}
	h.waitFor("text frame", func() bool { return countType(conn, "text") == 1 })

	conn.Push(responseFrame("text_response", "", "hi there", nil))
	h.waitState(turn.StateChatMode)
	entries, _ := h.s.Transcript(context.Background())
	if len(entries) != 2 || entries[0].Text != "hello" || entries[1].Text != "hi there" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestSendTextRejectsEmptyAndBusy(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect()
	if err := h.s.SendText(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if err := h.s.SendText(context.Background(), "first"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := h.s.SendText(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestSendTextWaitsForChannel(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.sendText("are you there")
	h.waitFor("processing", func() bool { return h.s.state() == turn.StateProcessing })
	h.waitFor("connected", func() bool { return h.s.connected })

	h.step(200 * time.Millisecond)
	select {
	case err := <-res:
		if err != nil {
			t.Fatalf("SendText: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("SendText did not return")
	}
	h.waitFor("text frame", func() bool { return countType(h.dialer.Last(), "text") == 1 })
}

func TestSendTextTimesOut(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.FailWith(errors.New("refused"))
	res := h.sendText("anyone")
	h.waitFor("processing", func() bool { return h.s.state() == turn.StateProcessing })

	h.step(5100 * time.Millisecond)
	var err error
	select {
	case err = <-res:
	case <-time.After(2 * time.Second):
		t.Fatalf("SendText did not return")
	}
	if !errors.Is(err, channel.ErrSendTimeout) {
		t.Fatalf("err = %v, want ErrSendTimeout", err)
	}
	snap := h.snapshot()
	if snap.State != turn.StateChatMode {
		t.Fatalf("state = %s, want chat_mode", snap.State)
	}
	if snap.Notice == nil || snap.Notice.Reason != errorsx.ReasonSendTimeout {
		t.Fatalf("notice = %+v", snap.Notice)
	}
}

func TestResponseTimeout(t *testing.T) {
	h := newHarness(t, Config{ResponseTimeout: 2 * time.Second})
	h.connect()
	if err := h.s.SendText(context.Background(), "slow question"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	h.step(2100 * time.Millisecond)
	snap := h.snapshot()
	if snap.State != turn.StateChatMode {
		t.Fatalf("state = %s, want chat_mode", snap.State)
	}
	if snap.Notice == nil || snap.Notice.Reason != errorsx.ReasonServer {
		t.Fatalf("notice = %+v", snap.Notice)
	}
}

func TestServerErrorReturnsToBaseline(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect()
	if err := h.s.SendText(context.Background(), "break it"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	conn.Push([]byte(`{"type":"error","message":"model overloaded"}`))
	h.waitState(turn.StateChatMode)
	snap := h.snapshot()
	if snap.Notice == nil || snap.Notice.Message != "model overloaded" {
		t.Fatalf("notice = %+v", snap.Notice)
	}
}

func TestConnectionLostAfterSend(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect()
	if err := h.s.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	conn.Drop(errors.New("connection reset"))
	h.waitState(turn.StateChatMode)
	snap := h.snapshot()
	if snap.Connected {
		t.Fatalf("expected disconnected snapshot")
	}
	if snap.Notice == nil || snap.Notice.Reason != errorsx.ReasonConnection {
		t.Fatalf("notice = %+v", snap.Notice)
	}
}

func TestChatModeReplay(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect()
	if err := h.s.SendText(context.Background(), "say it"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	conn.Push(responseFrame("text_response", "", "said", []byte("RIFF-said")))
	h.waitState(turn.StateChatMode)

	playables := h.host.Playables()
	if len(playables) != 1 || playables[0].Plays() != 0 {
		t.Fatalf("chat mode audio should be loaded, not played")
	}
	entries, _ := h.s.Transcript(context.Background())
	reply := entries[len(entries)-1]
	if reply.AudioID == "" {
		t.Fatalf("reply has no audio: %+v", reply)
	}

	if err := h.s.Replay(context.Background(), reply.ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := h.state(); got != turn.StateSpeaking {
		t.Fatalf("state = %s, want speaking", got)
	}
	playables[0].Finish()
	h.waitState(turn.StateChatMode)

	if err := h.s.Replay(context.Background(), entries[0].ID); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}
	if err := h.s.Replay(context.Background(), "missing"); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("err = %v, want ErrUnknownEntry", err)
	}
}

func TestClearHistoryRevokesAudio(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect()
	for _, text := range []string{"one", "two"} {
		if err := h.s.SendText(context.Background(), text); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		conn.Push(responseFrame("text_response", "", "re: "+text, []byte("RIFF-"+text)))
		h.waitState(turn.StateChatMode)
	}
	entries, _ := h.s.Transcript(context.Background())
	if err := h.s.Replay(context.Background(), entries[1].ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if err := h.s.ClearHistory(context.Background()); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	for i, p := range h.host.Playables() {
		if p.Revokes() != 1 {
			t.Fatalf("playable %d revoked %d times, want 1", i, p.Revokes())
		}
		if p.Playing() {
			t.Fatalf("playable %d still playing", i)
		}
	}
	if got := h.state(); got != turn.StateChatMode {
		t.Fatalf("state = %s, want chat_mode", got)
	}
	if snap := h.snapshot(); snap.Entries != 0 {
		t.Fatalf("entries = %d, want 0", snap.Entries)
	}
	h.waitFor("clear frame", func() bool { return countType(conn, "clear_history") == 1 })
	if err := h.s.Replay(context.Background(), entries[1].ID); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("err = %v, want ErrUnknownEntry", err)
	}
}

func TestResponseAfterTalkModeEndedIsKept(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	h.speak(conn)
	if err := h.s.StopTalkMode(context.Background()); err != nil {
		t.Fatalf("StopTalkMode: %v", err)
	}
	conn = h.dialer.Last()
	conn.Push(responseFrame("response", "late question", "late answer", []byte("RIFF-late")))
	h.waitFor("entries", func() bool { return h.s.transcript.Len() == 1 })
	if h.host.ActivePlayables() != 0 {
		t.Fatalf("late reply must not play")
	}
	entries, _ := h.s.Transcript(context.Background())
	if entries[0].Role != transcript.RoleAssistant || entries[0].Text != "late answer" || entries[0].AudioID == "" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if got := h.state(); got != turn.StateChatMode {
		t.Fatalf("state = %s, want chat_mode", got)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	h.host.SetLevel(loud)
	h.step(40 * time.Millisecond)
	h.waitState(turn.StateListening)

	if err := h.s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.host.ActiveRecorders() != 0 {
		t.Fatalf("recorder still running")
	}
	if !h.host.Streams()[0].Closed() || !h.host.Samplers()[0].Closed() {
		t.Fatalf("capture device not released")
	}
	h.waitFor("conn closed", conn.Closed)
	if err := h.s.StartTalkMode(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

type snapshotRecorder struct {
	mu      sync.Mutex
	snaps   []Snapshot
	entries []transcript.Entry
}

func (r *snapshotRecorder) OnSnapshot(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapshotRecorder) OnEntry(e transcript.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *snapshotRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps), len(r.entries)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, Config{})
	rec := &snapshotRecorder{}
	unsubscribe := h.s.Subscribe(rec)
	h.connect()
	if err := h.s.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	snaps, entries := rec.counts()
	if snaps == 0 || entries != 1 {
		t.Fatalf("snapshots=%d entries=%d", snaps, entries)
	}

	unsubscribe()
	before, _ := rec.counts()
	if err := h.s.ClearHistory(context.Background()); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if after, _ := rec.counts(); after != before {
		t.Fatalf("received snapshots after unsubscribe")
	}
}

func TestStateChangesAreObserved(t *testing.T) {
	h := newHarness(t, Config{})
	h.startTalk()
	var found bool
	for _, ev := range h.obs.Named("state_change") {
		if ev.Fields["from"] == "chat_mode" && ev.Fields["to"] == "idle" {
			found = true
		}
		if ev.Tags["trace_id"] != h.s.TraceID() {
			t.Fatalf("trace id tag = %q", ev.Tags["trace_id"])
		}
	}
	if !found {
		t.Fatalf("missing chat_mode -> idle state change")
	}
}

func TestTalkModeResponseWithoutAudio(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	h.speak(conn)
	conn.Push([]byte(`{"type":"response","transcription":"hello","response_text":"Hi","audio":null}`))
	h.waitState(turn.StateIdle)

	if n := len(h.host.Playables()); n != 0 {
		t.Fatalf("playables = %d, want 0", n)
	}
	entries, _ := h.s.Transcript(context.Background())
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	reply := entries[1]
	if reply.Role != transcript.RoleAssistant || reply.Text != "Hi" || reply.AudioID != "" {
		t.Fatalf("unexpected assistant entry %+v", reply)
	}
}

func TestUndecodableAudioStillAdvances(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	h.speak(conn)
	conn.Push([]byte(`{"type":"response","transcription":"hello","response_text":"garbled","audio":"!!!not-base64"}`))
	h.waitState(turn.StateIdle)

	if n := len(h.host.Playables()); n != 0 {
		t.Fatalf("playables = %d, want 0", n)
	}
	entries, _ := h.s.Transcript(context.Background())
	if len(entries) != 2 || entries[1].Text != "garbled" || entries[1].AudioID != "" {
		t.Fatalf("entries = %+v", entries)
	}
	snap := h.snapshot()
	if snap.Notice == nil || snap.Notice.Reason != errorsx.ReasonDecode {
		t.Fatalf("notice = %+v, want decode notice", snap.Notice)
	}
}

func TestReconnectRecoversAfterExhaustedOutage(t *testing.T) {
	h := newHarnessWithChannel(t, Config{}, channel.Config{
		URL:                  "ws://backend.test/ws",
		MaxReconnectAttempts: 1,
	})
	h.dialer.FailWith(errors.New("refused"))
	if err := h.s.StartTalkMode(context.Background()); err != nil {
		t.Fatalf("StartTalkMode: %v", err)
	}
	h.waitFor("reconnect scheduled", h.s.channel.ReconnectPending)
	h.step(2100 * time.Millisecond)
	h.waitFor("attempts exhausted", func() bool {
		return h.dialer.Dials() == 2 && h.s.channel.State() == channel.StateClosed && !h.s.channel.ReconnectPending()
	})
	if err := h.s.StopTalkMode(context.Background()); err != nil {
		t.Fatalf("StopTalkMode: %v", err)
	}

	if err := h.s.StartTalkMode(context.Background()); err != nil {
		t.Fatalf("StartTalkMode: %v", err)
	}
	h.waitFor("reconnect scheduled after restart", func() bool {
		return h.dialer.Dials() == 3 && h.s.channel.ReconnectPending()
	})
	h.dialer.FailWith(nil)
	h.step(10 * time.Second)
	h.waitFor("reconnected", func() bool { return h.s.connected })
	if h.dialer.Dials() != 4 {
		t.Fatalf("dials = %d, want 4", h.dialer.Dials())
	}
	if snap := h.snapshot(); !snap.Connected || snap.Display != turn.StateIdle {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStartTalkModeReopensDroppedChannel(t *testing.T) {
	h := newHarnessWithChannel(t, Config{}, channel.Config{
		URL:                  "ws://backend.test/ws",
		MaxReconnectAttempts: 1,
	})
	conn := h.startTalk()
	h.dialer.FailWith(errors.New("refused"))
	conn.Drop(errors.New("connection reset"))
	h.waitFor("reconnect scheduled", h.s.channel.ReconnectPending)
	h.step(2100 * time.Millisecond)
	h.waitFor("attempts exhausted", func() bool {
		return h.dialer.Dials() == 2 && h.s.channel.State() == channel.StateClosed && !h.s.channel.ReconnectPending()
	})

	h.dialer.FailWith(nil)
	h.startTalk()
	if h.dialer.Dials() != 3 {
		t.Fatalf("dials = %d, want 3", h.dialer.Dials())
	}
	if n := len(h.host.Streams()); n != 1 {
		t.Fatalf("capture requested %d times, want 1", n)
	}
}

func TestStopTalkModeDuringProcessingForgetsRequest(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.startTalk()
	h.speak(conn)
	if err := h.s.StopTalkMode(context.Background()); err != nil {
		t.Fatalf("StopTalkMode: %v", err)
	}
	var request requestKind
	var awaiting uint64
	h.do(func() { request, awaiting = h.s.request, h.s.awaiting })
	if request != requestNone || awaiting != 0 {
		t.Fatalf("request = %v awaiting = %d after talk mode ended", request, awaiting)
	}
}

func TestCloseCancelsPendingText(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.FailWith(errors.New("refused"))
	res := h.sendText("anyone")
	h.waitFor("dial failed", func() bool {
		return h.dialer.Dials() == 1 && h.s.channel.State() == channel.StateClosed
	})
	h.step(200 * time.Millisecond)

	if err := h.s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-res:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("SendText did not return")
	}
	if n := h.clk.Pending(); n != 0 {
		t.Fatalf("timers pending after close: %d", n)
	}
	h.step(6 * time.Second)
	var reason errorsx.ReasonCode
	h.do(func() {
		if h.s.notice != nil {
			reason = h.s.notice.Reason
		}
	})
	if reason == errorsx.ReasonSendTimeout {
		t.Fatalf("send timeout raised after close")
	}
}
