package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/harunnryd/suara/pkg/metrics"
)

// UsageSummary is the per-session activity written when the observer closes.
type UsageSummary struct {
	TraceID        string  `json:"trace_id"`
	SessionID      string  `json:"session_id,omitempty"`
	Utterances     int     `json:"utterances"`
	UtteranceBytes int64   `json:"utterance_bytes"`
	TextMessages   int     `json:"text_messages"`
	Responses      int     `json:"responses"`
	BargeIns       int     `json:"barge_ins"`
	AudioDropped   int     `json:"audio_dropped"`
	Reconnects     int     `json:"reconnects"`
	TalkSeconds    float64 `json:"talk_seconds"`
	RecordedAtUTC  string  `json:"recorded_at_utc"`

	talkStart time.Time
}

type UsageObserver struct {
	dir   string
	now   func() time.Time
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string, now func() time.Time) *UsageObserver {
	if now == nil {
		now = time.Now
	}
	return &UsageObserver{dir: dir, now: now, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	traceID := ev.Tags["trace_id"]
	if traceID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[traceID]
	if stat == nil {
		stat = &UsageSummary{TraceID: traceID}
		o.stats[traceID] = stat
	}
	if sid := ev.Tags["session_id"]; sid != "" {
		stat.SessionID = sid
	}
	switch ev.Name {
	case "utterance_sent":
		stat.Utterances++
		stat.UtteranceBytes += int64(ev.Value)
	case "text_sent":
		stat.TextMessages++
	case "response_received":
		stat.Responses++
	case "barge_in":
		stat.BargeIns++
	case "audio_dropped":
		stat.AudioDropped++
	case "reconnect_attempt":
		stat.Reconnects++
	case "talk_mode_start":
		stat.talkStart = ev.Time
	case "talk_mode_end":
		if !stat.talkStart.IsZero() {
			stat.TalkSeconds += ev.Time.Sub(stat.talkStart).Seconds()
			stat.talkStart = time.Time{}
		}
	}
}

// Summary returns a copy of the counters for traceID.
func (o *UsageObserver) Summary(traceID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat, ok := o.stats[traceID]
	if !ok {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes one <trace>.usage.json per session when a directory is set.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = o.now().UTC().Format(time.RFC3339)
		b, err := sonic.ConfigStd.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

var _ metrics.Observer = (*UsageObserver)(nil)
