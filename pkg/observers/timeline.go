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
	"github.com/harunnryd/suara/pkg/redact"
)

// TimelineObserver writes one JSONL timeline per session trace.
type TimelineObserver struct {
	dir   string
	skip  map[string]bool
	mu    sync.Mutex
	files map[string]*os.File
}

// NewTimelineObserver creates a timeline observer writing to dir. Events
// named in skip are not written.
func NewTimelineObserver(dir string, skip ...string) *TimelineObserver {
	o := &TimelineObserver{dir: dir, skip: make(map[string]bool), files: make(map[string]*os.File)}
	for _, name := range skip {
		o.skip[name] = true
	}
	return o
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	traceID := ev.Tags["trace_id"]
	if traceID == "" || strings.TrimSpace(o.dir) == "" || o.skip[ev.Name] {
		return
	}
	entry := timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		Value:     ev.Value,
		TraceID:   traceID,
		SessionID: ev.Tags["session_id"],
		Tags:      copyTags(ev.Tags, "trace_id", "session_id"),
		Fields:    sanitizeFields(ev.Fields),
	}

	line, err := sonic.Marshal(entry)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileForLocked(traceID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	Value     float64           `json:"value,omitempty"`
	TraceID   string            `json:"trace_id"`
	SessionID string            `json:"session_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) fileForLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string, drop ...string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, k := range drop {
		delete(out, k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sanitizeFields redacts free text. Identifiers and enum-like fields pass
// through unchanged.
func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
