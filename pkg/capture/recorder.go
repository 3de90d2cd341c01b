package capture

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/suara/pkg/errorsx"
	"github.com/harunnryd/suara/pkg/host"
	"github.com/harunnryd/suara/pkg/logging"
	"github.com/harunnryd/suara/pkg/loop"
)

// DefaultMimeTypes lists recorder codecs in preference order.
var DefaultMimeTypes = []string{"audio/ogg;codecs=opus", "audio/wav"}

var (
	ErrNoStream = errors.New("capture stream not granted")
	// ErrEmptyPayload is reported for utterances that produced no audio.
	ErrEmptyPayload = errors.New("empty capture payload")
)

// Payload is one finalized utterance.
type Payload struct {
	Utterance uint64
	MimeType  string
	Data      []byte
}

// Recorder drives host recorders one utterance at a time. Every method must
// be called from the event loop; host data callbacks are posted back to it.
type Recorder struct {
	host      host.Host
	exec      loop.Executor
	log       *slog.Logger
	mimeTypes []string
	sink      func(Payload, error)

	active    host.Recorder
	activeID  uint64
	utterance uint64
	pending   map[uint64]string
}

func New(h host.Host, exec loop.Executor, mimeTypes []string, log *slog.Logger) *Recorder {
	if len(mimeTypes) == 0 {
		mimeTypes = DefaultMimeTypes
	}
	return &Recorder{
		host:      h,
		exec:      exec,
		log:       logging.NewComponentLogger(log, "capture"),
		mimeTypes: mimeTypes,
		pending:   make(map[uint64]string),
	}
}

// SetSink registers the receiver of finalized payloads. It runs on the loop.
func (r *Recorder) SetSink(fn func(Payload, error)) {
	r.sink = fn
}

// Active reports whether a recorder is capturing.
func (r *Recorder) Active() bool { return r.active != nil }

// Start begins a new utterance. It is a no-op while one is active.
func (r *Recorder) Start(stream host.Stream) error {
	if r.active != nil {
		return nil
	}
	if stream == nil {
		return errorsx.Wrap(ErrNoStream, errorsx.ReasonCapture)
	}
	rec, err := r.create(stream)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCapture)
	}
	r.utterance++
	id := r.utterance
	rec.OnData(func(data []byte, err error) {
		r.exec.Post(func() { r.finalize(id, data, err) })
	})
	if err := rec.Start(); err != nil {
		return errorsx.Wrap(fmt.Errorf("start recorder: %w", err), errorsx.ReasonCapture)
	}
	r.active = rec
	r.activeID = id
	r.log.Debug("capture_started", "utterance", id, "mime_type", rec.MimeType())
	return nil
}

// Stop ends the active utterance; its payload reaches the sink once. It
// returns the utterance id, or 0 when nothing was recording.
func (r *Recorder) Stop() (uint64, error) {
	if r.active == nil {
		return 0, nil
	}
	rec, id := r.active, r.activeID
	r.active = nil
	r.pending[id] = rec.MimeType()
	if err := rec.Stop(); err != nil {
		delete(r.pending, id)
		return id, errorsx.Wrap(fmt.Errorf("stop recorder: %w", err), errorsx.ReasonCapture)
	}
	return id, nil
}

// Abort ends the active utterance and discards its payload. Payloads still
// pending from an earlier Stop are discarded too.
func (r *Recorder) Abort() error {
	for id := range r.pending {
		delete(r.pending, id)
	}
	if r.active == nil {
		return nil
	}
	rec := r.active
	r.active = nil
	if err := rec.Stop(); err != nil {
		return errorsx.Wrap(fmt.Errorf("abort recorder: %w", err), errorsx.ReasonCapture)
	}
	return nil
}

func (r *Recorder) create(stream host.Stream) (host.Recorder, error) {
	var errs error
	for _, mime := range r.mimeTypes {
		rec, err := r.host.CreateRecorder(stream, mime)
		if err == nil {
			return rec, nil
		}
		errs = errors.Join(errs, err)
		if !errors.Is(err, host.ErrUnsupportedMimeType) {
			break
		}
		r.log.Debug("capture_codec_unsupported", "mime_type", mime)
	}
	return nil, fmt.Errorf("create recorder: %w", errs)
}

func (r *Recorder) finalize(id uint64, data []byte, err error) {
	mime, ok := r.pending[id]
	if !ok {
		r.log.Debug("capture_data_ignored", "utterance", id)
		return
	}
	delete(r.pending, id)
	if r.sink == nil {
		return
	}
	if err != nil {
		r.sink(Payload{Utterance: id, MimeType: mime}, errorsx.Wrap(err, errorsx.ReasonCapture))
		return
	}
	if len(data) == 0 {
		r.sink(Payload{Utterance: id, MimeType: mime}, ErrEmptyPayload)
		return
	}
	r.sink(Payload{Utterance: id, MimeType: mime, Data: data}, nil)
}
