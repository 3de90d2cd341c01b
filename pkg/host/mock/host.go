package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harunnryd/suara/pkg/host"
)

// Host is a scripted host for tests. It records every device operation in
// order so tests can assert sequencing (for example stop playback before
// starting capture).
type Host struct {
	mu          sync.Mutex
	level       float64
	denyCapture bool
	unsupported map[string]bool
	undecodable bool
	payload     []byte
	deferData   bool
	events      []string
	streams     []*Stream
	recorders   []*Recorder
	playables   []*Playable
	samplers    []*Sampler
}

func New() *Host {
	return &Host{
		unsupported: make(map[string]bool),
		payload:     []byte("utterance"),
	}
}

// SetLevel sets the energy every sampler reports.
func (h *Host) SetLevel(level float64) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

// DenyCapture makes RequestCaptureStream fail with host.ErrPermissionDenied.
func (h *Host) DenyCapture(deny bool) {
	h.mu.Lock()
	h.denyCapture = deny
	h.mu.Unlock()
}

// Unsupported marks a recorder mime type as unavailable.
func (h *Host) Unsupported(mimeType string) {
	h.mu.Lock()
	h.unsupported[mimeType] = true
	h.mu.Unlock()
}

// Undecodable makes CreatePlayable fail.
func (h *Host) Undecodable(v bool) {
	h.mu.Lock()
	h.undecodable = v
	h.mu.Unlock()
}

// SetPayload sets the bytes recorders hand out on Stop.
func (h *Host) SetPayload(data []byte) {
	h.mu.Lock()
	h.payload = append([]byte(nil), data...)
	h.mu.Unlock()
}

// DeferData makes recorders hold their payload until Deliver is called.
func (h *Host) DeferData(v bool) {
	h.mu.Lock()
	h.deferData = v
	h.mu.Unlock()
}

func (h *Host) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

// Events returns the ordered device operations.
func (h *Host) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	copy(out, h.events)
	return out
}

func (h *Host) RequestCaptureStream(ctx context.Context) (host.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	deny := h.denyCapture
	h.mu.Unlock()
	if deny {
		h.record("capture_denied")
		return nil, host.ErrPermissionDenied
	}
	s := &Stream{h: h}
	h.mu.Lock()
	h.streams = append(h.streams, s)
	h.mu.Unlock()
	h.record("capture_granted")
	return s, nil
}

func (h *Host) CreateRecorder(stream host.Stream, mimeType string) (host.Recorder, error) {
	h.mu.Lock()
	unsupported := h.unsupported[mimeType]
	h.mu.Unlock()
	if unsupported {
		return nil, fmt.Errorf("%w: %s", host.ErrUnsupportedMimeType, mimeType)
	}
	if s, ok := stream.(*Stream); !ok || s.Closed() {
		return nil, errors.New("recorder needs an open stream")
	}
	r := &Recorder{h: h, mimeType: mimeType}
	h.mu.Lock()
	h.recorders = append(h.recorders, r)
	h.mu.Unlock()
	return r, nil
}

func (h *Host) CreateEnergySampler(stream host.Stream) (host.EnergySampler, error) {
	s := &Sampler{h: h}
	h.mu.Lock()
	h.samplers = append(h.samplers, s)
	h.mu.Unlock()
	return s, nil
}

func (h *Host) CreatePlayable(data []byte) (host.Playable, error) {
	h.mu.Lock()
	undecodable := h.undecodable
	h.mu.Unlock()
	if undecodable || len(data) == 0 {
		return nil, host.ErrUndecodable
	}
	p := &Playable{h: h, data: append([]byte(nil), data...)}
	h.mu.Lock()
	h.playables = append(h.playables, p)
	h.mu.Unlock()
	return p, nil
}

// Recorders returns every recorder created so far.
func (h *Host) Recorders() []*Recorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Recorder(nil), h.recorders...)
}

// Playables returns every playable created so far.
func (h *Host) Playables() []*Playable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Playable(nil), h.playables...)
}

// Streams returns every granted capture stream.
func (h *Host) Streams() []*Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Stream(nil), h.streams...)
}

// Samplers returns every energy sampler created so far.
func (h *Host) Samplers() []*Sampler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Sampler(nil), h.samplers...)
}

// ActiveRecorders counts recorders that are capturing.
func (h *Host) ActiveRecorders() int {
	n := 0
	for _, r := range h.Recorders() {
		if r.Recording() {
			n++
		}
	}
	return n
}

// ActivePlayables counts playables that are playing.
func (h *Host) ActivePlayables() int {
	n := 0
	for _, p := range h.Playables() {
		if p.Playing() {
			n++
		}
	}
	return n
}

type Stream struct {
	h      *Host
	mu     sync.Mutex
	closed bool
}

func (s *Stream) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.h.record("capture_released")
	}
	return nil
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type Recorder struct {
	h         *Host
	mimeType  string
	mu        sync.Mutex
	recording bool
	onData    func([]byte, error)
	held      []byte
}

func (r *Recorder) MimeType() string { return r.mimeType }

func (r *Recorder) OnData(fn func([]byte, error)) {
	r.mu.Lock()
	r.onData = fn
	r.mu.Unlock()
}

func (r *Recorder) Start() error {
	r.mu.Lock()
	r.recording = true
	r.mu.Unlock()
	r.h.record("recorder_start")
	return nil
}

func (r *Recorder) Stop() error {
	r.mu.Lock()
	wasRecording := r.recording
	r.recording = false
	fn := r.onData
	r.mu.Unlock()
	if !wasRecording {
		return nil
	}
	r.h.record("recorder_stop")
	r.h.mu.Lock()
	payload := append([]byte(nil), r.h.payload...)
	deferred := r.h.deferData
	r.h.mu.Unlock()
	if deferred {
		r.mu.Lock()
		r.held = payload
		r.mu.Unlock()
		return nil
	}
	if fn != nil {
		fn(payload, nil)
	}
	return nil
}

// Deliver releases a payload held by DeferData. Calling it twice simulates
// a duplicate data event from the host.
func (r *Recorder) Deliver() {
	r.mu.Lock()
	fn := r.onData
	payload := r.held
	r.mu.Unlock()
	if fn != nil {
		fn(payload, nil)
	}
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

type Sampler struct {
	h      *Host
	mu     sync.Mutex
	closed bool
}

func (s *Sampler) Level() float64 {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return s.h.level
}

func (s *Sampler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Sampler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type Playable struct {
	h       *Host
	data    []byte
	mu      sync.Mutex
	playing bool
	plays   int
	revokes int
	misuse  int
	onEnded func()
	onError func(error)
}

func (p *Playable) Play(onEnded func(), onError func(error)) error {
	p.mu.Lock()
	if p.revokes > 0 {
		p.misuse++
		p.mu.Unlock()
		return errors.New("playable used after revoke")
	}
	p.playing = true
	p.plays++
	p.onEnded = onEnded
	p.onError = onError
	p.mu.Unlock()
	p.h.record("playback_start")
	return nil
}

func (p *Playable) Stop() error {
	p.mu.Lock()
	was := p.playing
	p.playing = false
	p.mu.Unlock()
	if was {
		p.h.record("playback_stop")
	}
	return nil
}

func (p *Playable) Revoke() error {
	p.mu.Lock()
	p.playing = false
	p.revokes++
	p.mu.Unlock()
	p.h.record("playback_revoke")
	return nil
}

// Finish simulates playback reaching the end.
func (p *Playable) Finish() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	fn := p.onEnded
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Fail simulates a playback error.
func (p *Playable) Fail(err error) {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (p *Playable) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Playable) Plays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

// Revokes reports how many times Revoke was called.
func (p *Playable) Revokes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revokes
}

// Misuse counts Play calls after revocation.
func (p *Playable) Misuse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.misuse
}

func (p *Playable) Data() []byte { return p.data }
