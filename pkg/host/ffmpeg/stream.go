package ffmpeg

import (
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/suara/pkg/audio"
)

// Stream is a running capture process. Frames read from it are fanned out
// to every subscriber in read order.
type Stream struct {
	frameBytes int
	stop       func() error

	mu   sync.Mutex
	subs map[uint64]func([]byte)
	next uint64

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newStream(r io.Reader, frameBytes int, stop func() error) *Stream {
	s := &Stream{
		frameBytes: frameBytes,
		stop:       stop,
		subs:       make(map[uint64]func([]byte)),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.pump(r)
	return s
}

func (s *Stream) pump(r io.Reader) {
	defer close(s.done)
	buf := make([]byte, s.frameBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			s.readyOnce.Do(func() { close(s.ready) })
			s.publish(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) publish(frame []byte) {
	s.mu.Lock()
	subs := make([]func([]byte), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(frame)
	}
}

// subscribe registers fn for every following frame until the returned
// cancel is called.
func (s *Stream) subscribe(fn func([]byte)) (cancel func()) {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Done is closed when the capture process stops producing audio.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.closeErr = s.stop()
		}
	})
	return s.closeErr
}

type sampler struct {
	level  atomic.Uint64
	cancel func()
	once   sync.Once
}

func newSampler(s *Stream) *sampler {
	sm := &sampler{}
	sm.cancel = s.subscribe(func(frame []byte) {
		sm.level.Store(math.Float64bits(audio.Level(frame)))
	})
	return sm
}

// Level returns the RMS of the most recent frame.
func (s *sampler) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

func (s *sampler) Close() error {
	s.once.Do(s.cancel)
	s.level.Store(0)
	return nil
}
