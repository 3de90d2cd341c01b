package ffmpeg

import (
	"bytes"
	"sync"
)

type recorder struct {
	stream *Stream
	mime   string
	encode func(pcm []byte) ([]byte, error)

	mu        sync.Mutex
	pcm       bytes.Buffer
	cancel    func()
	recording bool
	onData    func([]byte, error)
}

func (r *recorder) MimeType() string { return r.mime }

func (r *recorder) OnData(fn func([]byte, error)) {
	r.mu.Lock()
	r.onData = fn
	r.mu.Unlock()
}

func (r *recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil
	}
	r.recording = true
	r.pcm.Reset()
	r.cancel = r.stream.subscribe(func(frame []byte) {
		r.mu.Lock()
		if r.recording {
			r.pcm.Write(frame)
		}
		r.mu.Unlock()
	})
	return nil
}

// Stop detaches from the stream and encodes the captured PCM off the
// caller's goroutine.
func (r *recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	cancel := r.cancel
	r.cancel = nil
	pcm := append([]byte(nil), r.pcm.Bytes()...)
	r.pcm.Reset()
	fn := r.onData
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	go func() {
		if len(pcm) == 0 {
			if fn != nil {
				fn(nil, nil)
			}
			return
		}
		data, err := r.encode(pcm)
		if fn != nil {
			fn(data, err)
		}
	}()
	return nil
}
