package host

import (
	"context"
	"sync"
)

// TextOnly is a host without audio devices. Capture is always refused and
// playables finish immediately, so the session works in chat mode only.
type TextOnly struct{}

func (TextOnly) RequestCaptureStream(context.Context) (Stream, error) {
	return nil, ErrPermissionDenied
}

func (TextOnly) CreateRecorder(Stream, string) (Recorder, error) {
	return nil, ErrUnsupportedMimeType
}

func (TextOnly) CreateEnergySampler(Stream) (EnergySampler, error) {
	return nil, ErrPermissionDenied
}

func (TextOnly) CreatePlayable(data []byte) (Playable, error) {
	if len(data) == 0 {
		return nil, ErrUndecodable
	}
	return &silentPlayable{}, nil
}

type silentPlayable struct {
	mu      sync.Mutex
	revoked bool
}

func (p *silentPlayable) Play(onEnded func(), _ func(error)) error {
	p.mu.Lock()
	revoked := p.revoked
	p.mu.Unlock()
	if revoked {
		return ErrUndecodable
	}
	if onEnded != nil {
		go onEnded()
	}
	return nil
}

func (p *silentPlayable) Stop() error { return nil }

func (p *silentPlayable) Revoke() error {
	p.mu.Lock()
	p.revoked = true
	p.mu.Unlock()
	return nil
}
