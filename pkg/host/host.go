package host

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the capture device is refused.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrUnsupportedMimeType is returned by CreateRecorder for codecs the host cannot produce.
	ErrUnsupportedMimeType = errors.New("unsupported recorder mime type")
	// ErrUndecodable is returned by CreatePlayable for bytes the host cannot play.
	ErrUndecodable = errors.New("audio payload cannot be decoded")
)

// Stream is a granted capture device. Closing it releases the device.
type Stream interface {
	Close() error
}

// Recorder encodes captured audio for one utterance.
type Recorder interface {
	MimeType() string
	Start() error
	// Stop ends capture. The data handler registered with OnData is called
	// once with the finalized payload, possibly on another goroutine.
	Stop() error
	OnData(fn func(data []byte, err error))
}

// EnergySampler reports the current input level in [0,1].
type EnergySampler interface {
	Level() float64
	Close() error
}

// Playable is decoded audio ready for output.
type Playable interface {
	// Play starts from the current position. Exactly one of onEnded or
	// onError is called when playback finishes on its own.
	Play(onEnded func(), onError func(error)) error
	// Stop halts output and rewinds; no completion callback follows.
	Stop() error
	// Revoke releases the decoded buffer. The playable is unusable afterwards.
	Revoke() error
}

// Host is the capability surface the session needs from its runtime.
type Host interface {
	RequestCaptureStream(ctx context.Context) (Stream, error)
	CreateRecorder(stream Stream, mimeType string) (Recorder, error)
	CreateEnergySampler(stream Stream) (EnergySampler, error)
	CreatePlayable(data []byte) (Playable, error)
}
