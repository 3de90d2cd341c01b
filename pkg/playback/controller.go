package playback

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/harunnryd/suara/pkg/errorsx"
	"github.com/harunnryd/suara/pkg/host"
	"github.com/harunnryd/suara/pkg/logging"
	"github.com/harunnryd/suara/pkg/loop"
)

var (
	ErrRevoked       = errors.New("playback handle revoked")
	ErrUnknownHandle = errors.New("unknown playback handle")
)

// Handle is a registered, revocable playable.
type Handle struct {
	id       string
	playable host.Playable
	size     int
	revoked  bool
}

func (h *Handle) ID() string { return h.id }

// Size is the length of the encoded audio the handle was created from.
func (h *Handle) Size() int { return h.size }

// Controller owns every playable created for the session. At most one
// handle plays at a time. Every method must be called from the event loop.
type Controller struct {
	host host.Host
	exec loop.Executor
	log  *slog.Logger

	handles  map[string]*Handle
	order    []string
	active   *Handle
	seq      uint64
	finished func(*Handle, error)
}

func New(h host.Host, exec loop.Executor, log *slog.Logger) *Controller {
	return &Controller{
		host:    h,
		exec:    exec,
		log:     logging.NewComponentLogger(log, "playback"),
		handles: make(map[string]*Handle),
	}
}

// OnFinished registers the completion handler. It runs on the loop, only for
// the handle that is active when playback ends on its own.
func (c *Controller) OnFinished(fn func(h *Handle, err error)) {
	c.finished = fn
}

// Load decodes data and registers a handle without playing it.
func (c *Controller) Load(data []byte) (*Handle, error) {
	p, err := c.host.CreatePlayable(data)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode audio: %w", err), errorsx.ReasonDecode)
	}
	h := &Handle{id: uuid.NewString(), playable: p, size: len(data)}
	c.handles[h.id] = h
	c.order = append(c.order, h.id)
	return h, nil
}

// Play loads data and starts it, stopping whatever was playing.
func (c *Controller) Play(data []byte) (*Handle, error) {
	h, err := c.Load(data)
	if err != nil {
		return nil, err
	}
	return h, c.start(h)
}

// Replay plays a previously registered handle from the beginning.
func (c *Controller) Replay(id string) (*Handle, error) {
	h, ok := c.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	if h.revoked {
		return nil, ErrRevoked
	}
	return h, c.start(h)
}

func (c *Controller) start(h *Handle) error {
	c.Stop()
	c.seq++
	seq := c.seq
	c.active = h
	err := h.playable.Play(
		func() { c.exec.Post(func() { c.finish(seq, h, nil) }) },
		func(err error) { c.exec.Post(func() { c.finish(seq, h, err) }) },
	)
	if err != nil {
		c.active = nil
		return errorsx.Wrap(fmt.Errorf("start playback: %w", err), errorsx.ReasonPlayback)
	}
	c.log.Debug("playback_started", "handle", h.id, "bytes", h.size)
	return nil
}

func (c *Controller) finish(seq uint64, h *Handle, err error) {
	if seq != c.seq || c.active != h {
		return
	}
	c.active = nil
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonPlayback)
	}
	if c.finished != nil {
		c.finished(h, err)
	}
}

// Stop halts and rewinds the active handle without revoking it.
func (c *Controller) Stop() {
	if c.active == nil {
		return
	}
	h := c.active
	c.active = nil
	c.seq++
	if err := h.playable.Stop(); err != nil {
		c.log.Warn("playback_stop_failed", "handle", h.id, "error", err)
	}
}

// Active returns the playing handle, or nil.
func (c *Controller) Active() *Handle { return c.active }

// Len reports how many handles are registered.
func (c *Controller) Len() int { return len(c.handles) }

// ReleaseAll stops playback and revokes every registered handle exactly once.
func (c *Controller) ReleaseAll() error {
	c.Stop()
	var errs error
	for _, id := range c.order {
		h := c.handles[id]
		if h == nil || h.revoked {
			continue
		}
		h.revoked = true
		if err := h.playable.Revoke(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("revoke %s: %w", id, err))
		}
	}
	released := len(c.order)
	c.handles = make(map[string]*Handle)
	c.order = nil
	c.log.Debug("playback_released", "handles", released)
	return errs
}
