package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

var errRevoked = errors.New("playable revoked")

// playable plays a buffered reply through one ffplay process per Play.
type playable struct {
	ffplay string

	mu      sync.Mutex
	data    []byte
	cmd     *exec.Cmd
	seq     uint64
	revoked bool
}

func (p *playable) Play(onEnded func(), onError func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revoked {
		return errRevoked
	}
	p.killLocked()
	p.seq++
	seq := p.seq
	cmd := exec.Command(p.ffplay, "-nodisp", "-autoexit", "-hide_banner", "-loglevel", "error", "-i", "pipe:0")
	cmd.Stdin = bytes.NewReader(p.data)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p.cmd = cmd
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		current := seq == p.seq
		if current {
			p.cmd = nil
		}
		p.mu.Unlock()
		if !current {
			return
		}
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("ffplay: %w", err))
			}
			return
		}
		if onEnded != nil {
			onEnded()
		}
	}()
	return nil
}

func (p *playable) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
	return nil
}

func (p *playable) Revoke() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
	p.revoked = true
	p.data = nil
	return nil
}

// killLocked stops the running process; its completion is ignored.
func (p *playable) killLocked() {
	p.seq++
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd = nil
}
