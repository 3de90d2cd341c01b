package voice

import (
	"time"

	"github.com/harunnryd/suara/pkg/capture"
	"github.com/harunnryd/suara/pkg/talktimer"
	"github.com/harunnryd/suara/pkg/vad"
)

type Config struct {
	TalkBudget      time.Duration
	TickInterval    time.Duration
	NoticeTTL       time.Duration
	ResponseTimeout time.Duration
	MimeTypes       []string
	VAD             vad.Config
}

func (c Config) withDefaults() Config {
	if c.TalkBudget <= 0 {
		c.TalkBudget = talktimer.DefaultBudget
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = 4 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if len(c.MimeTypes) == 0 {
		c.MimeTypes = capture.DefaultMimeTypes
	}
	return c
}
