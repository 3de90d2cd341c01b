package channel

import (
	"time"

	"github.com/harunnryd/suara/pkg/resilience"
)

type Config struct {
	URL     string
	Headers map[string]string

	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ReadyPollInterval    time.Duration
	ReadyMaxWait         time.Duration
	DialTimeout          time.Duration
	SendBuffer           int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = resilience.DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = resilience.DefaultMaxReconnectAttempts
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 100 * time.Millisecond
	}
	if c.ReadyMaxWait <= 0 {
		c.ReadyMaxWait = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}
