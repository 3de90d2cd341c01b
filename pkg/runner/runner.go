package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer releases what a run holds. The context carries the drain deadline.
type Drainer interface {
	Drain(ctx context.Context) error
}

// DrainerFunc adapts a function to Drainer.
type DrainerFunc func(ctx context.Context) error

func (f DrainerFunc) Drain(ctx context.Context) error { return f(ctx) }

var Version = "dev"

// PrintBanner writes the start banner to w. A nil w disables it.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"SUARA\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
