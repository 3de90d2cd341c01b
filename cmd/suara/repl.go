package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/harunnryd/suara/pkg/transcript"
	"github.com/harunnryd/suara/pkg/turn"
	"github.com/harunnryd/suara/pkg/voice"
)

var errQuit = errors.New("quit")

const replHelp = `commands:
  /talk        start talk mode
  /stop        stop talk mode
  /clear       clear the conversation
  /replay N    replay the audio of transcript entry N
  /history     print the transcript
  /state       print the session state
  /quit        exit
anything else is sent as a text message`

// syncWriter serializes writes from the REPL and the session loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// runREPL reads commands from in until EOF, /quit or ctx is done.
func runREPL(ctx context.Context, sess controller, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			if err := handleLine(ctx, sess, strings.TrimSpace(line), out); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, sess controller, line string, out io.Writer) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return sess.SendText(ctx, line)
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(out, replHelp)
		return nil
	case "/talk":
		return sess.StartTalkMode(ctx)
	case "/stop":
		return sess.StopTalkMode(ctx)
	case "/clear":
		return sess.ClearHistory(ctx)
	case "/replay":
		return replayEntry(ctx, sess, arg)
	case "/history":
		entries, err := sess.Transcript(ctx)
		if err != nil {
			return err
		}
		for i, e := range entries {
			fmt.Fprintf(out, "%d. %s\n", i+1, formatEntry(e))
		}
		return nil
	case "/state":
		snap, err := sess.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatSnapshot(snap))
		return nil
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
}

func replayEntry(ctx context.Context, sess controller, arg string) error {
	entries, err := sess.Transcript(ctx)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(entries) {
		return fmt.Errorf("replay needs an entry number between 1 and %d", len(entries))
	}
	return sess.Replay(ctx, entries[n-1].ID)
}

func formatEntry(e transcript.Entry) string {
	marker := ""
	if e.AudioID != "" {
		marker = " [audio]"
	}
	return fmt.Sprintf("%s> %s%s", e.Role, e.Text, marker)
}

func formatSnapshot(s voice.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s talk_mode=%t connected=%t entries=%d", s.Display, s.TalkMode, s.Connected, s.Entries)
	if s.TalkMode {
		fmt.Fprintf(&b, " remaining=%ds", int(s.Remaining.Seconds()))
	}
	if s.Notice != nil {
		fmt.Fprintf(&b, " notice=%q", s.Notice.Message)
	}
	return b.String()
}

// printer echoes transcript entries and visible state changes. It runs on
// the session loop, so it only writes.
type printer struct {
	out        io.Writer
	lastState  turn.State
	lastNotice string
	started    bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) OnEntry(e transcript.Entry) {
	fmt.Fprintln(p.out, formatEntry(e))
}

func (p *printer) OnSnapshot(s voice.Snapshot) {
	if !p.started || s.Display != p.lastState {
		p.started = true
		p.lastState = s.Display
		fmt.Fprintf(p.out, "[%s]\n", s.Display)
	}
	msg := ""
	if s.Notice != nil {
		msg = s.Notice.Message
	}
	if msg != p.lastNotice {
		p.lastNotice = msg
		if msg != "" {
			fmt.Fprintf(p.out, "! %s\n", msg)
		}
	}
}

var _ voice.Listener = (*printer)(nil)
