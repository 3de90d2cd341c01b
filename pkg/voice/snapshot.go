package voice

import (
	"time"

	"github.com/harunnryd/suara/pkg/errorsx"
	"github.com/harunnryd/suara/pkg/transcript"
	"github.com/harunnryd/suara/pkg/turn"
)

// Notice is a transient, auto-expiring message for the user.
type Notice struct {
	Reason    errorsx.ReasonCode
	Message   string
	Detail    string
	ExpiresAt time.Time
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	State     turn.State
	Display   turn.State
	TalkMode  bool
	Connected bool
	SessionID string
	Remaining time.Duration
	Notice    *Notice
	Entries   int
}

// Listener receives session updates on the event loop. Implementations must
// not block and must not call blocking Session methods.
type Listener interface {
	OnSnapshot(s Snapshot)
	OnEntry(e transcript.Entry)
}

var noticeMessages = map[errorsx.ReasonCode]string{
	errorsx.ReasonPermissionDenied: "microphone access was denied",
	errorsx.ReasonConnection:       "connection to the server failed",
	errorsx.ReasonSendTimeout:      "message could not be sent",
	errorsx.ReasonDecode:           "reply audio could not be decoded",
	errorsx.ReasonServer:           "the server reported an error",
	errorsx.ReasonCapture:          "recording failed",
	errorsx.ReasonPlayback:         "playback failed",
}

func noticeMessage(reason errorsx.ReasonCode) string {
	if msg, ok := noticeMessages[reason]; ok {
		return msg
	}
	return "something went wrong"
}
