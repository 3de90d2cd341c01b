package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// ReasonPermissionDenied marks a refused capture device request.
	ReasonPermissionDenied ReasonCode = "permission_denied"
	// ReasonConnection covers dial failures, dropped sockets and exhausted reconnects.
	ReasonConnection ReasonCode = "connection"
	// ReasonSendTimeout is raised when a text message never found an open channel.
	ReasonSendTimeout ReasonCode = "send_timeout"
	// ReasonDecode marks audio the host could not turn into a playable.
	ReasonDecode ReasonCode = "decode"
	// ReasonServer is an error message reported by the backend.
	ReasonServer ReasonCode = "server"
	// ReasonCapture covers recorder failures after permission was granted.
	ReasonCapture ReasonCode = "capture"
	// ReasonPlayback covers playables that fail while playing.
	ReasonPlayback ReasonCode = "playback"
)

// Transient reports whether errors with this reason are shown as
// auto-expiring notices rather than ending the session.
func (r ReasonCode) Transient() bool {
	switch r {
	case ReasonConnection, ReasonSendTimeout, ReasonDecode, ReasonServer, ReasonCapture, ReasonPlayback, ReasonPermissionDenied:
		return true
	default:
		return false
	}
}
