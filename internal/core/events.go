package core

import "github.com/dkeye/peercall/internal/domain"

type SessionEventType string

const (
	EventStateChange  SessionEventType = "state"
	EventLocalStream  SessionEventType = "local-stream"
	EventRemoteStream SessionEventType = "remote-stream"
	EventError        SessionEventType = "error"
)

// SessionEvent is what the UI layer observes. A RemoteStream event with a
// nil Remote means the previous remote stream is gone.
type SessionEvent struct {
	Type    SessionEventType
	Room    domain.RoomID
	State   domain.SessionState
	Tier    domain.QualityTier
	Quality domain.ConnectionQuality
	Local   *LocalStream
	Remote  *RemoteStream
	Err     error
}
