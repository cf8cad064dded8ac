package domain

// SessionState is the call lifecycle state.
// Keep values stable because they are part of the public API.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateJoining    SessionState = "joining"
	StateConnecting SessionState = "connecting"
	StateActive     SessionState = "active"
	StateDegraded   SessionState = "degraded"
	StateEnded      SessionState = "ended"
	StateErrored    SessionState = "errored"
)

// Terminal reports whether no further transitions can happen for the session.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateErrored
}

// InCall reports whether the session holds negotiated or negotiating
// resources.
func (s SessionState) InCall() bool {
	return s == StateConnecting || s == StateActive || s == StateDegraded
}

// ConnectionState mirrors the peer connection's own state verbatim.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)
