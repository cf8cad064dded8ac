package core

import (
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerLink wraps exactly one direct peer connection.
type PeerLink interface {
	ID() string
	CreateOffer() (string, error)
	CreateAnswer(remoteSDP string) (string, error)
	SetRemoteAnswer(sdp string) error
	AddRemoteICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	// ReplaceOutgoingVideoTrack swaps the sent video track without
	// renegotiation and returns the track it replaced.
	ReplaceOutgoingVideoTrack(LocalTrack) (LocalTrack, error)
	// RestartICE returns an ICE-restart offer for the same connection.
	RestartICE() (string, error)
	// Events is the single dispatch point for everything the link reports.
	Events() <-chan LinkEvent
	Close() error
}

// PeerLinkFactory creates a PeerLink bound to a local stream.
type PeerLinkFactory interface {
	NewPeerLink(stream *LocalStream) (PeerLink, error)
}

type LinkEventType int

const (
	LinkStateChanged LinkEventType = iota
	LinkICECandidate
	LinkRemoteTrack
)

func (t LinkEventType) String() string {
	switch t {
	case LinkStateChanged:
		return "state"
	case LinkICECandidate:
		return "ice-candidate"
	case LinkRemoteTrack:
		return "remote-track"
	}
	return "unknown"
}

// LinkEvent is one notification from a PeerLink.
type LinkEvent struct {
	Type      LinkEventType
	LinkID    string
	State     domain.ConnectionState
	Candidate *webrtc.ICECandidateInit
	Track     RemoteTrack
}
