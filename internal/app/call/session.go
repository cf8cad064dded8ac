package call

import (
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MaxReconnectAttempts is the ICE restart ceiling. Reaching it is terminal.
const MaxReconnectAttempts = 3

// DefaultConnectTimeout bounds the connecting state.
const DefaultConnectTimeout = 45 * time.Second

// Session is one call attempt. It is owned by the controller loop and never
// touched from any other goroutine.
type Session struct {
	gen   uint64
	Room  domain.RoomID
	Local domain.Participant
	State domain.SessionState

	ReconnectAttempts int
	Tier              domain.QualityTier
	Quality           domain.ConnectionQuality

	stream  *core.LocalStream
	link    core.PeerLink
	channel core.SignalingChannel
	swapper *TrackSwapper

	presence map[domain.ParticipantID]domain.Participant

	// remote is the peer this session negotiates with; empty until one
	// is chosen from presence.
	remote   domain.ParticipantID
	offerer  bool
	offered  bool
	answered bool

	remoteTracks      []core.RemoteTrack
	pendingCandidates []webrtc.ICECandidateInit

	transportDown bool
	outbox        []domain.SignalingMessage

	connectTimer *time.Timer
}

func newSession(gen uint64, room domain.RoomID, local domain.Participant) *Session {
	return &Session{
		gen:      gen,
		Room:     room,
		Local:    local,
		State:    domain.StateIdle,
		presence: make(map[domain.ParticipantID]domain.Participant),
	}
}

// recordReconnectFailure counts one failed transition and reports whether
// the ceiling has been reached.
func (s *Session) recordReconnectFailure() (exhausted bool) {
	if s.ReconnectAttempts < MaxReconnectAttempts {
		s.ReconnectAttempts++
	}
	return s.ReconnectAttempts >= MaxReconnectAttempts
}

func (s *Session) resetReconnect() { s.ReconnectAttempts = 0 }

// shouldOffer decides the role against a newly joined participant: only the
// side that was already present offers.
func (s *Session) shouldOffer(remote domain.Participant) bool {
	if s.Local.JoinedAt.IsZero() {
		// Our own presence record has not come back yet.
		return false
	}
	return s.Local.JoinedBefore(remote)
}

// resetNegotiation clears per-link negotiation state when the PeerLink is
// replaced.
func (s *Session) resetNegotiation() {
	s.remote = ""
	s.offerer = false
	s.offered = false
	s.answered = false
	s.remoteTracks = nil
	s.pendingCandidates = nil
}

// SessionSnapshot is a read-only copy of the session for callers outside
// the loop.
type SessionSnapshot struct {
	Room              domain.RoomID            `json:"room"`
	Local             domain.Participant       `json:"local"`
	Remote            domain.ParticipantID     `json:"remote,omitempty"`
	State             domain.SessionState      `json:"state"`
	ReconnectAttempts int                      `json:"reconnectAttempts"`
	Tier              domain.QualityTier       `json:"tier"`
	Quality           domain.ConnectionQuality `json:"quality"`
	Offerer           bool                     `json:"offerer"`
	ScreenSharing     bool                     `json:"screenSharing"`
	Participants      []domain.Participant     `json:"participants"`
}

func (s *Session) snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		Room:              s.Room,
		Local:             s.Local,
		Remote:            s.remote,
		State:             s.State,
		ReconnectAttempts: s.ReconnectAttempts,
		Tier:              s.Tier,
		Quality:           s.Quality,
		Offerer:           s.offerer,
		Participants:      make([]domain.Participant, 0, len(s.presence)),
	}
	if s.swapper != nil {
		snap.ScreenSharing = s.swapper.Sharing()
	}
	for _, p := range s.presence {
		snap.Participants = append(snap.Participants, p)
	}
	return snap
}
