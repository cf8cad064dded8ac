package core

import (
	"context"
	"sync"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// LocalTrack is a locally captured track that can be bound to a peer
// connection sender. mediadevices.Track satisfies it.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
	// OnEnded fires when the underlying capture stops on its own,
	// e.g. the OS "stop sharing" control.
	OnEnded(func(error))
}

// RemoteTrack is an inbound track surfaced by a PeerLink.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// MediaDevices is the capture layer: camera and microphone, and display.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c domain.Constraints) (*LocalStream, error)
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}

// LocalStream holds at most one audio and one video capture track.
// The session controller owns it; everything else only borrows tracks.
type LocalStream struct {
	id   string
	tier domain.QualityTier

	mu      sync.RWMutex
	audio   LocalTrack
	video   LocalTrack
	stopped bool
}

func NewLocalStream(tier domain.QualityTier, audio, video LocalTrack) *LocalStream {
	return &LocalStream{id: uuid.NewString(), tier: tier, audio: audio, video: video}
}

func (s *LocalStream) ID() string               { return s.id }
func (s *LocalStream) Tier() domain.QualityTier { return s.tier }

func (s *LocalStream) Audio() LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

func (s *LocalStream) Video() LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video
}

func (s *LocalStream) Tracks() []LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocalTrack, 0, 2)
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

// SetVideo installs a new camera track and returns the previous one.
// The caller decides whether to stop the previous track.
func (s *LocalStream) SetVideo(t LocalTrack) LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.video
	s.video = t
	return prev
}

// Stop closes every track. Idempotent.
func (s *LocalStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := []LocalTrack{s.audio, s.video}
	s.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "core.media").Str("track", t.ID()).Msg("track close")
		}
	}
	log.Info().Str("module", "core.media").Str("stream", s.id).Msg("local stream stopped")
}

func (s *LocalStream) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// RemoteStream groups the remote tracks of one PeerLink. It is invalidated
// when the PeerLink is replaced, never by an ICE restart.
type RemoteStream struct {
	LinkID string
	Tracks []RemoteTrack
}
