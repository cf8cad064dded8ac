package call

import (
	"errors"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadySharing = errors.New("screen share already active")
	ErrNoCamera       = errors.New("session has no camera track")
)

// TrackSwapper replaces the outgoing video track on a negotiated PeerLink.
// Screen share and camera are mutually exclusive. The saved camera track is
// held here explicitly so restoring it is a plain read.
// All methods run on the controller loop.
type TrackSwapper struct {
	link   core.PeerLink
	stream *core.LocalStream
	facing domain.FacingMode

	savedCamera core.LocalTrack
	screen      core.LocalTrack
}

func newTrackSwapper(stream *core.LocalStream, link core.PeerLink, facing domain.FacingMode) *TrackSwapper {
	return &TrackSwapper{link: link, stream: stream, facing: facing}
}

func (s *TrackSwapper) Sharing() bool { return s.screen != nil }

func (s *TrackSwapper) Facing() domain.FacingMode { return s.facing }

// SavedCamera is the camera track parked while a screen share is live.
func (s *TrackSwapper) SavedCamera() core.LocalTrack { return s.savedCamera }

// StartScreenShare sends screen instead of the camera. On error nothing
// changed and the caller still owns screen.
func (s *TrackSwapper) StartScreenShare(screen core.LocalTrack) error {
	if s.screen != nil {
		return &domain.TrackReplacementError{Op: "start screen share", Err: ErrAlreadySharing}
	}
	prev, err := s.link.ReplaceOutgoingVideoTrack(screen)
	if err != nil {
		return &domain.TrackReplacementError{Op: "start screen share", Err: err}
	}
	if prev == nil {
		prev = s.stream.Video()
	}
	s.savedCamera = prev
	s.screen = screen
	log.Info().Str("module", "call.swapper").Str("track", screen.ID()).Msg("screen share started")
	return nil
}

// StopScreenShare restores the saved camera track and closes the screen
// track. It is a no-op when nothing is shared.
func (s *TrackSwapper) StopScreenShare() error {
	if s.screen == nil {
		return nil
	}
	if _, err := s.link.ReplaceOutgoingVideoTrack(s.savedCamera); err != nil {
		return &domain.TrackReplacementError{Op: "stop screen share", Err: err}
	}
	screen := s.screen
	s.screen = nil
	s.savedCamera = nil
	if err := screen.Close(); err != nil {
		log.Warn().Err(err).Str("module", "call.swapper").Msg("screen track close")
	}
	log.Info().Str("module", "call.swapper").Msg("screen share stopped, camera restored")
	return nil
}

// SwitchCamera installs camera, captured with facing, and stops the old
// camera track. While a screen share is live only the parked camera changes.
// On error nothing changed and the caller still owns camera.
func (s *TrackSwapper) SwitchCamera(camera core.LocalTrack, facing domain.FacingMode) error {
	if s.stream.Video() == nil {
		return &domain.TrackReplacementError{Op: "switch camera", Err: ErrNoCamera}
	}
	if s.screen != nil {
		s.savedCamera = camera
	} else if _, err := s.link.ReplaceOutgoingVideoTrack(camera); err != nil {
		return &domain.TrackReplacementError{Op: "switch camera", Err: err}
	}
	old := s.stream.SetVideo(camera)
	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call.swapper").Msg("old camera close")
		}
	}
	s.facing = facing
	log.Info().Str("module", "call.swapper").Str("facing", string(facing)).Msg("camera switched")
	return nil
}

// setLink rebinds to a replacement PeerLink, which starts out sending the
// stream's camera. A live screen share is carried over.
func (s *TrackSwapper) setLink(link core.PeerLink) error {
	s.link = link
	if s.screen == nil {
		return nil
	}
	prev, err := link.ReplaceOutgoingVideoTrack(s.screen)
	if err != nil {
		return &domain.TrackReplacementError{Op: "carry screen share", Err: err}
	}
	if prev != nil {
		s.savedCamera = prev
	}
	return nil
}

// onScreenEnded handles the capture stopping on its own.
func (s *TrackSwapper) onScreenEnded(track core.LocalTrack) error {
	if s.screen == nil || s.screen != track {
		return nil
	}
	return s.StopScreenShare()
}

// release closes the screen track if one is live. The camera belongs to
// the stream and is stopped with it.
func (s *TrackSwapper) release() {
	if s.screen == nil {
		return
	}
	if err := s.screen.Close(); err != nil {
		log.Warn().Err(err).Str("module", "call.swapper").Msg("screen track close")
	}
	s.screen = nil
	s.savedCamera = nil
}
