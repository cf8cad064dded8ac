// Package call is the peer-to-peer call session core: local media
// acquisition, the session state machine and live track swapping.
package call

import (
	"context"
	"errors"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

// PreviewSink receives the local stream once it has been captured.
type PreviewSink func(*core.LocalStream)

// MediaAcquirer captures local media, stepping down through the quality
// tiers until one succeeds.
type MediaAcquirer struct {
	devices core.MediaDevices
	preview PreviewSink
	facing  domain.FacingMode
}

type AcquirerOption func(*MediaAcquirer)

func WithPreview(sink PreviewSink) AcquirerOption {
	return func(a *MediaAcquirer) { a.preview = sink }
}

func WithFacing(f domain.FacingMode) AcquirerOption {
	return func(a *MediaAcquirer) { a.facing = f }
}

func NewMediaAcquirer(devices core.MediaDevices, opts ...AcquirerOption) *MediaAcquirer {
	a := &MediaAcquirer{devices: devices, facing: domain.FacingUser}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire returns a stream at the best tier the devices accept. The order is
// high, medium, low, then audio-only. A single tier failing is never fatal;
// only exhausting every tier is. A refused camera skips straight to
// audio-only.
func (a *MediaAcquirer) Acquire(ctx context.Context, videoWanted, audioWanted bool) (*core.LocalStream, error) {
	if !videoWanted && !audioWanted {
		return nil, domain.NewMediaError(domain.KindUnsupportedConstraints, domain.TierAudioOnly, errors.New("neither audio nor video requested"))
	}

	var tiers []domain.QualityTier
	if videoWanted {
		tiers = domain.VideoTiers()
	}
	if audioWanted {
		tiers = append(tiers, domain.TierAudioOnly)
	}

	var worst *domain.MediaError
	skipVideo := false
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc := domain.Descriptor(tier)
		if desc.HasVideo() && skipVideo {
			continue
		}

		stream, err := a.devices.GetUserMedia(ctx, a.constraints(desc, audioWanted))
		if err == nil {
			log.Info().Str("module", "call.media").Str("tier", string(tier)).Int("tracks", len(stream.Tracks())).Msg("local media captured")
			if a.preview != nil {
				a.preview(stream)
			}
			return stream, nil
		}

		merr := asMediaError(err, tier)
		log.Warn().Err(err).Str("module", "call.media").Str("tier", string(tier)).Str("kind", string(merr.Reason)).Msg("capture failed, trying next tier")
		if merr.Reason == domain.KindPermissionDenied && desc.HasVideo() {
			skipVideo = true
		}
		if worst == nil || worst.Reason != domain.KindPermissionDenied {
			worst = merr
		}
	}
	return nil, worst
}

func (a *MediaAcquirer) constraints(desc domain.MediaDescriptor, audio bool) domain.Constraints {
	c := domain.Constraints{Facing: a.facing}
	if desc.HasVideo() {
		c.Video = &desc
	}
	if audio {
		ap := desc.Audio
		c.Audio = &ap
	}
	return c
}

// CaptureCamera captures a single camera track at tier with the given
// facing, for camera switching.
func (a *MediaAcquirer) CaptureCamera(ctx context.Context, tier domain.QualityTier, facing domain.FacingMode) (core.LocalTrack, error) {
	desc := domain.Descriptor(tier)
	if !desc.HasVideo() {
		desc = domain.Descriptor(domain.TierLow)
	}
	stream, err := a.devices.GetUserMedia(ctx, domain.Constraints{Video: &desc, Facing: facing})
	if err != nil {
		return nil, asMediaError(err, desc.Tier)
	}
	v := stream.Video()
	if v == nil {
		stream.Stop()
		return nil, domain.NewMediaError(domain.KindNoDevice, desc.Tier, errors.New("capture returned no video track"))
	}
	return v, nil
}

// CaptureDisplay captures a screen track.
func (a *MediaAcquirer) CaptureDisplay(ctx context.Context) (core.LocalTrack, error) {
	t, err := a.devices.GetDisplayMedia(ctx)
	if err != nil {
		return nil, asMediaError(err, domain.TierHigh)
	}
	return t, nil
}

func asMediaError(err error, tier domain.QualityTier) *domain.MediaError {
	var merr *domain.MediaError
	if errors.As(err, &merr) {
		if merr.Tier == "" {
			merr.Tier = tier
		}
		return merr
	}
	return domain.NewMediaError(domain.KindUnsupportedConstraints, tier, err)
}
