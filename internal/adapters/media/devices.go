// Package media captures camera, microphone and screen through
// pion/mediadevices. Driver and codec registration is left to the binary.
package media

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoCodecs = errors.New("no codec selector configured")

// Devices implements core.MediaDevices.
type Devices struct {
	selector *mediadevices.CodecSelector

	enumerate    func() []mediadevices.MediaDeviceInfo
	userMedia    func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	displayMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

func NewDevices(selector *mediadevices.CodecSelector) *Devices {
	return &Devices{
		selector:     selector,
		enumerate:    mediadevices.EnumerateDevices,
		userMedia:    mediadevices.GetUserMedia,
		displayMedia: mediadevices.GetDisplayMedia,
	}
}

// PopulateMediaEngine registers the selector's codecs so negotiated payload
// types match what the encoders produce.
func (d *Devices) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	if d.selector == nil {
		return me.RegisterDefaultCodecs()
	}
	d.selector.Populate(me)
	return nil
}

// LogDevices writes the visible devices, for diagnostics.
func (d *Devices) LogDevices() {
	devices := d.enumerate()
	if len(devices) == 0 {
		log.Warn().Str("module", "media").Msg("no media devices found")
		return
	}
	for _, info := range devices {
		log.Info().Str("module", "media").Str("kind", kindName(info.Kind)).Str("label", info.Label).Str("device_id", info.DeviceID).Msg("media device")
	}
}

func (d *Devices) GetUserMedia(ctx context.Context, c domain.Constraints) (*core.LocalStream, error) {
	tier := domain.TierAudioOnly
	if c.Video != nil {
		tier = c.Video.Tier
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.selector == nil {
		return nil, domain.NewMediaError(domain.KindNoDevice, tier, ErrNoCodecs)
	}

	devices := d.enumerate()
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video != nil {
		if !hasKind(devices, mediadevices.VideoInput) {
			return nil, domain.NewMediaError(domain.KindNoDevice, tier, errors.New("no camera"))
		}
		constraints.Video = videoConstraints(*c.Video, pickCamera(devices, c.Facing))
	}
	if c.Audio != nil {
		if !hasKind(devices, mediadevices.AudioInput) {
			return nil, domain.NewMediaError(domain.KindNoDevice, tier, errors.New("no microphone"))
		}
		if c.Audio.EchoCancellation || c.Audio.NoiseSuppression || c.Audio.AutoGainControl {
			log.Debug().Str("module", "media").Msg("audio processing is left to the driver")
		}
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := d.userMedia(constraints)
	if err != nil {
		return nil, domain.NewMediaError(Classify(err), tier, err)
	}

	var audio, video core.LocalTrack
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		audio = tracks[0]
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		video = tracks[0]
	}
	local := core.NewLocalStream(tier, audio, video)
	if err := ctx.Err(); err != nil {
		local.Stop()
		return nil, err
	}
	for _, t := range local.Tracks() {
		id := t.ID()
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Str("track", id).Msg("local track ended")
			}
		})
	}
	return local, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.selector == nil {
		return nil, domain.NewMediaError(domain.KindNoDevice, domain.TierHigh, ErrNoCodecs)
	}
	stream, err := d.displayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.FloatRanged{Max: 15}
		},
	})
	if err != nil {
		return nil, domain.NewMediaError(Classify(err), domain.TierHigh, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, domain.NewMediaError(domain.KindNoDevice, domain.TierHigh, errors.New("display capture returned no video"))
	}
	return tracks[0], nil
}

func videoConstraints(desc domain.MediaDescriptor, deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		// raw formats only; MJPEG nodes on some cameras poison the encoder
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: desc.Width}
		c.Height = prop.IntRanged{Max: desc.Height}
		c.FrameRate = prop.FloatRanged{Max: desc.FrameRate}
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
	}
}

// pickCamera maps a facing mode to a device by label. Without a labelled
// match, user facing takes the first camera and environment the last.
func pickCamera(devices []mediadevices.MediaDeviceInfo, facing domain.FacingMode) string {
	var cams []mediadevices.MediaDeviceInfo
	for _, d := range devices {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d)
		}
	}
	if len(cams) < 2 {
		return ""
	}
	hints := []string{"front", "user", "integrated", "facetime"}
	if facing == domain.FacingEnvironment {
		hints = []string{"back", "rear", "environment", "external"}
	}
	for _, c := range cams {
		label := strings.ToLower(c.Label)
		for _, h := range hints {
			if strings.Contains(label, h) {
				return c.DeviceID
			}
		}
	}
	if facing == domain.FacingEnvironment {
		return cams[len(cams)-1].DeviceID
	}
	return cams[0].DeviceID
}

// Classify maps a capture error onto the media error taxonomy.
func Classify(err error) domain.ErrorKind {
	switch {
	case err == nil:
		return domain.KindUnknown
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return domain.KindPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		return domain.KindDeviceBusy
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return domain.KindNoDevice
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not allowed"):
		return domain.KindPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return domain.KindDeviceBusy
	case strings.Contains(msg, "no such device"), strings.Contains(msg, "not found"):
		return domain.KindNoDevice
	default:
		return domain.KindUnsupportedConstraints
	}
}

func hasKind(devices []mediadevices.MediaDeviceInfo, kind mediadevices.MediaDeviceType) bool {
	for _, d := range devices {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func kindName(k mediadevices.MediaDeviceType) string {
	switch k {
	case mediadevices.VideoInput:
		return "video"
	case mediadevices.AudioInput:
		return "audio"
	default:
		return "other"
	}
}
