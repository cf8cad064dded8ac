package domain

// QualityTier is a discrete capture configuration level.
// Values are part of the public event stream; keep them stable.
type QualityTier string

const (
	TierHigh      QualityTier = "high"
	TierMedium    QualityTier = "medium"
	TierLow       QualityTier = "low"
	TierAudioOnly QualityTier = "audio-only"
)

// AudioProcessing flags requested from the capture device.
type AudioProcessing struct {
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`
}

// MediaDescriptor is an immutable capture configuration for one tier.
// Width, Height and FrameRate are upper bounds; zero means no video.
type MediaDescriptor struct {
	Tier      QualityTier     `json:"tier"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	FrameRate float32         `json:"frameRate"`
	Audio     AudioProcessing `json:"audio"`
}

func (d MediaDescriptor) HasVideo() bool { return d.Width > 0 && d.Height > 0 }

var defaultAudio = AudioProcessing{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}

var descriptors = map[QualityTier]MediaDescriptor{
	TierHigh:      {Tier: TierHigh, Width: 1280, Height: 720, FrameRate: 30, Audio: defaultAudio},
	TierMedium:    {Tier: TierMedium, Width: 640, Height: 480, FrameRate: 24, Audio: defaultAudio},
	TierLow:       {Tier: TierLow, Width: 320, Height: 240, FrameRate: 15, Audio: defaultAudio},
	TierAudioOnly: {Tier: TierAudioOnly, Audio: defaultAudio},
}

// Descriptor returns the built-in descriptor for tier. Unknown tiers map to
// audio-only.
func Descriptor(tier QualityTier) MediaDescriptor {
	if d, ok := descriptors[tier]; ok {
		return d
	}
	return descriptors[TierAudioOnly]
}

// VideoTiers is the fixed fallback order for video capture.
func VideoTiers() []QualityTier {
	return []QualityTier{TierHigh, TierMedium, TierLow}
}

// ConnectionQuality is the static, informational quality signal shown to
// the UI. It is derived from the acquired tier, not from live telemetry.
type ConnectionQuality string

const (
	QualityGood   ConnectionQuality = "good"
	QualityMedium ConnectionQuality = "medium"
	QualityPoor   ConnectionQuality = "poor"
)

func QualityFor(tier QualityTier) ConnectionQuality {
	switch tier {
	case TierHigh:
		return QualityGood
	case TierMedium:
		return QualityMedium
	default:
		return QualityPoor
	}
}

// FacingMode selects front or rear camera.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

func (f FacingMode) Opposite() FacingMode {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Constraints is one capture request handed to a media device layer.
// A nil Video means no camera track is wanted.
type Constraints struct {
	Video  *MediaDescriptor
	Audio  *AudioProcessing
	Facing FacingMode
}
