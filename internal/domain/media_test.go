package domain

import (
	"errors"
	"testing"
)

func TestDescriptors(t *testing.T) {
	prev := 1 << 30
	for _, tier := range VideoTiers() {
		d := Descriptor(tier)
		if !d.HasVideo() || d.Tier != tier {
			t.Fatalf("%s: bad descriptor %+v", tier, d)
		}
		if px := d.Width * d.Height; px >= prev {
			t.Fatalf("%s: tiers must strictly decrease", tier)
		} else {
			prev = px
		}
	}
	if Descriptor(TierAudioOnly).HasVideo() {
		t.Fatalf("audio-only carries video")
	}
	if got := Descriptor("ultra"); got.Tier != TierAudioOnly {
		t.Fatalf("unknown tier mapped to %s", got.Tier)
	}
	if a := Descriptor(TierHigh).Audio; !a.EchoCancellation || !a.NoiseSuppression || !a.AutoGainControl {
		t.Fatalf("audio processing not enabled: %+v", a)
	}
}

func TestQualityFor(t *testing.T) {
	want := map[QualityTier]ConnectionQuality{
		TierHigh:      QualityGood,
		TierMedium:    QualityMedium,
		TierLow:       QualityPoor,
		TierAudioOnly: QualityPoor,
	}
	for tier, q := range want {
		if got := QualityFor(tier); got != q {
			t.Fatalf("QualityFor(%s) = %s, want %s", tier, got, q)
		}
	}
}

func TestFacingOpposite(t *testing.T) {
	if FacingUser.Opposite() != FacingEnvironment || FacingEnvironment.Opposite() != FacingUser {
		t.Fatalf("facing does not flip")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{NewMediaError(KindDeviceBusy, TierHigh, nil), KindDeviceBusy},
		{&NegotiationError{Stage: StageRemote, Err: errors.New("x")}, KindNegotiation},
		{&TransportError{}, KindTransportDisconnected},
		{&ConnectionFailure{Attempts: 3}, KindConnectionFailure},
		{&ConnectTimeoutError{After: "45s"}, KindConnectTimeout},
		{&TrackReplacementError{Op: "switch camera", Err: NewMediaError(KindNoDevice, TierLow, nil)}, KindTrackReplacement},
		{errors.New("plain"), KindUnknown},
		{nil, KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestSessionStatePredicates(t *testing.T) {
	for _, s := range []SessionState{StateEnded, StateErrored} {
		if !s.Terminal() || s.InCall() {
			t.Fatalf("%s predicates wrong", s)
		}
	}
	for _, s := range []SessionState{StateConnecting, StateActive, StateDegraded} {
		if s.Terminal() || !s.InCall() {
			t.Fatalf("%s predicates wrong", s)
		}
	}
	if StateIdle.InCall() || StateJoining.InCall() {
		t.Fatalf("idle/joining are not in call")
	}
}
