package domain

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

var (
	ErrUnknownSignalKind = errors.New("unknown signal kind")
	ErrSignalNoSender    = errors.New("signal has no sender")
	ErrSignalNoTarget    = errors.New("signal has no target")
	ErrSignalNoSDP       = errors.New("signal has no sdp")
	ErrSignalNoCandidate = errors.New("signal has no candidate")
)

// SignalingMessage is the tagged union carried over the room broadcast.
// Offer and answer carry SDP and a target; ice-candidate carries a candidate
// and goes to every peer in the room.
type SignalingMessage struct {
	Kind      SignalKind               `json:"kind"`
	From      ParticipantID            `json:"from"`
	To        ParticipantID            `json:"to,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func NewOffer(from, to ParticipantID, sdp string) SignalingMessage {
	return SignalingMessage{Kind: SignalOffer, From: from, To: to, SDP: sdp}
}

func NewAnswer(from, to ParticipantID, sdp string) SignalingMessage {
	return SignalingMessage{Kind: SignalAnswer, From: from, To: to, SDP: sdp}
}

func NewICECandidate(from ParticipantID, c webrtc.ICECandidateInit) SignalingMessage {
	return SignalingMessage{Kind: SignalICECandidate, From: from, Candidate: &c}
}

func (m SignalingMessage) Validate() error {
	if m.From == "" {
		return ErrSignalNoSender
	}
	switch m.Kind {
	case SignalOffer, SignalAnswer:
		if m.To == "" {
			return ErrSignalNoTarget
		}
		if m.SDP == "" {
			return ErrSignalNoSDP
		}
	case SignalICECandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return ErrSignalNoCandidate
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignalKind, m.Kind)
	}
	return nil
}

// AddressedTo reports whether a receiver with id self should process m.
// Messages without a target are broadcast to everyone but the sender.
func (m SignalingMessage) AddressedTo(self ParticipantID) bool {
	if m.From == self {
		return false
	}
	return m.To == "" || m.To == self
}
