package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable tag the UI can switch on without reading messages.
type ErrorKind string

const (
	KindPermissionDenied       ErrorKind = "permission-denied"
	KindNoDevice               ErrorKind = "no-device"
	KindDeviceBusy             ErrorKind = "device-busy"
	KindUnsupportedConstraints ErrorKind = "unsupported-constraints"
	KindNegotiation            ErrorKind = "negotiation"
	KindTransportDisconnected  ErrorKind = "transport-disconnected"
	KindConnectionFailure      ErrorKind = "connection-failure"
	KindConnectTimeout         ErrorKind = "connect-timeout"
	KindTrackReplacement       ErrorKind = "track-replacement"
	KindUnknown                ErrorKind = "unknown"
)

// KindedError is implemented by every error of the call taxonomy.
type KindedError interface {
	error
	Kind() ErrorKind
}

// KindOf returns the taxonomy tag of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ke KindedError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return KindUnknown
}

// MediaError is a local capture failure.
type MediaError struct {
	Reason ErrorKind
	Tier   QualityTier
	Err    error
}

func NewMediaError(reason ErrorKind, tier QualityTier, err error) *MediaError {
	return &MediaError{Reason: reason, Tier: tier, Err: err}
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media %s (tier %s)", e.Reason, e.Tier)
	}
	return fmt.Sprintf("media %s (tier %s): %v", e.Reason, e.Tier, e.Err)
}

func (e *MediaError) Kind() ErrorKind { return e.Reason }
func (e *MediaError) Unwrap() error   { return e.Err }

// NegotiationStage names the SDP/ICE call that was made out of order.
type NegotiationStage string

const (
	StageOffer      NegotiationStage = "create-offer"
	StageAnswer     NegotiationStage = "create-answer"
	StageRemote     NegotiationStage = "set-remote-answer"
	StageCandidate  NegotiationStage = "add-ice-candidate"
	StageICERestart NegotiationStage = "ice-restart"
)

type NegotiationError struct {
	Stage NegotiationStage
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Kind() ErrorKind { return KindNegotiation }
func (e *NegotiationError) Unwrap() error   { return e.Err }

// TransportError reports loss of the signaling channel. It is recoverable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "signaling transport disconnected"
	}
	return fmt.Sprintf("signaling transport disconnected: %v", e.Err)
}

func (e *TransportError) Kind() ErrorKind { return KindTransportDisconnected }
func (e *TransportError) Unwrap() error   { return e.Err }

// ConnectionFailure is terminal: the ICE restart ceiling was reached.
type ConnectionFailure struct {
	Attempts int
}

func (e *ConnectionFailure) Error() string {
	return fmt.Sprintf("connection failed after %d attempts, call cannot be recovered", e.Attempts)
}

func (e *ConnectionFailure) Kind() ErrorKind { return KindConnectionFailure }

type ConnectTimeoutError struct {
	After string
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("call did not connect within %s", e.After)
}

func (e *ConnectTimeoutError) Kind() ErrorKind { return KindConnectTimeout }

// TrackReplacementError is local and non-fatal; the previous track stays live.
type TrackReplacementError struct {
	Op  string
	Err error
}

func (e *TrackReplacementError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TrackReplacementError) Kind() ErrorKind { return KindTrackReplacement }
func (e *TrackReplacementError) Unwrap() error   { return e.Err }
