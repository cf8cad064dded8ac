package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
)

// SignalingTransport opens a signaling channel scoped to exactly one room.
type SignalingTransport interface {
	Open(ctx context.Context, room domain.RoomID, self domain.Participant) (SignalingChannel, error)
}

// SignalingChannel carries presence and broadcast messages for one room.
// Messages from one sender reach one recipient in send order.
type SignalingChannel interface {
	Events() <-chan SignalEvent
	Send(ctx context.Context, msg domain.SignalingMessage) error
	Close() error
}

type SignalEventType int

const (
	PresenceSync SignalEventType = iota
	PresenceJoin
	PresenceLeave
	SignalMessage
	TransportLost
	TransportRestored
)

func (t SignalEventType) String() string {
	switch t {
	case PresenceSync:
		return "presence-sync"
	case PresenceJoin:
		return "presence-join"
	case PresenceLeave:
		return "presence-leave"
	case SignalMessage:
		return "message"
	case TransportLost:
		return "transport-lost"
	case TransportRestored:
		return "transport-restored"
	}
	return "unknown"
}

// SignalEvent is one notification from a SignalingChannel.
// Participants is set for PresenceSync, Participant for join/leave,
// Message for SignalMessage and Err for TransportLost.
type SignalEvent struct {
	Type         SignalEventType
	Participants []domain.Participant
	Participant  domain.Participant
	Message      domain.SignalingMessage
	Err          error
}
