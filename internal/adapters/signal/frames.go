package signal

import (
	"encoding/json"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Frame types on the signaling websocket.
const (
	frameJoin      = "join"
	frameLeave     = "leave"
	frameBroadcast = "broadcast"
	framePing      = "ping"
	frameWhoAmI    = "whoami"

	framePresenceSync  = "presence_sync"
	framePresenceJoin  = "presence_join"
	framePresenceLeave = "presence_leave"
	framePong          = "pong"
	frameLeft          = "left"
	frameError         = "error"
)

// Error codes carried by error frames.
const (
	codeBadPayload         = "bad_payload"
	codeRoomFull           = "room_full"
	codeRateLimited        = "rate_limited"
	codeInvalidRoom        = "invalid_room"
	codeInvalidParticipant = "invalid_participant"
	codeInvalidMessage     = "invalid_message"
	codeNotJoined          = "not_joined"
	codeJoinFailed         = "join_failed"
)

type envelope struct {
	Type         string                   `json:"type"`
	Room         domain.RoomID            `json:"room,omitempty"`
	Participant  *domain.Participant      `json:"participant,omitempty"`
	Participants []domain.Participant     `json:"participants,omitempty"`
	Message      *domain.SignalingMessage `json:"message,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

func encode(env envelope) (core.Frame, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
