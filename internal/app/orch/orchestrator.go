package orch

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotJoined      = errors.New("session has not joined a room")
)

// DepartFunc is told when a participant's presence in a room ends, so the
// adapter can announce it to whoever is left.
type DepartFunc func(room core.RoomService, p domain.Participant)

// SeatedFunc is told about a successful join while membership is still
// locked. Whatever it queues on conn reaches the joiner before any frame a
// later joiner can trigger.
type SeatedFunc func(conn core.SignalConnection, res JoinResult)

// Orchestrator owns room membership on the signaling server. Membership
// changes are serialized; frame fan-out is not.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	// Grace keeps a dropped participant seated this long before presence
	// leave is announced. Zero announces at once.
	Grace    time.Duration
	OnDepart DepartFunc
	OnSeated SeatedFunc

	mu      sync.Mutex
	pending map[seat]*time.Timer
}

type seat struct {
	room domain.RoomID
	id   domain.ParticipantID
}

// Relay forwards an encoded frame from sid to the rest of its room, or to
// one participant when to is set.
func (o *Orchestrator) Relay(sid core.SessionID, to domain.ParticipantID, data core.Frame) (core.PublishResult, error) {
	roomID, from, ok := o.Registry.RoomOf(sid)
	if !ok {
		return core.PublishResult{}, ErrNotJoined
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return core.PublishResult{}, ErrNotJoined
	}

	var res core.PublishResult
	if to == "" {
		res = room.Broadcast(from, data)
	} else {
		res = room.SendTo(to, data)
	}
	if o.Policy == nil {
		return res, nil
	}
	for _, slow := range res.Dropped {
		action := o.Policy.OnBackPressure(room, slow)
		id := slow.Meta().Participant.ID
		switch action {
		case app.KickMember:
			o.Kick(roomID, id)
		case app.MarkSlow:
			log.Warn().Str("module", "app.orch").Str("room", string(roomID)).Str("participant", string(id)).Msg("slow consumer")
		case app.DropFrame, app.NoAction:
		}
	}
	return res, nil
}

// Kick removes a participant at once and closes its connection.
func (o *Orchestrator) Kick(roomID domain.RoomID, id domain.ParticipantID) {
	o.mu.Lock()
	room, p, ok := o.removeLocked(roomID, id)
	sid, held := o.Registry.Holder(roomID, id)
	if held {
		o.Registry.RemoveRoom(sid)
	}
	o.mu.Unlock()

	if held {
		o.Registry.Cancel(sid)
	}
	if ok {
		log.Warn().Str("module", "app.orch").Str("room", string(roomID)).Str("participant", string(id)).Msg("participant kicked")
		o.depart(room, p)
	}
}

func (o *Orchestrator) depart(room core.RoomService, p domain.Participant) {
	if o.OnDepart != nil {
		o.OnDepart(room, p)
	}
}

// removeLocked drops the seat and any pending grace timer. Empty rooms are
// stopped. Callers hold o.mu.
func (o *Orchestrator) removeLocked(roomID domain.RoomID, id domain.ParticipantID) (core.RoomService, domain.Participant, bool) {
	o.stopGraceLocked(seat{roomID, id})
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return nil, domain.Participant{}, false
	}
	ms, ok := room.Member(id)
	if !ok {
		return nil, domain.Participant{}, false
	}
	room.RemoveMember(id)
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomID)
		log.Info().Str("module", "app.orch").Str("room", string(roomID)).Msg("room emptied")
	}
	return room, ms.Meta().Participant, true
}

func (o *Orchestrator) stopGraceLocked(key seat) bool {
	t, ok := o.pending[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(o.pending, key)
	return true
}
