package orch

import (
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

type JoinResult struct {
	Room     core.RoomService
	Self     domain.Participant
	Presence []domain.Participant
	// Resumed is set when the participant kept a seat it already held, for
	// example a re-join within the grace period. Nobody is told about it.
	Resumed bool
}

// Join seats p in roomID on behalf of sid. A missing joinedAt is stamped
// now; an existing seat for the same id keeps its original record.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID, p domain.Participant) (JoinResult, error) {
	if err := roomID.Validate(); err != nil {
		return JoinResult{}, err
	}
	if err := p.Validate(); err != nil {
		return JoinResult{}, err
	}
	conn, ok := o.Registry.Conn(sid)
	if !ok {
		return JoinResult{}, ErrUnknownSession
	}

	if cur, id, ok := o.Registry.RoomOf(sid); ok && (cur != roomID || id != p.ID) {
		o.Leave(sid)
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("from_room", string(cur)).Msg("left previous room")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	room := o.Rooms.GetOrCreate(roomID)
	res := JoinResult{Room: room}
	if ms, ok := room.Member(p.ID); ok {
		o.stopGraceLocked(seat{roomID, p.ID})
		if prev, held := o.Registry.Holder(roomID, p.ID); held && prev != sid {
			o.Registry.RemoveRoom(prev)
			o.Registry.Cancel(prev)
			log.Info().Str("module", "app.orch").Str("sid", string(prev)).Msg("seat taken over by new connection")
		}
		ms.UpdateSignal(conn)
		res.Self = ms.Meta().Participant
		res.Resumed = true
	} else {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = time.Now().UTC()
		}
		ms := core.NewMemberSession(domain.NewMember(p, roomID)).UpdateSignal(conn)
		if err := room.AddMember(ms); err != nil {
			if room.MemberCount() == 0 {
				o.Rooms.StopRoom(roomID)
			}
			return JoinResult{}, err
		}
		res.Self = p
	}
	o.Registry.BindRoom(sid, roomID, p.ID)
	res.Presence = room.Presence()
	if o.OnSeated != nil {
		o.OnSeated(conn, res)
	}
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("room", string(roomID)).Str("participant", string(p.ID)).Bool("resumed", res.Resumed).Msg("joined")
	return res, nil
}

// Leave gives up sid's seat immediately.
func (o *Orchestrator) Leave(sid core.SessionID) {
	o.mu.Lock()
	roomID, id, ok := o.Registry.RoomOf(sid)
	if !ok {
		o.mu.Unlock()
		return
	}
	o.Registry.RemoveRoom(sid)
	room, p, removed := o.removeLocked(roomID, id)
	o.mu.Unlock()
	if removed {
		o.depart(room, p)
	}
}

// Disconnect is called once sid's connection is gone. The seat is held for
// the grace period and released unless the participant re-joins first.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	defer o.Registry.Unbind(sid)

	o.mu.Lock()
	roomID, id, ok := o.Registry.RoomOf(sid)
	if !ok {
		o.mu.Unlock()
		return
	}
	o.Registry.RemoveRoom(sid)
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		o.mu.Unlock()
		return
	}
	ms, ok := room.Member(id)
	if !ok {
		o.mu.Unlock()
		return
	}
	ms.UpdateSignal(nil)

	if o.Grace <= 0 {
		room, p, removed := o.removeLocked(roomID, id)
		o.mu.Unlock()
		if removed {
			o.depart(room, p)
		}
		return
	}

	key := seat{roomID, id}
	o.stopGraceLocked(key)
	if o.pending == nil {
		o.pending = make(map[seat]*time.Timer)
	}
	var t *time.Timer
	t = time.AfterFunc(o.Grace, func() { o.expire(key, t) })
	o.pending[key] = t
	o.mu.Unlock()
	log.Info().Str("module", "app.orch").Str("room", string(roomID)).Str("participant", string(id)).Dur("grace", o.Grace).Msg("connection lost, holding seat")
}

func (o *Orchestrator) expire(key seat, t *time.Timer) {
	o.mu.Lock()
	if o.pending[key] != t {
		o.mu.Unlock()
		return
	}
	delete(o.pending, key)
	room, p, removed := o.removeLocked(key.room, key.id)
	o.mu.Unlock()
	if removed {
		log.Info().Str("module", "app.orch").Str("room", string(key.room)).Str("participant", string(key.id)).Msg("grace expired")
		o.depart(room, p)
	}
}

// Participants returns the presence set of a room, ordered by join time.
func (o *Orchestrator) Participants(roomID domain.RoomID) ([]domain.Participant, bool) {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return nil, false
	}
	return room.Presence(), true
}

// EvictRoom kicks everyone and drops the room.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) bool {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return false
	}
	for _, p := range room.Presence() {
		o.Kick(roomID, p.ID)
	}
	o.mu.Lock()
	o.Rooms.StopRoom(roomID)
	stragglers := o.Registry.MembersOfRoom(roomID)
	for _, m := range stragglers {
		o.Registry.RemoveRoom(m.SID)
	}
	o.mu.Unlock()
	for _, m := range stragglers {
		o.Registry.Cancel(m.SID)
	}
	return true
}
