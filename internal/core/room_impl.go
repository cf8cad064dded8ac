package core

import (
	"sort"
	"sync"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory presence set for one signaling room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room          *domain.Room
	mu            sync.RWMutex
	byParticipant map[domain.ParticipantID]MemberSession
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:          room,
		byParticipant: make(map[domain.ParticipantID]MemberSession),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byParticipant)
}

func (r *roomImpl) Member(id domain.ParticipantID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.byParticipant[id]
	return ms, ok
}

// AddMember inserts or replaces the member keyed by participant id.
// Replacing an existing id never counts against capacity.
func (r *roomImpl) AddMember(ms MemberSession) error {
	id := ms.Meta().Participant.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byParticipant[id]; !exists && r.room.MaxMembers > 0 && len(r.byParticipant) >= r.room.MaxMembers {
		return ErrRoomFull
	}
	r.byParticipant[id] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("participant", string(id)).Msg("member added")
	return nil
}

func (r *roomImpl) RemoveMember(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byParticipant, id)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("participant", string(id)).Msg("member removed")
}

func (r *roomImpl) Broadcast(from domain.ParticipantID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, m := range r.byParticipant {
		if id == from {
			continue
		}
		r.deliver(m, data, &res)
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendTo(to domain.ParticipantID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	if m, ok := r.byParticipant[to]; ok {
		r.deliver(m, data, &res)
	}
	return res
}

func (r *roomImpl) deliver(m MemberSession, data Frame, res *PublishResult) {
	conn := m.Signal()
	if conn == nil {
		return
	}
	if err := conn.TrySend(data); err != nil {
		res.Dropped = append(res.Dropped, m)
		return
	}
	res.SendTo++
}

// Presence returns the presence records ordered by join time.
func (r *roomImpl) Presence() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.byParticipant))
	for _, ms := range r.byParticipant {
		out = append(out, ms.Meta().Participant)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedBefore(out[j]) })
	return out
}
