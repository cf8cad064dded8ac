package core

import (
	"errors"

	"github.com/dkeye/peercall/internal/domain"
)

var ErrRoomFull = errors.New("room is full")

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a signaling room.
// It owns the presence set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	Presence() []domain.Participant
	Member(id domain.ParticipantID) (MemberSession, bool)

	AddMember(ms MemberSession) error
	RemoveMember(id domain.ParticipantID)
	Broadcast(from domain.ParticipantID, data Frame) PublishResult
	SendTo(to domain.ParticipantID, data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
