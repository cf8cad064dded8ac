package domain

// Member represents a participant's seat in a signaling room on the server.
// No transport or lifecycle logic here.
type Member struct {
	Participant Participant
	Room        RoomID
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(p Participant, room RoomID) *Member {
	return &Member{Participant: p, Room: room}
}
