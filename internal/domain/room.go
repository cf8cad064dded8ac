package domain

import "errors"

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

// RoomID is an opaque, externally assigned call room identifier.
type RoomID string

func (id RoomID) Validate() error {
	if id == "" {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}

type Room struct {
	ID         RoomID
	MaxMembers int
}
