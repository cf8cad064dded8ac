// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong   = errors.New("display name too long")
	ErrDisplayNameEmpty     = errors.New("display name empty")
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
)

type ParticipantID string

// Participant is one identity present in a call room. It is the presence
// record carried over the signaling channel.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	JoinedAt    time.Time     `json:"joinedAt"`
}

// NewParticipant builds a participant with a fresh id. JoinedAt stays zero
// until the signaling server stamps it.
func NewParticipant(displayName string) (*Participant, error) {
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}
	return &Participant{ID: ParticipantID(uuid.NewString()), DisplayName: displayName}, nil
}

// Validate checks a presence record received from the wire.
func (p Participant) Validate() error {
	if p.ID == "" {
		return ErrParticipantIDEmpty
	}
	if len(p.ID) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return validateDisplayName(p.DisplayName)
}

// JoinedBefore reports whether p was present in the room before other.
// Equal timestamps are ordered by id so exactly one side wins.
func (p Participant) JoinedBefore(other Participant) bool {
	if p.JoinedAt.Equal(other.JoinedAt) {
		return p.ID < other.ID
	}
	return p.JoinedAt.Before(other.JoinedAt)
}

func validateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
