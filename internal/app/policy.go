package app

import (
	"sync"

	"github.com/dkeye/peercall/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark-slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// SimplePolicy kicks on the first dropped frame.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	return KickMember
}

// StrikePolicy marks a member slow for its first Limit drops and kicks it on
// the next one.
type StrikePolicy struct {
	Limit int

	mu      sync.Mutex
	strikes map[core.MemberSession]int
}

func NewPolicy(strikes int) Policy {
	if strikes <= 0 {
		return SimplePolicy{}
	}
	return &StrikePolicy{Limit: strikes}
}

func (p *StrikePolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.strikes == nil {
		p.strikes = make(map[core.MemberSession]int)
	}
	n := p.strikes[member] + 1
	if n > p.Limit {
		delete(p.strikes, member)
		return KickMember
	}
	p.strikes[member] = n
	return MarkSlow
}
