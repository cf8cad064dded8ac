package core

import (
	"sync"

	"github.com/dkeye/peercall/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta *domain.Member

	mu   sync.RWMutex
	conn SignalConnection
}

func NewMemberSession(meta *domain.Member) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() *domain.Member { return m.meta }

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// UpdateSignal swaps the transport, used when a participant re-joins within
// the presence grace period on a new connection.
func (m *memberSession) UpdateSignal(conn SignalConnection) MemberSession {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return m
}
