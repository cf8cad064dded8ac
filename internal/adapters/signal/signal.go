// Package signal carries room-scoped presence and call signaling over
// websockets: the server hub and the client transport used by peers.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

// HubController serves the signaling websocket. One controller is shared by
// every connection.
type HubController struct {
	Orch    *orch.Orchestrator
	Limiter *JoinRateLimiter
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64
	// PingPeriod is how often clients are expected to ping; a connection
	// silent for two periods is dropped. Zero disables the deadline.
	PingPeriod time.Duration
}

// NewHubController wires the controller as the orchestrator's presence
// announcer.
func NewHubController(o *orch.Orchestrator, limiter *JoinRateLimiter, readLimit int64, pingPeriod time.Duration) *HubController {
	ctl := &HubController{
		Orch:       o,
		Limiter:    limiter,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
	o.OnDepart = ctl.announceDeparture
	o.OnSeated = ctl.welcome
	return ctl
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// welcome queues the presence sync for a participant that just took its
// seat. It runs under the orchestrator lock.
func (ctl *HubController) welcome(conn core.SignalConnection, res orch.JoinResult) {
	ctl.sendJSON(conn, envelope{
		Type:         framePresenceSync,
		Room:         res.Room.Room().ID,
		Participants: res.Presence,
	})
}

// announceDeparture tells the rest of a room that p is gone.
func (ctl *HubController) announceDeparture(room core.RoomService, p domain.Participant) {
	f, err := encode(envelope{Type: framePresenceLeave, Room: room.Room().ID, Participant: &p})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode presence leave")
		return
	}
	res := room.Broadcast(p.ID, f)
	log.Info().Str("module", "signal").Str("room", string(room.Room().ID)).Str("participant", string(p.ID)).Int("sent_to", res.SendTo).Msg("presence leave")
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *HubController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}
