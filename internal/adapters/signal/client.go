package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrChannelClosed = errors.New("signaling channel closed")
	ErrTransportDown = errors.New("signaling transport down")
)

const (
	DefaultPingPeriod  = 20 * time.Second
	DefaultMinBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
	DefaultJoinTimeout = 10 * time.Second

	eventBuffer = 64
	closeWait   = 2 * time.Second
	// maxEarlyFrames fits, with the sync, into a fresh event buffer.
	maxEarlyFrames = eventBuffer - 1
)

// RejectedError is returned when the server answers a join with an error frame.
type RejectedError struct {
	Code string
}

func (e *RejectedError) Error() string {
	return "signaling join rejected: " + e.Code
}

// Dialer implements core.SignalingTransport over the hub websocket.
type Dialer struct {
	url         string
	header      http.Header
	pingPeriod  time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration
	joinTimeout time.Duration
	ws          *websocket.Dialer
}

type DialerOption func(*Dialer)

func WithHeader(h http.Header) DialerOption {
	return func(d *Dialer) { d.header = h }
}

func WithPingPeriod(p time.Duration) DialerOption {
	return func(d *Dialer) { d.pingPeriod = p }
}

// WithBackoff bounds the redial delay; it doubles from lo up to hi.
func WithBackoff(lo, hi time.Duration) DialerOption {
	return func(d *Dialer) {
		d.minBackoff = lo
		d.maxBackoff = hi
	}
}

func WithJoinTimeout(t time.Duration) DialerOption {
	return func(d *Dialer) { d.joinTimeout = t }
}

func NewDialer(url string, opts ...DialerOption) *Dialer {
	d := &Dialer{
		url:         url,
		pingPeriod:  DefaultPingPeriod,
		minBackoff:  DefaultMinBackoff,
		maxBackoff:  DefaultMaxBackoff,
		joinTimeout: DefaultJoinTimeout,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultJoinTimeout,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open dials the hub, joins room as self and waits for the first presence
// sync. The sync is the first event on the returned channel, followed by
// anything the hub sent ahead of it.
func (d *Dialer) Open(ctx context.Context, room domain.RoomID, self domain.Participant) (core.SignalingChannel, error) {
	conn, first, early, err := d.join(ctx, room, self)
	if err != nil {
		return nil, err
	}

	chCtx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{
		d:        d,
		room:     room,
		self:     self,
		events:   make(chan core.SignalEvent, eventBuffer),
		out:      make(chan core.Frame, eventBuffer),
		ctx:      chCtx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	c.presence(first.Participants)
	c.events <- core.SignalEvent{Type: core.PresenceSync, Participants: first.Participants}
	for _, env := range early {
		if ev, ok := c.event(env); ok {
			c.events <- ev
		}
	}
	go c.run(conn)
	log.Info().Str("module", "signal.client").Str("room", string(room)).Str("participant", string(self.ID)).Msg("signaling channel open")
	return c, nil
}

// join sends the join frame and reads until the presence sync. Frames that
// arrive first are returned in order so the caller can deliver them after
// the sync.
func (d *Dialer) join(ctx context.Context, room domain.RoomID, self domain.Participant) (*websocket.Conn, envelope, []envelope, error) {
	conn, _, err := d.ws.DialContext(ctx, d.url, d.header)
	if err != nil {
		return nil, envelope{}, nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(d.joinTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	fail := func(err error) (*websocket.Conn, envelope, []envelope, error) {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, envelope{}, nil, ctx.Err()
		}
		return nil, envelope{}, nil, err
	}

	if err := conn.WriteJSON(envelope{Type: frameJoin, Room: room, Participant: &self}); err != nil {
		return fail(fmt.Errorf("send join: %w", err))
	}
	var early []envelope
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fail(fmt.Errorf("await presence: %w", err))
		}
		switch env.Type {
		case framePresenceSync:
			_ = conn.SetWriteDeadline(time.Time{})
			_ = conn.SetReadDeadline(time.Time{})
			return conn, env, early, nil
		case frameError:
			return fail(&RejectedError{Code: env.Error})
		case framePresenceJoin, framePresenceLeave, frameBroadcast:
			if len(early) >= maxEarlyFrames {
				return fail(errors.New("await presence: too many frames before presence sync"))
			}
			early = append(early, env)
		}
	}
}

// wsChannel survives connection drops: it redials and re-joins with the
// presence record the server first assigned.
type wsChannel struct {
	d    *Dialer
	room domain.RoomID

	mu   sync.Mutex
	self domain.Participant

	events chan core.SignalEvent
	out    chan core.Frame
	down   atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	finished  chan struct{}
}

func (c *wsChannel) Events() <-chan core.SignalEvent { return c.events }

func (c *wsChannel) Send(ctx context.Context, msg domain.SignalingMessage) error {
	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}
	if c.down.Load() {
		return ErrTransportDown
	}
	if msg.From == "" {
		msg.From = c.selfID()
	}
	f, err := encode(envelope{Type: frameBroadcast, Message: &msg})
	if err != nil {
		return err
	}
	select {
	case c.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
}

// Close sends a leave frame, stops redialing and closes the event stream.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(c.cancel)
	select {
	case <-c.finished:
	case <-time.After(closeWait):
		log.Warn().Str("module", "signal.client").Msg("signaling channel close timed out")
	}
	return nil
}

func (c *wsChannel) selfID() domain.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self.ID
}

func (c *wsChannel) selfRecord() domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// presence picks up the server's record of self, joinedAt included.
func (c *wsChannel) presence(list []domain.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range list {
		if p.ID == c.self.ID {
			c.self = p
			return
		}
	}
}

func (c *wsChannel) emit(ev core.SignalEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *wsChannel) run(conn *websocket.Conn) {
	defer close(c.finished)
	defer close(c.events)
	for {
		err := c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.down.Store(true)
		log.Warn().Err(err).Str("module", "signal.client").Str("room", string(c.room)).Msg("signaling connection lost")
		c.emit(core.SignalEvent{Type: core.TransportLost, Err: err})

		var resync envelope
		var early []envelope
		conn, resync, early = c.redial()
		if conn == nil {
			return
		}
		c.presence(resync.Participants)
		c.down.Store(false)
		c.emit(core.SignalEvent{Type: core.TransportRestored})
		c.emit(core.SignalEvent{Type: core.PresenceSync, Participants: resync.Participants})
		for _, env := range early {
			if ev, ok := c.event(env); ok {
				c.emit(ev)
			}
		}
	}
}

// serve pumps one connection until it fails or the channel is closed.
func (c *wsChannel) serve(conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	ticker := time.NewTicker(c.d.pingPeriod)
	defer ticker.Stop()
	ping, _ := encode(envelope{Type: framePing})

	var err error
loop:
	for {
		select {
		case f := <-c.out:
			if err = write(conn, f); err != nil {
				break loop
			}
		case <-ticker.C:
			if err = write(conn, ping); err != nil {
				break loop
			}
		case err = <-readErr:
			_ = conn.Close()
			return err
		case <-c.ctx.Done():
			c.leave(conn)
			<-readErr
			return nil
		}
	}
	_ = conn.Close()
	<-readErr
	return err
}

func (c *wsChannel) leave(conn *websocket.Conn) {
drain:
	for {
		select {
		case f := <-c.out:
			if write(conn, f) != nil {
				_ = conn.Close()
				return
			}
		default:
			break drain
		}
	}
	leave, _ := encode(envelope{Type: frameLeave})
	_ = write(conn, leave)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
}

func (c *wsChannel) readLoop(conn *websocket.Conn) error {
	timeout := 2 * c.d.pingPeriod
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "signal.client").Msg("bad frame")
			continue
		}
		if ev, ok := c.event(env); ok {
			c.emit(ev)
		}
	}
}

// event maps an inbound frame to what the channel reports, if anything.
func (c *wsChannel) event(env envelope) (core.SignalEvent, bool) {
	switch env.Type {
	case framePresenceSync:
		c.presence(env.Participants)
		return core.SignalEvent{Type: core.PresenceSync, Participants: env.Participants}, true
	case framePresenceJoin:
		if env.Participant != nil {
			return core.SignalEvent{Type: core.PresenceJoin, Participant: *env.Participant}, true
		}
	case framePresenceLeave:
		if env.Participant != nil {
			return core.SignalEvent{Type: core.PresenceLeave, Participant: *env.Participant}, true
		}
	case frameBroadcast:
		if env.Message != nil && env.Message.AddressedTo(c.selfID()) {
			return core.SignalEvent{Type: core.SignalMessage, Message: *env.Message}, true
		}
	case frameError:
		log.Warn().Str("module", "signal.client").Str("code", env.Error).Msg("server error")
	case framePong, frameLeft, frameWhoAmI:
	default:
		log.Debug().Str("module", "signal.client").Str("type", env.Type).Msg("unknown frame")
	}
	return core.SignalEvent{}, false
}

// redial re-joins with capped exponential backoff until it succeeds or the
// channel is closed.
func (c *wsChannel) redial() (*websocket.Conn, envelope, []envelope) {
	backoff := c.d.minBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, envelope{}, nil
		case <-time.After(backoff):
		}
		conn, resync, early, err := c.d.join(c.ctx, c.room, c.selfRecord())
		if err == nil {
			log.Info().Str("module", "signal.client").Str("room", string(c.room)).Int("attempt", attempt).Msg("signaling connection restored")
			return conn, resync, early
		}
		if c.ctx.Err() != nil {
			return nil, envelope{}, nil
		}
		log.Warn().Err(err).Str("module", "signal.client").Int("attempt", attempt).Dur("backoff", backoff).Msg("redial failed")
		backoff = min(backoff*2, c.d.maxBackoff)
	}
}

func write(conn *websocket.Conn, f core.Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, f)
}
