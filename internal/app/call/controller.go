package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotIdle   = errors.New("a call is already in progress")
	ErrNotInCall = errors.New("no call in progress")
	ErrLeft      = errors.New("session left while the operation was running")
	ErrClosed    = errors.New("controller closed")
)

const sendTimeout = 5 * time.Second

// Observer receives session events on the controller loop. It must not block.
type Observer func(core.SessionEvent)

type Option func(*Controller)

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithConnectTimeout bounds the connecting state. Zero disables the bound.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) { c.connectTimeout = d }
}

// WithMedia selects which kinds of local media Join asks for.
func WithMedia(video, audio bool) Option {
	return func(c *Controller) {
		c.video = video
		c.audio = audio
	}
}

// Controller drives one call at a time through its lifecycle. Every state
// change happens on a single loop goroutine; blocking work such as capture
// or dialing runs in the caller's goroutine and re-enters the loop
// afterwards, where it is discarded if the session has been left.
type Controller struct {
	self      domain.Participant
	acquirer  *MediaAcquirer
	links     core.PeerLinkFactory
	transport core.SignalingTransport

	observer       Observer
	connectTimeout time.Duration
	video, audio   bool

	calls     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// loop-owned
	gen        uint64
	sess       *Session
	sigEvents  <-chan core.SignalEvent
	linkEvents <-chan core.LinkEvent
}

func NewController(self domain.Participant, acquirer *MediaAcquirer, links core.PeerLinkFactory, transport core.SignalingTransport, opts ...Option) *Controller {
	c := &Controller{
		self:           self,
		acquirer:       acquirer,
		links:          links,
		transport:      transport,
		connectTimeout: DefaultConnectTimeout,
		video:          true,
		audio:          true,
		calls:          make(chan func(), 32),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.calls:
			fn()
		case ev, ok := <-c.sigEvents:
			c.onSignal(ev, ok)
		case ev, ok := <-c.linkEvents:
			if !ok {
				c.linkEvents = nil
				continue
			}
			c.onLink(ev)
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.calls <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post queues fn on the loop without waiting. Never call it from the loop.
func (c *Controller) post(fn func()) {
	select {
	case c.calls <- fn:
	case <-c.done:
	}
}

// live returns the session for gen if it is still the current one and has
// not reached a terminal state.
func (c *Controller) live(gen uint64) *Session {
	s := c.sess
	if s == nil || s.gen != gen || s.State.Terminal() {
		return nil
	}
	return s
}

// Join enters room: capture local media, create the PeerLink, then open the
// signaling channel. It returns once the session is connecting or has
// failed.
func (c *Controller) Join(ctx context.Context, room domain.RoomID) error {
	if err := room.Validate(); err != nil {
		return err
	}

	var gen uint64
	var err error
	if derr := c.do(func() {
		if c.sess != nil && !c.sess.State.Terminal() {
			err = ErrNotIdle
			return
		}
		c.gen++
		gen = c.gen
		c.sess = newSession(gen, room, c.self)
		c.transition(c.sess, domain.StateJoining)
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}

	stream, aerr := c.acquirer.Acquire(ctx, c.video, c.audio)
	if aerr != nil {
		_ = c.do(func() {
			if s := c.live(gen); s != nil {
				c.fail(s, aerr)
			}
		})
		return aerr
	}

	if derr := c.do(func() {
		s := c.live(gen)
		if s == nil || s.State != domain.StateJoining {
			stream.Stop()
			err = ErrLeft
			return
		}
		s.stream = stream
		s.Tier = stream.Tier()
		s.Quality = domain.QualityFor(s.Tier)
		c.emit(s, core.SessionEvent{Type: core.EventLocalStream, Local: stream})

		link, lerr := c.links.NewPeerLink(stream)
		if lerr != nil {
			err = lerr
			c.fail(s, lerr)
			return
		}
		c.installLink(s, link)
		s.swapper = newTrackSwapper(stream, link, c.acquirer.facing)
		c.transition(s, domain.StateConnecting)
		c.armConnectTimer(s)
	}); derr != nil {
		stream.Stop()
		return derr
	}
	if err != nil {
		return err
	}

	ch, terr := c.transport.Open(ctx, room, c.self)
	if terr != nil {
		werr := &domain.TransportError{Err: terr}
		_ = c.do(func() {
			if s := c.live(gen); s != nil {
				c.fail(s, werr)
			}
		})
		return werr
	}

	if derr := c.do(func() {
		s := c.live(gen)
		if s == nil {
			_ = ch.Close()
			err = ErrLeft
			return
		}
		s.channel = ch
		c.sigEvents = ch.Events()
		log.Info().Str("module", "call.controller").Str("room", string(room)).Str("participant", string(c.self.ID)).Msg("signaling channel open")
	}); derr != nil {
		_ = ch.Close()
		return derr
	}
	return err
}

// Leave ends the call from any state. Every local track is stopped and the
// signaling channel closed; events that arrive afterwards are ignored.
func (c *Controller) Leave() {
	_ = c.do(func() {
		s := c.sess
		if s == nil || s.State == domain.StateEnded {
			return
		}
		c.teardown(s)
		c.transition(s, domain.StateEnded)
	})
}

// Close leaves any call and stops the loop.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.Leave()
		close(c.done)
	})
}

// Snapshot copies the current session. ok is false before the first Join.
func (c *Controller) Snapshot() (snap SessionSnapshot, ok bool) {
	_ = c.do(func() {
		if c.sess == nil {
			return
		}
		snap = c.sess.snapshot()
		ok = true
	})
	return snap, ok
}

// ToggleScreenShare starts a screen share or, if one is live, restores the
// camera. It reports whether sharing is on afterwards.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	var gen uint64
	var sharing bool
	var err error
	if derr := c.do(func() {
		s := c.sess
		if s == nil || !s.State.InCall() || s.swapper == nil {
			err = ErrNotInCall
			return
		}
		gen = s.gen
		sharing = s.swapper.Sharing()
	}); derr != nil {
		return false, derr
	}
	if err != nil {
		return false, err
	}

	if sharing {
		if derr := c.do(func() {
			s := c.live(gen)
			if s == nil {
				err = ErrLeft
				return
			}
			if err = s.swapper.StopScreenShare(); err != nil {
				c.emitError(s, err)
			}
		}); derr != nil {
			return false, derr
		}
		return err != nil, err
	}

	screen, cerr := c.acquirer.CaptureDisplay(ctx)
	if cerr != nil {
		terr := &domain.TrackReplacementError{Op: "start screen share", Err: cerr}
		_ = c.do(func() {
			if s := c.live(gen); s != nil {
				c.emitError(s, terr)
			}
		})
		return false, terr
	}

	if derr := c.do(func() {
		s := c.live(gen)
		if s == nil || s.swapper == nil {
			err = ErrLeft
			return
		}
		if err = s.swapper.StartScreenShare(screen); err != nil {
			c.emitError(s, err)
			return
		}
		screen.OnEnded(func(error) {
			c.post(func() { c.onScreenEnded(gen, screen) })
		})
	}); derr != nil {
		_ = screen.Close()
		return false, derr
	}
	if err != nil {
		_ = screen.Close()
		return false, err
	}
	return true, nil
}

// SwitchCamera flips between the front and back camera.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	var gen uint64
	var tier domain.QualityTier
	var facing domain.FacingMode
	var err error
	if derr := c.do(func() {
		s := c.sess
		if s == nil || !s.State.InCall() || s.swapper == nil {
			err = ErrNotInCall
			return
		}
		if s.stream.Video() == nil {
			err = &domain.TrackReplacementError{Op: "switch camera", Err: ErrNoCamera}
			c.emitError(s, err)
			return
		}
		gen = s.gen
		tier = s.Tier
		facing = s.swapper.Facing().Opposite()
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}

	camera, cerr := c.acquirer.CaptureCamera(ctx, tier, facing)
	if cerr != nil {
		terr := &domain.TrackReplacementError{Op: "switch camera", Err: cerr}
		_ = c.do(func() {
			if s := c.live(gen); s != nil {
				c.emitError(s, terr)
			}
		})
		return terr
	}

	if derr := c.do(func() {
		s := c.live(gen)
		if s == nil || s.swapper == nil {
			err = ErrLeft
			return
		}
		if err = s.swapper.SwitchCamera(camera, facing); err != nil {
			c.emitError(s, err)
		}
	}); derr != nil {
		_ = camera.Close()
		return derr
	}
	if err != nil {
		_ = camera.Close()
	}
	return err
}

func (c *Controller) onScreenEnded(gen uint64, screen core.LocalTrack) {
	s := c.live(gen)
	if s == nil || s.swapper == nil {
		return
	}
	if err := s.swapper.onScreenEnded(screen); err != nil {
		c.emitError(s, err)
	}
}

// signaling

func (c *Controller) onSignal(ev core.SignalEvent, ok bool) {
	s := c.sess
	if !ok {
		c.sigEvents = nil
		if s != nil && !s.State.Terminal() {
			s.transportDown = true
			c.emitError(s, &domain.TransportError{Err: errors.New("signaling channel closed")})
		}
		return
	}
	if s == nil || s.State.Terminal() {
		return
	}

	switch ev.Type {
	case core.PresenceSync:
		c.onPresenceSync(s, ev.Participants)
	case core.PresenceJoin:
		c.onParticipantJoined(s, ev.Participant)
	case core.PresenceLeave:
		c.onParticipantLeft(s, ev.Participant)
	case core.SignalMessage:
		c.onMessage(s, ev.Message)
	case core.TransportLost:
		s.transportDown = true
		log.Warn().Err(ev.Err).Str("module", "call.controller").Msg("signaling transport lost")
		c.emitError(s, &domain.TransportError{Err: ev.Err})
	case core.TransportRestored:
		s.transportDown = false
		log.Info().Str("module", "call.controller").Int("queued", len(s.outbox)).Msg("signaling transport restored")
		c.flushOutbox(s)
	}
}

// onPresenceSync replaces the presence view. Our own record carries the
// server's join time, which decides the offer role. Participants that were
// not known before are handled like joins; the role rule still applies, so
// a joiner never offers to someone already present.
func (c *Controller) onPresenceSync(s *Session, list []domain.Participant) {
	known := s.presence
	s.presence = make(map[domain.ParticipantID]domain.Participant, len(list))
	for _, p := range list {
		if p.ID == s.Local.ID {
			s.Local.JoinedAt = p.JoinedAt
		}
		s.presence[p.ID] = p
	}
	if prev, ok := known[s.remote]; ok && s.remote != "" {
		if _, still := s.presence[s.remote]; !still {
			c.onParticipantLeft(s, prev)
		}
	}
	for _, p := range list {
		if _, seen := known[p.ID]; seen || p.ID == s.Local.ID {
			continue
		}
		c.onParticipantJoined(s, p)
	}
	// A join can beat our own sync; its role is settled now that joinedAt is known.
	c.offerIfFirst(s)
}

func (c *Controller) onParticipantJoined(s *Session, p domain.Participant) {
	s.presence[p.ID] = p
	if p.ID == s.Local.ID {
		return
	}
	if s.remote != "" && s.remote != p.ID {
		log.Info().Str("module", "call.controller").Str("participant", string(p.ID)).Msg("ignoring extra participant")
		return
	}
	if s.offered || s.answered {
		return
	}
	s.remote = p.ID
	c.offerIfFirst(s)
}

// offerIfFirst offers to the chosen remote once, and only when we were
// seated first. Nothing is decided before our own joinedAt is known.
func (c *Controller) offerIfFirst(s *Session) {
	if s.remote == "" || s.offered || s.answered || s.Local.JoinedAt.IsZero() {
		return
	}
	p, ok := s.presence[s.remote]
	if !ok || !s.shouldOffer(p) {
		return
	}

	s.offerer = true
	s.offered = true
	sdp, err := s.link.CreateOffer()
	if err != nil {
		c.fail(s, err)
		return
	}
	log.Info().Str("module", "call.controller").Str("to", string(p.ID)).Msg("offer created")
	c.send(s, domain.NewOffer(s.Local.ID, p.ID, sdp))
}

func (c *Controller) onParticipantLeft(s *Session, p domain.Participant) {
	delete(s.presence, p.ID)
	if p.ID != s.remote {
		return
	}
	log.Info().Str("module", "call.controller").Str("participant", string(p.ID)).Msg("remote left, replacing peer link")
	c.replaceLink(s)
}

func (c *Controller) onMessage(s *Session, msg domain.SignalingMessage) {
	if !msg.AddressedTo(s.Local.ID) {
		return
	}
	if err := msg.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Msg("dropping malformed signaling message")
		return
	}
	if s.remote != "" && msg.From != s.remote {
		log.Debug().Str("module", "call.controller").Str("from", string(msg.From)).Msg("message from non-partner ignored")
		return
	}

	switch msg.Kind {
	case domain.SignalOffer:
		if s.offerer {
			log.Warn().Str("module", "call.controller").Str("from", string(msg.From)).Msg("offer received while offering, ignored")
			return
		}
		s.remote = msg.From
		answer, err := s.link.CreateAnswer(msg.SDP)
		if err != nil {
			c.fail(s, err)
			return
		}
		s.answered = true
		c.send(s, domain.NewAnswer(s.Local.ID, msg.From, answer))
		c.flushCandidates(s)

	case domain.SignalAnswer:
		if !s.offerer {
			log.Warn().Str("module", "call.controller").Msg("unexpected answer ignored")
			return
		}
		if err := s.link.SetRemoteAnswer(msg.SDP); err != nil {
			c.fail(s, err)
			return
		}
		c.flushCandidates(s)

	case domain.SignalICECandidate:
		if !s.link.HasRemoteDescription() {
			s.pendingCandidates = append(s.pendingCandidates, *msg.Candidate)
			return
		}
		c.addCandidate(s, *msg.Candidate)
	}
}

func (c *Controller) flushCandidates(s *Session) {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, cand := range pending {
		c.addCandidate(s, cand)
		if s.State.Terminal() {
			return
		}
	}
}

func (c *Controller) addCandidate(s *Session, cand webrtc.ICECandidateInit) {
	err := s.link.AddRemoteICECandidate(cand)
	if err == nil {
		return
	}
	var nerr *domain.NegotiationError
	if errors.As(err, &nerr) {
		c.fail(s, err)
		return
	}
	log.Warn().Err(err).Str("module", "call.controller").Msg("remote candidate rejected")
}

// send delivers msg or parks it until the transport is back.
func (c *Controller) send(s *Session, msg domain.SignalingMessage) {
	if s.channel == nil || s.transportDown {
		s.outbox = append(s.outbox, msg)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.channel.Send(ctx, msg); err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Str("kind", string(msg.Kind)).Msg("send failed, queued")
		s.outbox = append(s.outbox, msg)
	}
}

func (c *Controller) flushOutbox(s *Session) {
	queued := s.outbox
	s.outbox = nil
	for i, msg := range queued {
		c.send(s, msg)
		if s.transportDown {
			s.outbox = append(s.outbox, queued[i+1:]...)
			return
		}
	}
}

// peer link

func (c *Controller) installLink(s *Session, link core.PeerLink) {
	s.link = link
	c.linkEvents = link.Events()
}

// replaceLink discards the current PeerLink after the remote left and binds
// a fresh one to the same local stream, ready for whoever joins next.
func (c *Controller) replaceLink(s *Session) {
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call.controller").Msg("peer link close")
		}
	}
	c.linkEvents = nil
	c.emit(s, core.SessionEvent{Type: core.EventRemoteStream})
	s.resetNegotiation()
	s.resetReconnect()

	link, err := c.links.NewPeerLink(s.stream)
	if err != nil {
		s.link = nil
		c.fail(s, err)
		return
	}
	c.installLink(s, link)
	if s.swapper != nil {
		if err := s.swapper.setLink(link); err != nil {
			c.emitError(s, err)
		}
	}
	c.transition(s, domain.StateConnecting)
	c.armConnectTimer(s)
}

func (c *Controller) onLink(ev core.LinkEvent) {
	s := c.sess
	if s == nil || s.State.Terminal() || s.link == nil || ev.LinkID != s.link.ID() {
		return
	}
	switch ev.Type {
	case core.LinkICECandidate:
		if ev.Candidate == nil {
			return
		}
		c.send(s, domain.NewICECandidate(s.Local.ID, *ev.Candidate))
	case core.LinkRemoteTrack:
		s.remoteTracks = append(s.remoteTracks, ev.Track)
		tracks := make([]core.RemoteTrack, len(s.remoteTracks))
		copy(tracks, s.remoteTracks)
		c.emit(s, core.SessionEvent{Type: core.EventRemoteStream, Remote: &core.RemoteStream{LinkID: ev.LinkID, Tracks: tracks}})
	case core.LinkStateChanged:
		c.onConnectionState(s, ev.State)
	}
}

func (c *Controller) onConnectionState(s *Session, state domain.ConnectionState) {
	log.Debug().Str("module", "call.controller").Str("conn", string(state)).Str("session", string(s.State)).Msg("connection state")
	switch state {
	case domain.ConnConnected:
		s.resetReconnect()
		c.stopConnectTimer(s)
		c.transition(s, domain.StateActive)

	case domain.ConnDisconnected:
		if s.State == domain.StateActive {
			c.transition(s, domain.StateDegraded)
		}

	case domain.ConnFailed:
		if s.recordReconnectFailure() {
			c.fail(s, &domain.ConnectionFailure{Attempts: s.ReconnectAttempts})
			return
		}
		if s.State != domain.StateConnecting {
			c.transition(s, domain.StateDegraded)
		}
		if !s.offerer {
			// The offerer drives the restart; we answer its new offer.
			return
		}
		sdp, err := s.link.RestartICE()
		if err != nil {
			c.fail(s, err)
			return
		}
		log.Info().Str("module", "call.controller").Int("attempt", s.ReconnectAttempts).Msg("ice restart offer created")
		c.send(s, domain.NewOffer(s.Local.ID, s.remote, sdp))
	}
}

// timers

func (c *Controller) armConnectTimer(s *Session) {
	c.stopConnectTimer(s)
	if c.connectTimeout <= 0 {
		return
	}
	gen := s.gen
	after := c.connectTimeout
	s.connectTimer = time.AfterFunc(after, func() {
		c.post(func() {
			s := c.live(gen)
			if s == nil || s.State != domain.StateConnecting {
				return
			}
			c.fail(s, &domain.ConnectTimeoutError{After: after.String()})
		})
	})
}

func (c *Controller) stopConnectTimer(s *Session) {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// state

func (c *Controller) transition(s *Session, to domain.SessionState) {
	if s.State == to {
		return
	}
	log.Info().Str("module", "call.controller").Str("room", string(s.Room)).Str("from", string(s.State)).Str("to", string(to)).Msg("session state")
	s.State = to
	c.emit(s, core.SessionEvent{Type: core.EventStateChange})
}

// fail releases everything and moves to errored. Errored absorbs every
// later automatic transition; only Leave moves the session on.
func (c *Controller) fail(s *Session, err error) {
	if s.State.Terminal() {
		return
	}
	log.Error().Err(err).Str("module", "call.controller").Str("kind", string(domain.KindOf(err))).Str("state", string(s.State)).Msg("session failed")
	c.teardown(s)
	c.emitError(s, err)
	c.transition(s, domain.StateErrored)
}

func (c *Controller) teardown(s *Session) {
	c.stopConnectTimer(s)
	if s.swapper != nil {
		s.swapper.release()
	}
	if s.stream != nil {
		s.stream.Stop()
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call.controller").Msg("peer link close")
		}
	}
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call.controller").Msg("signaling channel close")
		}
	}
	c.sigEvents = nil
	c.linkEvents = nil
	s.outbox = nil
	s.pendingCandidates = nil
}

func (c *Controller) emitError(s *Session, err error) {
	c.emit(s, core.SessionEvent{Type: core.EventError, Err: err})
}

func (c *Controller) emit(s *Session, ev core.SessionEvent) {
	if c.observer == nil {
		return
	}
	ev.Room = s.Room
	ev.State = s.State
	ev.Tier = s.Tier
	ev.Quality = s.Quality
	c.observer(ev)
}
