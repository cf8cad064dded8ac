package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// fakeTrack is a capture track backed by a static sample track.
type fakeTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	closed  bool
	onEnded func(error)
}

func newFakeTrack(t *testing.T, kind, id string) *fakeTrack {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == "audio" {
		mime = webrtc.MimeTypeOpus
	}
	s, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream-"+id)
	if err != nil {
		t.Fatalf("new sample track: %v", err)
	}
	return &fakeTrack{TrackLocalStaticSample: s}
}

func (f *fakeTrack) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTrack) OnEnded(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnded = fn
}

func (f *fakeTrack) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// end simulates the OS stopping the capture.
func (f *fakeTrack) end() {
	f.mu.Lock()
	fn := f.onEnded
	f.mu.Unlock()
	if fn != nil {
		fn(errors.New("capture ended"))
	}
}

// fakeDevices answers capture calls from per-tier error tables.
type fakeDevices struct {
	t *testing.T
	// gate, when set before use, holds every capture until closed
	gate chan struct{}

	mu         sync.Mutex
	tierErr    map[domain.QualityTier]error
	cameraErr  error
	displayErr error
	calls      []domain.QualityTier
	facings    []domain.FacingMode
	tracks     []*fakeTrack
	seq        int
}

func newFakeDevices(t *testing.T) *fakeDevices {
	return &fakeDevices{t: t, tierErr: map[domain.QualityTier]error{}}
}

func (d *fakeDevices) track(kind string) *fakeTrack {
	d.seq++
	tr := newFakeTrack(d.t, kind, fmt.Sprintf("%s-%d", kind, d.seq))
	d.tracks = append(d.tracks, tr)
	return tr
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c domain.Constraints) (*core.LocalStream, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tier := domain.TierAudioOnly
	if c.Video != nil {
		tier = c.Video.Tier
	}
	d.calls = append(d.calls, tier)
	d.facings = append(d.facings, c.Facing)

	// audio-less camera captures come from SwitchCamera
	if c.Audio == nil && d.cameraErr != nil {
		return nil, d.cameraErr
	}
	if err := d.tierErr[tier]; err != nil {
		return nil, err
	}
	var audio, video core.LocalTrack
	if c.Audio != nil {
		audio = d.track("audio")
	}
	if c.Video != nil {
		video = d.track("video")
	}
	return core.NewLocalStream(tier, audio, video), nil
}

func (d *fakeDevices) GetDisplayMedia(context.Context) (core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	return d.track("screen"), nil
}

func (d *fakeDevices) attempts() []domain.QualityTier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.QualityTier(nil), d.calls...)
}

func (d *fakeDevices) openTracks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, tr := range d.tracks {
		if !tr.Closed() {
			n++
		}
	}
	return n
}

// fakeLink is a PeerLink that enforces negotiation order and reports
// connected as soon as both descriptions are in place.
type fakeLink struct {
	id     string
	events chan core.LinkEvent

	mu          sync.Mutex
	autoConnect bool
	offers      int
	answers     int
	restarts    int
	remoteSet   bool
	candidates  []webrtc.ICECandidateInit
	video       core.LocalTrack
	replaceErr  error
	closed      bool
}

func (l *fakeLink) ID() string { return l.id }

func (l *fakeLink) CreateOffer() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return "offer-" + l.id, nil
}

func (l *fakeLink) CreateAnswer(sdp string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sdp == "" {
		return "", &domain.NegotiationError{Stage: domain.StageAnswer, Err: errors.New("empty offer")}
	}
	l.answers++
	l.remoteSet = true
	if l.autoConnect {
		l.emitLocked(core.LinkEvent{Type: core.LinkStateChanged, State: domain.ConnConnected})
	}
	return "answer-" + l.id, nil
}

func (l *fakeLink) SetRemoteAnswer(string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offers == 0 {
		return &domain.NegotiationError{Stage: domain.StageRemote, Err: errors.New("no local offer")}
	}
	l.remoteSet = true
	if l.autoConnect {
		l.emitLocked(core.LinkEvent{Type: core.LinkStateChanged, State: domain.ConnConnected})
	}
	return nil
}

func (l *fakeLink) AddRemoteICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.remoteSet {
		return &domain.NegotiationError{Stage: domain.StageCandidate, Err: errors.New("no remote description")}
	}
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSet
}

func (l *fakeLink) ReplaceOutgoingVideoTrack(t core.LocalTrack) (core.LocalTrack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replaceErr != nil {
		return nil, l.replaceErr
	}
	prev := l.video
	l.video = t
	return prev, nil
}

func (l *fakeLink) RestartICE() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restarts++
	return fmt.Sprintf("restart-%s-%d", l.id, l.restarts), nil
}

func (l *fakeLink) Events() <-chan core.LinkEvent { return l.events }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) emit(ev core.LinkEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(ev)
}

func (l *fakeLink) emitLocked(ev core.LinkEvent) {
	if l.closed {
		return
	}
	ev.LinkID = l.id
	l.events <- ev
}

func (l *fakeLink) state(s domain.ConnectionState) {
	l.emit(core.LinkEvent{Type: core.LinkStateChanged, State: s})
}

func (l *fakeLink) counts() (offers, answers, restarts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers, l.answers, l.restarts
}

func (l *fakeLink) outgoingVideo() core.LocalTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.video
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeLinks struct {
	prefix      string
	autoConnect bool

	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeLinks) NewPeerLink(stream *core.LocalStream) (core.PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{
		id:          fmt.Sprintf("%s-link-%d", f.prefix, len(f.links)+1),
		events:      make(chan core.LinkEvent, 64),
		autoConnect: f.autoConnect,
		video:       stream.Video(),
	}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeLinks) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

func (f *fakeLinks) all() []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.links...)
}

// fakeHub is an in-memory signaling server for one process.
type fakeHub struct {
	mu      sync.Mutex
	clock   time.Time
	rooms   map[domain.RoomID]map[domain.ParticipantID]*fakeChannel
	openErr error
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		rooms: map[domain.RoomID]map[domain.ParticipantID]*fakeChannel{},
	}
}

func (h *fakeHub) Open(_ context.Context, room domain.RoomID, self domain.Participant) (core.SignalingChannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	h.clock = h.clock.Add(time.Second)
	self.JoinedAt = h.clock

	members := h.rooms[room]
	if members == nil {
		members = map[domain.ParticipantID]*fakeChannel{}
		h.rooms[room] = members
	}
	ch := &fakeChannel{hub: h, room: room, self: self, events: make(chan core.SignalEvent, 64)}

	list := []domain.Participant{self}
	for _, m := range members {
		list = append(list, m.self)
		m.events <- core.SignalEvent{Type: core.PresenceJoin, Participant: self}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JoinedBefore(list[j]) })
	ch.events <- core.SignalEvent{Type: core.PresenceSync, Participants: list}
	members[self.ID] = ch
	return ch, nil
}

func (h *fakeHub) channel(room domain.RoomID, id domain.ParticipantID) *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[room][id]
}

type fakeChannel struct {
	hub    *fakeHub
	room   domain.RoomID
	self   domain.Participant
	events chan core.SignalEvent

	// guarded by hub.mu
	down   bool
	closed bool
	sent   []domain.SignalingMessage
}

func (c *fakeChannel) Events() <-chan core.SignalEvent { return c.events }

func (c *fakeChannel) Send(_ context.Context, msg domain.SignalingMessage) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	if c.down {
		return errors.New("transport down")
	}
	c.sent = append(c.sent, msg)
	for id, m := range h.rooms[c.room] {
		if id == c.self.ID {
			continue
		}
		m.events <- core.SignalEvent{Type: core.SignalMessage, Message: msg}
	}
	return nil
}

func (c *fakeChannel) Close() error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	members := h.rooms[c.room]
	delete(members, c.self.ID)
	for _, m := range members {
		m.events <- core.SignalEvent{Type: core.PresenceLeave, Participant: c.self}
	}
	close(c.events)
	return nil
}

func (c *fakeChannel) lose() {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.down = true
	c.events <- core.SignalEvent{Type: core.TransportLost, Err: errors.New("connection reset")}
}

func (c *fakeChannel) restore() {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.down = false
	c.events <- core.SignalEvent{Type: core.TransportRestored}
}

func (c *fakeChannel) isClosed() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sentKinds() []domain.SignalKind {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	out := make([]domain.SignalKind, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.Kind)
	}
	return out
}

// recorder collects session events.
type recorder struct {
	mu     sync.Mutex
	events []core.SessionEvent
}

func (r *recorder) observe(ev core.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) errorsOf(kind domain.ErrorKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == core.EventError && domain.KindOf(ev.Err) == kind {
			n++
		}
	}
	return n
}

func (r *recorder) states() []domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionState
	for _, ev := range r.events {
		if ev.Type == core.EventStateChange {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) remoteStreams() []*core.RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.RemoteStream
	for _, ev := range r.events {
		if ev.Type == core.EventRemoteStream {
			out = append(out, ev.Remote)
		}
	}
	return out
}

// peer bundles one controller with its fakes.
type peer struct {
	self    domain.Participant
	devices *fakeDevices
	links   *fakeLinks
	rec     *recorder
	ctrl    *Controller
}

func newPeer(t *testing.T, hub *fakeHub, id string, autoConnect bool, opts ...Option) *peer {
	t.Helper()
	p := &peer{
		self:    domain.Participant{ID: domain.ParticipantID(id), DisplayName: id},
		devices: newFakeDevices(t),
		links:   &fakeLinks{prefix: id, autoConnect: autoConnect},
		rec:     &recorder{},
	}
	opts = append([]Option{WithObserver(p.rec.observe)}, opts...)
	p.ctrl = NewController(p.self, NewMediaAcquirer(p.devices), p.links, hub, opts...)
	t.Cleanup(p.ctrl.Close)
	return p
}

func (p *peer) snapshot(t *testing.T) SessionSnapshot {
	t.Helper()
	snap, ok := p.ctrl.Snapshot()
	if !ok {
		t.Fatalf("%s: no session", p.self.ID)
	}
	return snap
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, p *peer, want domain.SessionState) {
	t.Helper()
	eventually(t, fmt.Sprintf("%s to reach %s", p.self.ID, want), func() bool {
		snap, ok := p.ctrl.Snapshot()
		return ok && snap.State == want
	})
}
