package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

type hub struct {
	orch *orch.Orchestrator
	srv  *httptest.Server
	url  string
}

func newHub(t *testing.T, maxMembers int, grace time.Duration) *hub {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(maxMembers),
		Policy:   app.SimplePolicy{},
		Grace:    grace,
	}
	ctl := NewHubController(o, NewJoinRateLimiter(0, 0), 1<<16, 0)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &hub{orch: o, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (h *hub) dialer() *Dialer {
	return NewDialer(h.url, WithBackoff(10*time.Millisecond, 50*time.Millisecond), WithJoinTimeout(2*time.Second))
}

func (h *hub) open(t *testing.T, room domain.RoomID, id string) core.SignalingChannel {
	t.Helper()
	ch, err := h.dialer().Open(context.Background(), room, domain.Participant{ID: domain.ParticipantID(id), DisplayName: id})
	if err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func next(t *testing.T, ch core.SignalingChannel, want core.SignalEventType) core.SignalEvent {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatalf("events closed, want %s", want)
		}
		if ev.Type != want {
			t.Fatalf("event = %s %+v, want %s", ev.Type, ev, want)
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
	return core.SignalEvent{}
}

func TestPresenceAndRelay(t *testing.T) {
	h := newHub(t, 2, time.Hour)
	ctx := context.Background()

	alice := h.open(t, "r1", "alice")
	ps := next(t, alice, core.PresenceSync).Participants
	if len(ps) != 1 || ps[0].ID != "alice" || ps[0].JoinedAt.IsZero() {
		t.Fatalf("alice sync = %+v", ps)
	}

	bob := h.open(t, "r1", "bob")
	ps = next(t, bob, core.PresenceSync).Participants
	if len(ps) != 2 || ps[0].ID != "alice" {
		t.Fatalf("bob sync = %+v", ps)
	}
	joined := next(t, alice, core.PresenceJoin)
	if joined.Participant.ID != "bob" || joined.Participant.JoinedAt.Before(ps[0].JoinedAt) {
		t.Fatalf("join = %+v", joined.Participant)
	}

	if err := alice.Send(ctx, domain.NewOffer("alice", "bob", "v=0 offer")); err != nil {
		t.Fatal(err)
	}
	msg := next(t, bob, core.SignalMessage)
	if msg.Message.Kind != domain.SignalOffer || msg.Message.From != "alice" || msg.Message.SDP != "v=0 offer" {
		t.Fatalf("offer = %+v", msg.Message)
	}

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host"}
	if err := bob.Send(ctx, domain.NewICECandidate("bob", cand)); err != nil {
		t.Fatal(err)
	}
	msg = next(t, alice, core.SignalMessage)
	if msg.Message.Kind != domain.SignalICECandidate || msg.Message.Candidate.Candidate != cand.Candidate {
		t.Fatalf("candidate = %+v", msg.Message)
	}
}

func TestSenderIsStampedByServer(t *testing.T) {
	h := newHub(t, 2, time.Hour)
	alice := h.open(t, "r1", "alice")
	next(t, alice, core.PresenceSync)
	bob := h.open(t, "r1", "bob")
	next(t, bob, core.PresenceSync)
	next(t, alice, core.PresenceJoin)

	forged := domain.NewAnswer("mallory", "alice", "v=0 answer")
	if err := bob.Send(context.Background(), forged); err != nil {
		t.Fatal(err)
	}
	if msg := next(t, alice, core.SignalMessage); msg.Message.From != "bob" {
		t.Fatalf("from = %s, want bob", msg.Message.From)
	}
}

func TestRoomFullRejected(t *testing.T) {
	h := newHub(t, 2, time.Hour)
	h.open(t, "r1", "alice")
	h.open(t, "r1", "bob")

	_, err := h.dialer().Open(context.Background(), "r1", domain.Participant{ID: "carol", DisplayName: "carol"})
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Code != codeRoomFull {
		t.Fatalf("err = %v", err)
	}

	_, err = h.dialer().Open(context.Background(), "", domain.Participant{ID: "dave", DisplayName: "dave"})
	if !errors.As(err, &rej) || rej.Code != codeInvalidRoom {
		t.Fatalf("empty room err = %v", err)
	}
}

func TestLeaveIsAnnouncedAtOnce(t *testing.T) {
	h := newHub(t, 2, time.Hour)
	alice := h.open(t, "r1", "alice")
	next(t, alice, core.PresenceSync)
	bob := h.open(t, "r1", "bob")
	next(t, alice, core.PresenceJoin)

	if err := bob.Close(); err != nil {
		t.Fatal(err)
	}
	if left := next(t, alice, core.PresenceLeave); left.Participant.ID != "bob" {
		t.Fatalf("left = %+v", left.Participant)
	}
	if err := bob.Send(context.Background(), domain.NewOffer("bob", "alice", "x")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("send after close: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-bob.Events():
		case <-deadline:
			t.Fatalf("events still open after close")
		}
	}
}

func TestRedialKeepsPresence(t *testing.T) {
	h := newHub(t, 2, time.Hour)
	alice := h.open(t, "r1", "alice")
	first := next(t, alice, core.PresenceSync).Participants[0]
	bob := h.open(t, "r1", "bob")
	next(t, bob, core.PresenceSync)
	next(t, alice, core.PresenceJoin)

	sid, ok := h.orch.Registry.Holder("r1", "alice")
	if !ok {
		t.Fatalf("alice not seated")
	}
	h.orch.Registry.Cancel(sid)

	lost := next(t, alice, core.TransportLost)
	if lost.Err == nil {
		t.Fatalf("transport lost without cause")
	}
	next(t, alice, core.TransportRestored)
	resync := next(t, alice, core.PresenceSync)
	if len(resync.Participants) != 2 {
		t.Fatalf("resync = %+v", resync.Participants)
	}
	for _, p := range resync.Participants {
		if p.ID == "alice" && !p.JoinedAt.Equal(first.JoinedAt) {
			t.Fatalf("joinedAt changed across redial: %v != %v", p.JoinedAt, first.JoinedAt)
		}
	}

	if err := alice.Send(context.Background(), domain.NewOffer("alice", "bob", "v=0 again")); err != nil {
		t.Fatal(err)
	}
	// a silent re-join: bob's next event is the message, not presence churn
	if msg := next(t, bob, core.SignalMessage); msg.Message.SDP != "v=0 again" {
		t.Fatalf("msg = %+v", msg.Message)
	}
}

func TestRawFrames(t *testing.T) {
	h := newHub(t, 2, time.Hour)
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	roundTrip := func(out string) envelope {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(out)); err != nil {
			t.Fatal(err)
		}
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatal(err)
		}
		return env
	}

	if env := roundTrip(`{"type":"ping"}`); env.Type != framePong {
		t.Fatalf("ping -> %+v", env)
	}
	if env := roundTrip(`not json`); env.Type != frameError || env.Error != codeBadPayload {
		t.Fatalf("garbage -> %+v", env)
	}
	if env := roundTrip(`{"type":"broadcast","message":{"kind":"offer","to":"x","sdp":"v=0"}}`); env.Error != codeNotJoined {
		t.Fatalf("broadcast before join -> %+v", env)
	}
	if env := roundTrip(`{"type":"whoami"}`); env.Type != frameWhoAmI || env.Participant != nil {
		t.Fatalf("whoami before join -> %+v", env)
	}
	if env := roundTrip(`{"type":"join","room":"r1","participant":{"id":"zed","displayName":""}}`); env.Error != codeInvalidParticipant {
		t.Fatalf("nameless join -> %+v", env)
	}
	if env := roundTrip(`{"type":"join","room":"r1","participant":{"id":"zed","displayName":"Zed","joinedAt":"2024-05-01T10:00:00Z"}}`); env.Type != framePresenceSync {
		t.Fatalf("join -> %+v", env)
	}
	env := roundTrip(`{"type":"whoami"}`)
	if env.Participant == nil || env.Participant.ID != "zed" || env.Room != "r1" || env.Participant.JoinedAt.Year() != 2024 {
		t.Fatalf("whoami -> %+v", env)
	}
	if env := roundTrip(`{"type":"broadcast","message":{"kind":"offer","sdp":"v=0"}}`); env.Error != codeInvalidMessage {
		t.Fatalf("untargeted offer -> %+v", env)
	}
	if env := roundTrip(`{"type":"leave"}`); env.Type != frameLeft {
		t.Fatalf("leave -> %+v", env)
	}
	if ps, ok := h.orch.Participants("r1"); ok && len(ps) != 0 {
		t.Fatalf("presence after leave = %+v", ps)
	}
}

func TestJoinRateLimiter(t *testing.T) {
	rl := NewJoinRateLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("first two joins refused")
	}
	if rl.Allow("a") {
		t.Fatalf("third join inside window allowed")
	}
	if !rl.Allow("b") {
		t.Fatalf("limit leaked across ids")
	}
	now = now.Add(61 * time.Second)
	if !rl.Allow("a") {
		t.Fatalf("join refused after window")
	}

	var disabled *JoinRateLimiter
	if !disabled.Allow("a") || !NewJoinRateLimiter(0, time.Minute).Allow("a") {
		t.Fatalf("disabled limiter refused")
	}
}

func TestFramesBeforeSyncAreReplayed(t *testing.T) {
	bob := domain.Participant{ID: "bob", DisplayName: "bob", JoinedAt: time.Date(2026, 3, 1, 9, 0, 1, 0, time.UTC)}
	alice := domain.Participant{ID: "alice", DisplayName: "alice", JoinedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join envelope
		if err := conn.ReadJSON(&join); err != nil || join.Type != frameJoin {
			return
		}
		_ = conn.WriteJSON(envelope{Type: framePresenceJoin, Room: join.Room, Participant: &bob})
		_ = conn.WriteJSON(envelope{Type: frameBroadcast, Room: join.Room, Message: &domain.SignalingMessage{Kind: domain.SignalAnswer, From: "carol", To: "dave", SDP: "v=0"}})
		_ = conn.WriteJSON(envelope{Type: framePresenceSync, Room: join.Room, Participants: []domain.Participant{alice}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http"), WithJoinTimeout(2*time.Second))
	ch, err := d.Open(context.Background(), "r1", domain.Participant{ID: "alice", DisplayName: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if ps := next(t, ch, core.PresenceSync).Participants; len(ps) != 1 || ps[0].ID != "alice" {
		t.Fatalf("sync = %+v", ps)
	}
	if p := next(t, ch, core.PresenceJoin).Participant; p.ID != "bob" || !p.JoinedAt.Equal(bob.JoinedAt) {
		t.Fatalf("join = %+v", p)
	}
	select {
	case ev := <-ch.Events():
		t.Fatalf("unexpected event %s %+v", ev.Type, ev)
	case <-time.After(50 * time.Millisecond):
	}
}
