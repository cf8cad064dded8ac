package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gin-gonic/gin"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

func setup(t *testing.T) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:   "test",
		Secret: "s3cret",
		ICEServers: []config.ICEServer{
			{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"},
			{},
		},
	}
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(2),
		Policy:   app.SimplePolicy{},
	}
	hub := signal.NewHubController(o, nil, 0, 0)
	return SetupRouter(context.Background(), cfg, o, hub), o
}

func do(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRTCConfig(t *testing.T) {
	r, _ := setup(t)
	w := do(r, http.MethodGet, "/api/rtc-config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body rtc.ConfigWire
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.ICEServers) != 1 || body.ICEServers[0].Username != "u" {
		t.Fatalf("body = %s", w.Body.String())
	}
	if len(w.Result().Cookies()) == 0 {
		t.Fatalf("no session cookie set")
	}
}

func TestRooms(t *testing.T) {
	r, o := setup(t)
	o.Registry.BindSignal("s1", nopConn{}, nil)
	if _, err := o.Join("s1", "standup", domain.Participant{ID: "ada", DisplayName: "Ada"}); err != nil {
		t.Fatal(err)
	}

	w := do(r, http.MethodGet, "/api/rooms", nil)
	var list struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Rooms) != 1 || list.Rooms[0].ID != "standup" || list.Rooms[0].MemberCount != 1 {
		t.Fatalf("rooms = %s", w.Body.String())
	}

	w = do(r, http.MethodGet, "/api/rooms/standup/participants", nil)
	var room struct {
		Participants []domain.Participant `json:"participants"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &room); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || len(room.Participants) != 1 || room.Participants[0].ID != "ada" {
		t.Fatalf("participants = %d %s", w.Code, w.Body.String())
	}

	if w := do(r, http.MethodGet, "/api/rooms/nowhere/participants", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing room status = %d", w.Code)
	}
}

func TestEvictRequiresSecret(t *testing.T) {
	r, o := setup(t)
	o.Registry.BindSignal("s1", nopConn{}, nil)
	if _, err := o.Join("s1", "standup", domain.Participant{ID: "ada", DisplayName: "Ada"}); err != nil {
		t.Fatal(err)
	}

	if w := do(r, http.MethodDelete, "/api/rooms/standup", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no secret status = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/api/rooms/standup", map[string]string{adminHeader: "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/api/rooms/standup", map[string]string{adminHeader: "s3cret"}); w.Code != http.StatusNoContent {
		t.Fatalf("evict status = %d", w.Code)
	}
	if _, ok := o.Rooms.Get("standup"); ok {
		t.Fatalf("room survived eviction")
	}
}
