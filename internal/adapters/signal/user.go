package signal

import (
	"github.com/dkeye/peercall/internal/core"
)

// handleWhoAmI reports the seat the server holds for this connection, if any.
func (ctl *HubController) handleWhoAmI(
	sid core.SessionID,
	conn *WsSignalConn,
) {
	resp := envelope{Type: frameWhoAmI}
	if roomID, id, ok := ctl.Orch.Registry.RoomOf(sid); ok {
		if room, ok := ctl.Orch.Rooms.Get(roomID); ok {
			if ms, ok := room.Member(id); ok {
				p := ms.Meta().Participant
				resp.Room = roomID
				resp.Participant = &p
			}
		}
	}
	ctl.sendJSON(conn, resp)
}
