package signal

import (
	"errors"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *HubController) handleJoin(
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
) {
	if env.Participant == nil {
		ctl.sendError(conn, codeBadPayload)
		return
	}
	p := *env.Participant
	if !ctl.Limiter.Allow(p.ID) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("participant", string(p.ID)).Msg("join rate limited")
		ctl.sendError(conn, codeRateLimited)
		return
	}

	res, err := ctl.Orch.Join(sid, env.Room, p)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("room", string(env.Room)).Msg("join rejected")
		ctl.sendError(conn, joinErrorCode(err))
		return
	}

	if res.Resumed {
		return
	}

	f, err := encode(envelope{Type: framePresenceJoin, Room: env.Room, Participant: &res.Self})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode presence join")
		return
	}
	if _, err := ctl.Orch.Relay(sid, "", f); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("presence join relay")
	}
}

// handleLeave drops the seat; the websocket stays open.
func (ctl *HubController) handleLeave(
	sid core.SessionID,
	conn *WsSignalConn,
) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Leave(sid)
	ctl.sendJSON(conn, envelope{Type: frameLeft})
}

// handleBroadcast relays a signaling message to the room. The sender is
// always stamped from the seat, never trusted from the payload.
func (ctl *HubController) handleBroadcast(
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
) {
	if env.Message == nil {
		ctl.sendError(conn, codeBadPayload)
		return
	}
	room, from, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		ctl.sendError(conn, codeNotJoined)
		return
	}
	msg := *env.Message
	msg.From = from
	if err := msg.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("invalid signaling message")
		ctl.sendError(conn, codeInvalidMessage)
		return
	}

	f, err := encode(envelope{Type: frameBroadcast, Room: room, Message: &msg})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode broadcast")
		return
	}
	res, err := ctl.Orch.Relay(sid, msg.To, f)
	if err != nil {
		ctl.sendError(conn, codeNotJoined)
		return
	}
	log.Debug().Str("module", "signal").Str("room", string(room)).Str("kind", string(msg.Kind)).Str("from", string(from)).Str("to", string(msg.To)).Int("sent_to", res.SendTo).Msg("relayed")
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrRoomFull):
		return codeRoomFull
	case errors.Is(err, domain.ErrRoomIDEmpty), errors.Is(err, domain.ErrRoomIDTooLong):
		return codeInvalidRoom
	case errors.Is(err, domain.ErrParticipantIDEmpty), errors.Is(err, domain.ErrParticipantIDTooLong),
		errors.Is(err, domain.ErrDisplayNameEmpty), errors.Is(err, domain.ErrDisplayNameTooLong):
		return codeInvalidParticipant
	default:
		return codeJoinFailed
	}
}
