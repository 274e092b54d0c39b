package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/skribble/collab-relay/internal/core"
	"github.com/skribble/collab-relay/internal/domain"
)

func (ctl *SignalWSController) handleJoinRoom(
	id domain.ConnID,
	conn *WsSignalConn,
	data []byte,
) {
	type joinPayload struct {
		Type string          `json:"type"`
		Room domain.RoomID   `json:"room"`
		User domain.UserInfo `json:"user"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.rejectJoin(conn)
		return
	}

	member, err := domain.NewMember(id, p.User)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("join rejected")
		ctl.rejectJoin(conn)
		return
	}

	log.Info().Str("module", "signal").Str("conn", string(id)).
		Str("room", string(p.Room)).Str("name", member.Name).Bool("owner", member.IsOwner).Msg("join-room")
	if err := ctl.Sessions.Join(p.Room, core.NewMemberSession(member, conn)); err != nil {
		ctl.rejectJoin(conn)
	}
}

func (ctl *SignalWSController) rejectJoin(conn *WsSignalConn) {
	ctl.sendJSON(conn, struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{core.EventInvalidUserInfo, "email and name are required"})
}

func (ctl *SignalWSController) handleSendMessage(data []byte) {
	type messagePayload struct {
		Type    string        `json:"type"`
		Room    domain.RoomID `json:"room"`
		Message string        `json:"message"`
		User    struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad message payload")
		return
	}
	ctl.Sessions.SendMessage(p.Room, p.Message, p.User.Name)
}

func (ctl *SignalWSController) handleServerBroadcast(
	id domain.ConnID,
	conn *WsSignalConn,
	data []byte,
) {
	type broadcastPayload struct {
		Type     string          `json:"type"`
		Room     domain.RoomID   `json:"room"`
		Elements json.RawMessage `json:"elements"`
		IsOwner  bool            `json:"isOwner"`
	}
	var p broadcastPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad broadcast payload")
		return
	}

	// The claimed flag is advisory only; authorization is the manager's
	// server-side owner and on-air state.
	if err := ctl.Sessions.Broadcast(p.Room, id, p.Elements); err != nil {
		log.Warn().Str("module", "signal").Str("conn", string(id)).
			Str("room", string(p.Room)).Bool("claimed_owner", p.IsOwner).Msg("broadcast rejected")
		ctl.sendJSON(conn, struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{core.EventNotAuthorized, "only the room owner can broadcast"})
	}
}
