package core

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/skribble/collab-relay/internal/domain"
)

// Outbound event names on the wire.
const (
	EventInvalidUserInfo   = "invalid-user-info"
	EventRoomStatusChanged = "room-status-changed"
	EventRoomUserList      = "room-user-list"
	EventReceiveMessage    = "receive-message"
	EventClientBroadcast   = "client-broadcast"
	EventNotAuthorized     = "not-authorized"
)

type statusEvent struct {
	Type    string `json:"type"`
	IsOnAir bool   `json:"isOnAir"`
}

type userListEvent struct {
	Type    string          `json:"type"`
	Members []domain.Member `json:"members"`
}

type messageEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	User      string `json:"user"`
	Timestamp string `json:"timestamp"`
}

type broadcastEvent struct {
	Type     string          `json:"type"`
	Elements json.RawMessage `json:"elements"`
}

func encode(v any) Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "core.events").Msg("encode event")
		return nil
	}
	return b
}
