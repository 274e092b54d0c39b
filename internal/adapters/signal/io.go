package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/skribble/collab-relay/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump exit is the disconnect event: membership cleanup must run before
// the transport is torn down.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Sessions.Disconnect(id)
		ctl.Limiter.Forget(id)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
				return
			}
			ctl.dispatch(id, c, data)
		}
	}
}

func (ctl *SignalWSController) dispatch(id domain.ConnID, c *WsSignalConn, data []byte) {
	var env struct {
		Type string        `json:"type"`
		Room domain.RoomID `json:"room"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}
	if !ctl.Limiter.Allow(id) {
		log.Warn().Str("module", "signal").Str("conn", string(id)).Str("type", env.Type).Msg("rate limited")
		return
	}
	ctl.Metrics.Events.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case "join-room":
		ctl.handleJoinRoom(id, c, data)
	case "owner-heartbeat":
		ctl.Sessions.Heartbeat(env.Room, id)
	case "send-message":
		ctl.handleSendMessage(data)
	case "server-broadcast":
		ctl.handleServerBroadcast(id, c, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown event")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
