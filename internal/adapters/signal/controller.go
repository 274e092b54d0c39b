// Package signal is the WebSocket transport for the room session manager.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/skribble/collab-relay/internal/core"
	"github.com/skribble/collab-relay/internal/domain"
	"github.com/skribble/collab-relay/internal/metrics"
)

var ErrBackpressure = errors.New("backpressure")

// wsConn is an indirection over *websocket.Conn to ease testing.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type SignalWSController struct {
	Sessions  *core.SessionManager
	Limiter   *EventRateLimiter
	Metrics   *metrics.Relay
	ReadLimit int64
}

func NewSignalWSController(sessions *core.SessionManager, limiter *EventRateLimiter, m *metrics.Relay, readLimit int64) *SignalWSController {
	return &SignalWSController{
		Sessions:  sessions,
		Limiter:   limiter,
		Metrics:   m,
		ReadLimit: readLimit,
	}
}

// WsSignalConn implements core.SignalConnection over a WebSocket.
type WsSignalConn struct {
	conn wsConn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	// The connection id is fresh per socket; the client token cookie only
	// correlates log lines across reconnects.
	id := domain.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(id)).
		Str("client", c.GetString("client_token")).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	ctl.Metrics.Connections.Inc()

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}
