package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skribble/collab-relay/internal/adapters/signal"
	"github.com/skribble/collab-relay/internal/config"
	"github.com/skribble/collab-relay/internal/core"
	"github.com/skribble/collab-relay/internal/domain"
	"github.com/skribble/collab-relay/internal/metrics"
)

// ClientTokenMiddleware tags every request with a stable per-browser token.
// Connections stay identified by their own ConnID; the token only ties
// reconnects together in logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get("ct").(string)
		if token == "" {
			token = uuid.NewString()
			s.Set("ct", token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, manager *core.SessionManager, ctl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RelaySessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Collab relay server is up :)")
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")

	// Read-only introspection. Room state is mutated only by the event
	// router, never through REST.
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": manager.List()})
	})

	api.GET("/rooms/:id/members", func(c *gin.Context) {
		members := manager.MembersSnapshot(domain.RoomID(c.Param("id")))
		if members == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, members)
	})

	api.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
