// Package httpapi exposes the engine over gin: room CRUD plus a websocket
// per live room session. The adapter only dispatches commands and forwards
// events; all arbitration lives in internal/app.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type Deps struct {
	Cfg          *config.Config
	Store        core.Store
	Rooms        *app.Rooms
	Registry     *app.Registry
	NewTransport func() core.VoiceTransport
	SessionOpts  app.SessionOptions
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, deps Deps) *gin.Engine {
	if deps.Cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if deps.Cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(deps.Cfg.Secret))
	r.Use(sessions.Sessions("StageSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "httpapi").Msg("router setup")

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		list, err := deps.Rooms.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "room list failed"})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	api.POST("/rooms", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
			return
		}
		sid := core.SessionID(c.GetString("client_token"))
		host := deps.Registry.GetOrCreateUser(sid)
		id, err := deps.Rooms.Create(c.Request.Context(), domain.RoomName(req.Name), host)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "room create failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	})

	api.DELETE("/rooms/:id", func(c *gin.Context) {
		sid := core.SessionID(c.GetString("client_token"))
		actor := deps.Registry.GetOrCreateUser(sid)
		err := deps.Rooms.Delete(c.Request.Context(), domain.RoomID(c.Param("id")), actor.ID)
		c.JSON(statusOf(err), gin.H{})
	})

	api.POST("/profile", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
			return
		}
		sid := core.SessionID(c.GetString("client_token"))
		deps.Registry.UpdateUsername(sid, req.Name)
		c.JSON(http.StatusOK, gin.H{})
	})

	api.GET("/ws/rooms/:id", func(c *gin.Context) {
		ctl := NewRoomWSController(deps)
		log.Info().Str("module", "httpapi").Str("sid", c.GetString("client_token")).Str("room", c.Param("id")).Msg("ws room endpoint hit")
		ctl.HandleRoom(ctx, c)
	})

	return r
}
