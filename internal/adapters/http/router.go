package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/voicerelay/internal/adapters/stream"
	"github.com/dkeye/voicerelay/internal/config"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CallLister backs the calls API.
type CallLister interface {
	Calls() []domain.CallInfo
}

// Orchestrator is what the router needs from the call layer.
type Orchestrator interface {
	stream.Calls
	CallLister
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)

		s := sessions.Default(c)
		if s.Get("client_token") != token {
			s.Set("client_token", token)
			s.Set("first_seen", time.Now().Unix())
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceRelaySessions", store))
	r.Use(ClientTokenMiddleware())

	opts := stream.Options{
		ReadLimit:    cfg.ReadLimit,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
	}
	telephony := stream.NewTelephonyController(orch, opts)
	local := stream.NewLocalController(orch, opts)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "voicerelay"})
	})

	r.GET("/media-stream", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("media stream endpoint hit")
		telephony.HandleMediaStream(ctx, c)
	})

	api := r.Group("/api")

	api.GET("/ws/local", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("local ws endpoint hit")
		local.HandleLocal(ctx, c)
	})

	api.GET("/calls", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"calls": orch.Calls()})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
