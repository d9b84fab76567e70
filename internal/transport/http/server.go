package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/auth"
	"github.com/decx/relay-server/internal/config"
	"github.com/decx/relay-server/internal/registry"
	"github.com/decx/relay-server/internal/relay"
	"github.com/decx/relay-server/internal/store"
)

// NewServer builds the relay's HTTP server: the live connection
// endpoint, the trusted internal ingress, and the initial-state REST
// contract.
func NewServer(cfg config.Config, reg *registry.Registry, d *relay.Dispatcher, st store.Store, jwtConfig *auth.JWTConfig, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/healthz", healthHandler)
	router.GET("/ws", gin.WrapH(NewWSHandler(reg, d, jwtConfig, cfg.SendBuffer, cfg.WriteTimeout, logger)))

	ingress := NewIngressHandlers(cfg.InternalSecret, d, logger)
	router.POST("/api/internal/emit", ingress.Emit)

	state := NewStateHandlers(st, cfg.NotificationLimit, logger)
	api := router.Group("/api", AuthMiddleware(jwtConfig, logger))
	api.GET("/user-state", state.UserState)
	api.POST("/notifications/read-all", state.ReadAll)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
