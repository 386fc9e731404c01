package router

import (
	"net/http"

	chatapi "clinic-chat/backend/chat/api"
	"clinic-chat/backend/pkg/config"
	"clinic-chat/backend/pkg/di"
	"clinic-chat/backend/pkg/errors"
	"clinic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Config    *config.Config
}

// New creates a new router with the given container
func New(container *di.Container) *Router {
	logger.SetGlobal(container.Logger)
	cfg := container.Config

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Logger first so every later middleware has a request-scoped logger
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Config:    cfg,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	healthHandler := r.Container.Health.Handler()
	r.Engine.GET("/health", healthHandler)
	r.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if r.Config.Validation.Enabled {
		r.AddOpenAPIValidation()
	}

	v1 := r.Engine.Group("/api/v1")
	v1.GET("/health", healthHandler)
	v1.Use(r.Container.APILimiter.Middleware())

	handler := chatapi.NewChatHandler(r.Container.SessionService)
	chatapi.RegisterChatRoutes(v1, handler, chatapi.RouteOptions{
		JWT:            r.Container.JWTService,
		Logger:         r.Logger,
		MessageLimiter: r.Container.MessageLimiter,
		ServiceKey:     r.Container.ServiceKey,
	})
}

// Handler returns the engine as an http.Handler
func (r *Router) Handler() http.Handler {
	return r.Engine
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 0
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origins[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Authorization, Origin, X-Request-ID, X-Service-Key")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
