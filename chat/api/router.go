package api

import (
	"clinic-chat/backend/pkg/jwt"
	"clinic-chat/backend/pkg/logger"
	"clinic-chat/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// RouteOptions carries the guards the chat routes depend on
type RouteOptions struct {
	JWT            *jwt.Service
	Logger         *logger.Logger
	MessageLimiter *middleware.RateLimiter
	ServiceKey     string
}

// RegisterChatRoutes mounts the chat endpoints on group
func RegisterChatRoutes(group *gin.RouterGroup, handler *ChatHandler, opts RouteOptions) {
	authed := group.Group("")
	authed.Use(middleware.JWTAuthMiddleware(opts.JWT, opts.Logger))
	{
		authed.POST("/chat-session", handler.Access)
		authed.GET("/chat-sessions", handler.List)
		authed.GET("/chat-session/:id", handler.Get)

		send := []gin.HandlerFunc{handler.SendMessage}
		if opts.MessageLimiter != nil {
			send = append([]gin.HandlerFunc{opts.MessageLimiter.Middleware()}, send...)
		}
		authed.POST("/chat-session/:id/messages", send...)

		doctor := middleware.RequireRole(jwt.RoleDoctor)
		authed.PUT("/chat-session/:id/extend", doctor, handler.Extend)
		authed.PUT("/chat-session/:id/end", doctor, handler.End)
	}

	internal := group.Group("/internal")
	internal.Use(middleware.RequireServiceKey(opts.ServiceKey))
	{
		internal.POST("/events/appointment-approved", handler.AppointmentApproved)
	}
}
