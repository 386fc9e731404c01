package router

import (
	"net/http"

	"clinic-chat/backend/pkg/validator"

	"github.com/gin-gonic/gin"
)

// AddOpenAPIValidation validates chat requests against the embedded schema
// and serves the schema at /api/docs/openapi.yaml
func (r *Router) AddOpenAPIValidation() {
	v, err := validator.NewChatValidator()
	if err != nil {
		r.Logger.Error("Failed to initialize OpenAPI validator", "error", err.Error())
		return
	}

	r.Engine.Use(v.Middleware())
	r.Engine.GET("/api/docs/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", validator.ChatSchema())
	})
	r.Logger.Info("OpenAPI validation enabled", "url", "/api/docs/openapi.yaml")
}
