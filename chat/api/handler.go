package api

import (
	stderrors "errors"
	"io"
	"net/http"

	"clinic-chat/backend/chat/service"
	"clinic-chat/backend/pkg/errors"
	"clinic-chat/backend/pkg/jwt"
	"clinic-chat/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// AccessRequest opens the chat for one appointment, or for all of the
// caller's approved appointments when AppointmentID is empty
type AccessRequest struct {
	AppointmentID string `json:"appointmentId"`
}

type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

type AppointmentApprovedEvent struct {
	AppointmentID string `json:"appointmentId" binding:"required"`
}

type ChatHandler struct {
	service *service.SessionService
}

func NewChatHandler(service *service.SessionService) *ChatHandler {
	return &ChatHandler{service: service}
}

// Access handles POST /chat-session
func (h *ChatHandler) Access(c *gin.Context) {
	var req AccessRequest
	// an empty body means discovery
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !stderrors.Is(err, io.EOF) {
			c.Error(errors.NewInvalidInput("Invalid request body").WithDetails(err.Error()))
			return
		}
	}

	userID, role, ok := caller(c)
	if !ok {
		return
	}

	if req.AppointmentID == "" {
		result, err := h.service.Discover(c.Request.Context(), userID, role)
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	view, err := h.service.CreateOrAccess(c.Request.Context(), req.AppointmentID, userID, role)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// List handles GET /chat-sessions
func (h *ChatHandler) List(c *gin.Context) {
	userID, _, ok := caller(c)
	if !ok {
		return
	}

	list, err := h.service.List(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// Get handles GET /chat-session/:id
func (h *ChatHandler) Get(c *gin.Context) {
	userID, _, ok := caller(c)
	if !ok {
		return
	}

	view, err := h.service.Read(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// SendMessage handles POST /chat-session/:id/messages
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInput("Message text is required"))
		return
	}

	userID, _, ok := caller(c)
	if !ok {
		return
	}

	view, err := h.service.SendMessage(c.Request.Context(), c.Param("id"), userID, req.Text)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// Extend handles PUT /chat-session/:id/extend
func (h *ChatHandler) Extend(c *gin.Context) {
	userID, _, ok := caller(c)
	if !ok {
		return
	}

	view, err := h.service.Extend(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// End handles PUT /chat-session/:id/end
func (h *ChatHandler) End(c *gin.Context) {
	userID, _, ok := caller(c)
	if !ok {
		return
	}

	view, err := h.service.End(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AppointmentApproved handles POST /internal/events/appointment-approved
func (h *ChatHandler) AppointmentApproved(c *gin.Context) {
	var event AppointmentApprovedEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.Error(errors.NewInvalidInput("appointmentId is required"))
		return
	}

	view, err := h.service.ProvisionApproved(c.Request.Context(), event.AppointmentID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func caller(c *gin.Context) (string, jwt.Role, bool) {
	claims, ok := middleware.Claims(c)
	if !ok || claims.UserID == "" {
		c.Error(errors.NewUnauthorized("Authentication required"))
		return "", "", false
	}
	return claims.UserID, claims.Role, true
}
