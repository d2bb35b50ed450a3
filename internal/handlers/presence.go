package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-core/internal/errs"
	"messaging-core/internal/presence"
)

// PresenceHandler exposes presence and typing signals.
type PresenceHandler struct {
	signals *presence.Signaler
}

// NewPresenceHandler builds a PresenceHandler.
func NewPresenceHandler(signals *presence.Signaler) *PresenceHandler {
	return &PresenceHandler{signals: signals}
}

// SetTyping updates the user's typing flag in a conversation.
func (h *PresenceHandler) SetTyping(c *gin.Context) {
	var req struct {
		IsTyping *bool `json:"is_typing" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	state, err := h.signals.SetTyping(c.Request.Context(), c.Param("conversation_key"), userIDFromContext(c), *req.IsTyping)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// SetPresence records the user's online flag. Subscribers are notified even when the store
// write fails, in which case 202 is returned.
func (h *PresenceHandler) SetPresence(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	state, err := h.signals.SetOnline(c.Request.Context(), userIDFromContext(c), *req.Online)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, state)
	case errors.Is(err, errs.ErrConnectivity):
		c.JSON(http.StatusAccepted, state)
	default:
		respondError(c, err)
	}
}

// GetPresence returns the online flag of any user.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	state, err := h.signals.Presence(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}
