package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"messaging-core/internal/chat"
	"messaging-core/internal/errs"
	"messaging-core/internal/models"
	"messaging-core/internal/telemetry"
)

// ChatHandler exposes message and conversation commands.
type ChatHandler struct {
	messages      *chat.Service
	conversations *chat.Index
	audit         *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(messages *chat.Service, conversations *chat.Index, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{messages: messages, conversations: conversations, audit: audit}
}

// SendMessage stores a message from the authenticated user.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req struct {
		ReceiverID string             `json:"receiver_id" binding:"required,userid"`
		Content    string             `json:"content" binding:"required"`
		Type       models.MessageType `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), chat.SendRequest{
		SenderID:   userIDFromContext(c),
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Type:       req.Type,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(accepted(msg.Optimistic, http.StatusCreated), msg)
}

// GetMessage returns one message of a conversation the user takes part in.
func (h *ChatHandler) GetMessage(c *gin.Context) {
	msg, err := h.messages.Get(c.Request.Context(), userIDFromContext(c), c.Param("message_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// UpdateStatus moves a received message forward.
func (h *ChatHandler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status models.MessageStatus `json:"status" binding:"required,oneof=sent delivered read"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	msg, err := h.messages.UpdateStatus(c.Request.Context(), userIDFromContext(c), c.Param("message_id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(accepted(msg.Optimistic, http.StatusOK), msg)
}

// DeleteMessage soft-deletes a message sent by the user.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	userID := userIDFromContext(c)
	msg, err := h.messages.SoftDelete(c.Request.Context(), userID, c.Param("message_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.audit.MessageDeleted(c.Request.Context(), requestIDFromContext(c), userID, msg)
	c.JSON(accepted(msg.Optimistic, http.StatusOK), msg)
}

// ListConversations returns the user's conversations, most recent first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	convs, err := h.conversations.ListForUser(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// GetConversationMessages pages the history of a conversation, newest first. The next page
// is requested with before_id set to the last returned id.
func (h *ChatHandler) GetConversationMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, errs.Validation("limit", "is not a number"))
			return
		}
		limit = n
	}
	cursor := models.PageCursor{BeforeID: c.Query("before_id")}
	if raw := c.Query("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(c, errs.Validation("before", "is not an RFC 3339 timestamp"))
			return
		}
		cursor.BeforeTime = ts
	}

	page, err := h.messages.Page(c.Request.Context(), userIDFromContext(c), c.Param("conversation_key"), limit, cursor)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"messages": page}
	if len(page) > 0 {
		resp["next_before_id"] = page[len(page)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// MarkConversationRead marks everything addressed to the user as read.
func (h *ChatHandler) MarkConversationRead(c *gin.Context) {
	receipt, err := h.messages.MarkAllRead(c.Request.Context(), c.Param("conversation_key"), userIDFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(accepted(receipt.Queued, http.StatusOK), receipt)
}
