package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes wires the authenticated command surface.
func RegisterRoutes(router gin.IRouter, auth gin.HandlerFunc, chatHandler *ChatHandler, presenceHandler *PresenceHandler) {
	api := router.Group("", auth)

	api.POST("/messages", chatHandler.SendMessage)
	api.GET("/messages/:message_id", chatHandler.GetMessage)
	api.PATCH("/messages/:message_id/status", chatHandler.UpdateStatus)
	api.DELETE("/messages/:message_id", chatHandler.DeleteMessage)

	api.GET("/conversations", chatHandler.ListConversations)
	api.GET("/conversations/:conversation_key/messages", chatHandler.GetConversationMessages)
	api.POST("/conversations/:conversation_key/read", chatHandler.MarkConversationRead)
	api.POST("/conversations/:conversation_key/typing", presenceHandler.SetTyping)

	api.POST("/presence", presenceHandler.SetPresence)
	api.GET("/presence/:user_id", presenceHandler.GetPresence)
}
