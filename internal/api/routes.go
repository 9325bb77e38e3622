package api

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the authenticated REST endpoints on r
func RegisterRoutes(r gin.IRoutes, conversations *ConversationHandler, users *UserHandler) {
	r.GET("/auth/me", users.GetMe)
	r.GET("/users/:id/online", users.GetOnline)

	r.GET("/conversations", conversations.ListConversations)
	r.POST("/conversations", conversations.CreateConversation)
	r.DELETE("/conversations/:id", conversations.DeleteConversation)
	r.PUT("/conversations/:id/read", conversations.MarkConversationRead)
	r.GET("/conversations/:id/messages", conversations.GetMessages)
	r.POST("/conversations/:id/messages", conversations.SendMessage)

	r.PUT("/messages/:id/read", conversations.MarkMessageAsRead)
}
