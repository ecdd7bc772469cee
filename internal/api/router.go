package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the owner API routes.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	router.GET("/config", handler.GetConfig)
	router.PATCH("/config", handler.UpdateConfig)

	workspaces := router.Group("/workspaces")
	{
		workspaces.GET("", handler.ListWorkspaces)
		workspaces.POST("", handler.CreateWorkspace)
		workspaces.GET("/:workspaceId", handler.GetWorkspace)
		workspaces.DELETE("/:workspaceId", handler.DeleteWorkspace)
	}

	sessions := router.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.POST("", handler.CreateSession)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.DeleteSession)
		sessions.POST("/:sessionId/start", handler.StartSession)
		sessions.POST("/:sessionId/stop", handler.StopSession)
		sessions.GET("/:sessionId/messages", handler.GetSessionMessages)
		sessions.GET("/:sessionId/permissions", handler.GetSessionPermissions)
	}

	router.POST("/permissions/:permissionId", handler.RespondPermission)

	ruleRoutes := router.Group("/rules")
	{
		ruleRoutes.GET("", handler.ListRules)
		ruleRoutes.POST("", handler.CreateRule)
		ruleRoutes.PATCH("/:ruleId", handler.UpdateRule)
		ruleRoutes.DELETE("/:ruleId", handler.DeleteRule)
	}

	router.GET("/audit", handler.GetAudit)

	devices := router.Group("/devices")
	{
		devices.POST("/push", handler.RegisterPushDevice)
		devices.POST("/auth", handler.RegisterAuthDevice)
	}
}
