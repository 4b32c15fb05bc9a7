package api

import (
	"github.com/gin-gonic/gin"

	"github.com/knowva/knowva/internal/common/httpmw"
	"github.com/knowva/knowva/internal/common/logger"
)

// SetupRouter builds the gin engine with all routes and middleware.
func SetupRouter(handler *Handler, ws *WSHandler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "knowva"))
	router.Use(httpmw.OtelTracing("knowva"))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handler.GetHealth)

		servers := v1.Group("/servers")
		{
			servers.GET("", handler.ListServers)
			servers.GET("/connected", handler.ListConnectedServers)
			servers.POST("/connect", handler.ConnectServer)
			servers.POST("/disconnect", handler.DisconnectServer)
			servers.POST("/health-check", handler.HealthCheckServers)
			servers.GET("/:name", handler.GetServerInfo)
		}

		batch := v1.Group("/batch")
		{
			batch.POST("/servers/connect", handler.BatchConnectServers)
			batch.POST("/tools/execute", handler.BatchExecuteTools)
		}

		tools := v1.Group("/tools")
		{
			tools.GET("", handler.ListTools)
			tools.POST("/execute", handler.ExecuteTool)
		}

		v1.POST("/query", handler.Query)

		conversations := v1.Group("/conversations")
		{
			conversations.GET("", handler.ListConversations)
			conversations.GET("/:id", handler.GetConversation)
			conversations.DELETE("/:id", handler.DeleteConversation)
		}

		config := v1.Group("/config/servers")
		{
			config.POST("", handler.AddServerConfig)
			config.PUT("/:name", handler.UpdateServerConfig)
			config.DELETE("/:name", handler.RemoveServerConfig)
		}

		metricsGroup := v1.Group("/metrics")
		{
			metricsGroup.GET("/system", handler.GetSystemMetrics)
			metricsGroup.GET("/servers", handler.GetServerMetrics)
			metricsGroup.GET("/servers/:name", handler.GetOneServerMetrics)
		}

		v1.POST("/admin/reset", handler.AdminReset)

		if ws != nil {
			v1.GET("/ws", ws.Stream)
		}
	}

	return router
}
