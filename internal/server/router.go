package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/storyforge-backend/internal/handlers"
)

type RouterConfig struct {
	TaskHandler    *handlers.TaskHandler
	ChannelHandler *handlers.ChannelHandler
	WebhookHandler *handlers.WebhookHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/webhooks/planning", cfg.WebhookHandler.Receive)

	api := router.Group("/api")
	{
		api.GET("/tasks", cfg.TaskHandler.ListTasks)
		api.GET("/tasks/:id", cfg.TaskHandler.GetTask)
		api.POST("/tasks/:id/approve", cfg.TaskHandler.ApproveGate)
		api.POST("/tasks/:id/reject", cfg.TaskHandler.RejectGate)
		api.POST("/tasks/:id/cancel", cfg.TaskHandler.Cancel)

		api.GET("/channels", cfg.ChannelHandler.ListChannels)
		api.POST("/channels/reload", cfg.ChannelHandler.ReloadChannels)
	}

	return router
}
