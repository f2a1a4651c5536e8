package routes

import (
	"github.com/gin-gonic/gin"

	"facial-sync-service/config"
	"facial-sync-service/controllers"
	"facial-sync-service/middleware"
	"facial-sync-service/services"
	"facial-sync-service/services/container"
)

// SetupRouter 初始化并返回配置好的管理API路由
func SetupRouter(serviceContainer *container.ServiceContainer, cfg *config.Config) *gin.Engine {
	// 初始化 Gin
	r := gin.Default()

	// 添加 CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// 初始化中间件
	middleware.InitAuthMiddleware(cfg)

	// 注册路由
	registerRoutes(r, serviceContainer)
	return r
}

// registerRoutes 配置所有API路由
func registerRoutes(
	r *gin.Engine,
	container *container.ServiceContainer,
) {
	// WebSocket实时推送
	ws := container.GetService("websocket").(services.InterfaceWebSocket)
	r.GET("/ws", ws.HandleConnection)

	// API 路由根路径
	api := r.Group("/api")
	// 注册公共路由
	registerPublicRoutes(api, container)
	// 注册需要认证的路由
	registerAuthenticatedRoutes(api, container)
}

// registerPublicRoutes 注册公共路由
func registerPublicRoutes(
	api *gin.RouterGroup,
	container *container.ServiceContainer,
) {
	// 健康检查
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})
	api.GET("/health", controllers.HandleSystemFunc(container, "health"))

	// 认证路由
	api.POST("/auth/login", controllers.HandleAuthFunc(container, "login"))
}

// registerAuthenticatedRoutes 注册需要认证的路由
func registerAuthenticatedRoutes(
	api *gin.RouterGroup,
	container *container.ServiceContainer,
) {
	// 添加认证中间件
	auth := api.Group("/")
	auth.Use(middleware.Authentication())

	// 系统状态
	auth.GET("/status", controllers.HandleSystemFunc(container, "status"))

	// 人脸同步路由
	auth.Group("/face").POST("/create", controllers.HandleFaceFunc(container, "createFace"))
	auth.Group("/face").POST("/update", controllers.HandleFaceFunc(container, "updateFace"))
	auth.Group("/face").POST("/delete", controllers.HandleFaceFunc(container, "deleteFace"))

	// 任务路由
	auth.Group("/tasks").GET("", controllers.HandleTaskFunc(container, "getTasks"))
	auth.Group("/tasks").GET("/status", controllers.HandleTaskFunc(container, "getQueueStatus"))
	auth.Group("/tasks").GET("/result/:run_id", controllers.HandleTaskFunc(container, "getSyncRunResult"))
	auth.Group("/tasks").GET("/:id", controllers.HandleTaskFunc(container, "getTask"))
	auth.Group("/tasks").POST("/:id/cancel", controllers.HandleTaskFunc(container, "cancelTask"))
	auth.Group("/tasks").POST("/:id/force", controllers.HandleTaskFunc(container, "forceProcessTask"))
	auth.Group("/tasks").POST("/retry-failed", controllers.HandleTaskFunc(container, "retryFailedTasks"))
	auth.Group("/tasks").DELETE("/failed", controllers.HandleTaskFunc(container, "clearFailedTasks"))
	auth.Group("/tasks").DELETE("/completed", controllers.HandleTaskFunc(container, "clearCompletedTasks"))

	// 设备路由
	auth.Group("/devices").GET("", controllers.HandleDeviceFunc(container, "getDevices"))
	auth.Group("/devices").POST("", controllers.HandleDeviceFunc(container, "createDevice"))
	auth.Group("/devices").POST("/ping", controllers.HandleDeviceFunc(container, "pingDevices"))
	auth.Group("/devices").GET("/:id", controllers.HandleDeviceFunc(container, "getDevice"))
	auth.Group("/devices").PUT("/:id", controllers.HandleDeviceFunc(container, "updateDevice"))
	auth.Group("/devices").DELETE("/:id", controllers.HandleDeviceFunc(container, "deleteDevice"))
	auth.Group("/devices").POST("/:id/test", controllers.HandleDeviceFunc(container, "testDevice"))
	auth.Group("/devices").GET("/:id/face-count", controllers.HandleDeviceFunc(container, "getDeviceFaceCount"))
	auth.Group("/devices").GET("/:id/info", controllers.HandleDeviceFunc(container, "getDeviceInfo"))

	// 事件路由
	auth.Group("/events").GET("", controllers.HandleEventFunc(container, "getEvents"))
	auth.Group("/events").GET("/summary", controllers.HandleEventFunc(container, "getEventSummary"))
	auth.Group("/events").GET("/stats", controllers.HandleEventFunc(container, "getEventStats"))
	auth.Group("/events").GET("/latest", controllers.HandleEventFunc(container, "getLatestEvent"))
	auth.Group("/events").DELETE("", controllers.HandleEventFunc(container, "clearOldEvents"))
}
