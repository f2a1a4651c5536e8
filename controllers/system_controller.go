package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"facial-sync-service/internal/error/response"
	"facial-sync-service/services"
	"facial-sync-service/services/container"
)

// InterfaceSystemController 定义系统控制器接口
type InterfaceSystemController interface {
	Health()
	Status()
}

// SystemController 处理健康检查与整体状态查询
type SystemController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewSystemController 创建一个新的系统控制器
func NewSystemController(ctx *gin.Context, container *container.ServiceContainer) *SystemController {
	return &SystemController{
		Ctx:       ctx,
		Container: container,
	}
}

// HandleSystemFunc 返回一个处理系统请求的Gin处理函数
func HandleSystemFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewSystemController(ctx, container)

		switch method {
		case "health":
			controller.Health()
		case "status":
			controller.Status()
		default:
			ctx.JSON(http.StatusBadRequest, gin.H{
				"code":    400,
				"message": "无效的方法",
				"data":    nil,
			})
		}
	}
}

// 1. Health 健康检查，供负载均衡与容器探针使用
// @Summary 健康检查
// @Tags system
// @Produce json
// @Success 200 {object} response.Response
// @Router /health [get]
func (c *SystemController) Health() {
	sqlDB, err := c.Container.GetDB().DB()
	dbOK := err == nil && sqlDB.Ping() == nil

	c.Ctx.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": dbOK,
		"time":     time.Now().Format(time.RFC3339),
	})
}

// 2. Status 聚合各子系统的运行状态
// @Summary 系统状态
// @Tags system
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /status [get]
func (c *SystemController) Status() {
	dispatcher := c.Container.GetService("dispatcher").(services.InterfaceTaskDispatcher)
	queue := c.Container.GetService("task_queue").(services.InterfaceTaskQueue)
	deviceSync := c.Container.GetService("device_sync").(services.InterfaceDeviceSync)
	processor := c.Container.GetService("event_processor").(services.InterfaceEventProcessor)
	ws := c.Container.GetService("websocket").(services.InterfaceWebSocket)

	response.Success(c.Ctx, gin.H{
		"dispatcher": gin.H{
			"running":         dispatcher.IsRunning(),
			"stats":           dispatcher.Statistics(),
			"pending_retries": dispatcher.PendingRetries(),
			"queue_size":      queue.Size(),
		},
		"device_sync":       deviceSync.Statistics(),
		"event_pipeline":    processor.Statistics(),
		"websocket_clients": ws.ClientCount(),
	})
}
