package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"facial-sync-service/internal/error/code"
	"facial-sync-service/internal/error/response"
	"facial-sync-service/models"
	"facial-sync-service/services"
	"facial-sync-service/services/container"
)

// InterfaceEventController 定义事件控制器接口
type InterfaceEventController interface {
	GetEvents()
	GetEventSummary()
	GetEventStats()
	GetLatestEvent()
	ClearOldEvents()
}

// EventController 处理门禁事件的查询与维护请求
type EventController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewEventController 创建一个新的事件控制器
func NewEventController(ctx *gin.Context, container *container.ServiceContainer) *EventController {
	return &EventController{
		Ctx:       ctx,
		Container: container,
	}
}

// HandleEventFunc 返回一个处理事件请求的Gin处理函数
func HandleEventFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewEventController(ctx, container)

		switch method {
		case "getEvents":
			controller.GetEvents()
		case "getEventSummary":
			controller.GetEventSummary()
		case "getEventStats":
			controller.GetEventStats()
		case "getLatestEvent":
			controller.GetLatestEvent()
		case "clearOldEvents":
			controller.ClearOldEvents()
		default:
			ctx.JSON(http.StatusBadRequest, gin.H{
				"code":    400,
				"message": "无效的方法",
				"data":    nil,
			})
		}
	}
}

// 1. GetEvents 查询最近的门禁事件
// @Summary 查询门禁事件
// @Tags event
// @Produce json
// @Security BearerAuth
// @Param limit query int false "数量上限" default(100)
// @Param device_ip query string false "按设备IP过滤"
// @Success 200 {object} response.Response
// @Router /events [get]
func (c *EventController) GetEvents() {
	limit, _ := strconv.Atoi(c.Ctx.DefaultQuery("limit", "100"))
	deviceIP := c.Ctx.Query("device_ip")

	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	events, err := store.RecentEvents(limit, deviceIP)
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, events)
}

// 2. GetEventSummary 按设备和结果汇总最近的事件
// @Summary 事件汇总
// @Tags event
// @Produce json
// @Security BearerAuth
// @Param hours query int false "统计时间窗口（小时）" default(24)
// @Success 200 {object} response.Response
// @Router /events/summary [get]
func (c *EventController) GetEventSummary() {
	hours, err := strconv.Atoi(c.Ctx.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		response.ParamError(c.Ctx, "无效的时间窗口")
		return
	}

	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	summary, err := store.EventSummary(hours)
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, summary)
}

// 3. GetEventStats 查询事件管道运行统计
// @Summary 事件管道统计
// @Tags event
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /events/stats [get]
func (c *EventController) GetEventStats() {
	processor := c.Container.GetService("event_processor").(services.InterfaceEventProcessor)
	response.Success(c.Ctx, processor.Statistics())
}

// 4. GetLatestEvent 查询某设备最近一次门禁事件，优先读缓存
// @Summary 查询设备最新事件
// @Tags event
// @Produce json
// @Security BearerAuth
// @Param device_ip query string true "设备IP"
// @Success 200 {object} response.Response
// @Router /events/latest [get]
func (c *EventController) GetLatestEvent() {
	deviceIP := c.Ctx.Query("device_ip")
	if deviceIP == "" {
		response.ParamError(c.Ctx, "缺少 device_ip 参数")
		return
	}

	if redisService, ok := c.Container.GetService("redis").(*services.RedisService); ok && redisService != nil {
		var event models.AccessEvent
		if err := redisService.GetLatestEvent(deviceIP, &event); err == nil {
			response.Success(c.Ctx, event)
			return
		}
	}

	// 缓存未命中时回落数据库
	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	events, err := store.RecentEvents(1, deviceIP)
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}
	if len(events) == 0 {
		response.Fail(c.Ctx, code.ErrRecordNotFound, nil)
		return
	}

	response.Success(c.Ctx, events[0])
}

// 5. ClearOldEvents 删除历史事件
// @Summary 清理历史事件
// @Tags event
// @Produce json
// @Security BearerAuth
// @Param days query int false "保留天数" default(30)
// @Success 200 {object} response.Response
// @Router /events [delete]
func (c *EventController) ClearOldEvents() {
	days, err := strconv.Atoi(c.Ctx.DefaultQuery("days", "30"))
	if err != nil || days < 0 {
		response.ParamError(c.Ctx, "无效的保留天数")
		return
	}

	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	deleted, err := store.ClearOldEvents(days)
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, gin.H{"deleted": deleted})
}
