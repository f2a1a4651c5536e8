package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"facial-sync-service/config"
	"facial-sync-service/internal/error/code"
	"facial-sync-service/internal/error/response"
	"facial-sync-service/models"
	"facial-sync-service/services"
	"facial-sync-service/services/container"
)

// InterfaceTaskController 定义任务控制器接口
type InterfaceTaskController interface {
	GetTasks()
	GetTask()
	CancelTask()
	ForceProcessTask()
	RetryFailedTasks()
	ClearFailedTasks()
	ClearCompletedTasks()
	GetQueueStatus()
	GetSyncRunResult()
}

// TaskController 处理同步任务队列的查询与维护请求
type TaskController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewTaskController 创建一个新的任务控制器
func NewTaskController(ctx *gin.Context, container *container.ServiceContainer) *TaskController {
	return &TaskController{
		Ctx:       ctx,
		Container: container,
	}
}

// HandleTaskFunc 返回一个处理任务请求的Gin处理函数
func HandleTaskFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewTaskController(ctx, container)

		switch method {
		case "getTasks":
			controller.GetTasks()
		case "getTask":
			controller.GetTask()
		case "cancelTask":
			controller.CancelTask()
		case "forceProcessTask":
			controller.ForceProcessTask()
		case "retryFailedTasks":
			controller.RetryFailedTasks()
		case "clearFailedTasks":
			controller.ClearFailedTasks()
		case "clearCompletedTasks":
			controller.ClearCompletedTasks()
		case "getQueueStatus":
			controller.GetQueueStatus()
		case "getSyncRunResult":
			controller.GetSyncRunResult()
		default:
			ctx.JSON(http.StatusBadRequest, gin.H{
				"code":    400,
				"message": "无效的方法",
				"data":    nil,
			})
		}
	}
}

// 1. GetTasks 分页查询任务
// @Summary 查询任务列表
// @Description 分页查询同步任务，可按状态过滤
// @Tags task
// @Produce json
// @Security BearerAuth
// @Param status query string false "任务状态" Enums(PENDING, PROCESSING, COMPLETED, FAILED, CANCELLED)
// @Param limit query int false "每页数量" default(50)
// @Param offset query int false "偏移量" default(0)
// @Success 200 {object} response.Response
// @Router /tasks [get]
func (c *TaskController) GetTasks() {
	status := models.TaskStatus(c.Ctx.Query("status"))
	limit, _ := strconv.Atoi(c.Ctx.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.Ctx.DefaultQuery("offset", "0"))

	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	tasks, total, err := store.ListTasks(status, limit, offset)
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, gin.H{
		"total": total,
		"tasks": tasks,
	})
}

// 2. GetTask 查询单个任务详情
// @Summary 查询单个任务
// @Tags task
// @Produce json
// @Security BearerAuth
// @Param id path int true "任务ID"
// @Success 200 {object} response.Response
// @Router /tasks/{id} [get]
func (c *TaskController) GetTask() {
	taskID, ok := c.pathTaskID()
	if !ok {
		return
	}

	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	task, err := store.GetTask(taskID)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			response.Fail(c.Ctx, code.ErrTaskNotFound, nil)
			return
		}
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, task)
}

// 3. CancelTask 取消一个尚未终态的任务
// @Summary 取消任务
// @Description 仅PENDING与PROCESSING状态的任务可取消。执行中的任务允许完成当前设备调用，但结果被丢弃
// @Tags task
// @Produce json
// @Security BearerAuth
// @Param id path int true "任务ID"
// @Success 200 {object} response.Response
// @Router /tasks/{id}/cancel [post]
func (c *TaskController) CancelTask() {
	taskID, ok := c.pathTaskID()
	if !ok {
		return
	}

	queue := c.Container.GetService("task_queue").(services.InterfaceTaskQueue)
	if err := queue.CancelTask(taskID); err != nil {
		switch {
		case errors.Is(err, services.ErrTaskNotFound):
			response.Fail(c.Ctx, code.ErrTaskNotFound, nil)
		case errors.Is(err, services.ErrTaskNotCancellable):
			response.Fail(c.Ctx, code.ErrTaskNotCancellable, nil)
		default:
			response.Fail(c.Ctx, code.ErrDatabase, nil)
		}
		return
	}

	response.Success(c.Ctx, gin.H{"task_id": taskID, "status": models.TaskStatusCancelled})
}

// 4. ForceProcessTask 将任务提升到队首立即处理
// @Summary 强制处理任务
// @Tags task
// @Produce json
// @Security BearerAuth
// @Param id path int true "任务ID"
// @Success 200 {object} response.Response
// @Router /tasks/{id}/force [post]
func (c *TaskController) ForceProcessTask() {
	taskID, ok := c.pathTaskID()
	if !ok {
		return
	}

	queue := c.Container.GetService("task_queue").(services.InterfaceTaskQueue)
	if err := queue.ForceProcessTask(taskID); err != nil {
		switch {
		case errors.Is(err, services.ErrTaskNotFound):
			response.Fail(c.Ctx, code.ErrTaskNotFound, nil)
		case errors.Is(err, services.ErrTaskNotPending):
			response.FailWithMessage(c.Ctx, code.ErrValidation, err.Error(), nil)
		default:
			response.Fail(c.Ctx, code.ErrDatabase, nil)
		}
		return
	}

	response.Success(c.Ctx, gin.H{"task_id": taskID})
}

// 5. RetryFailedTasks 将未超过重试上限的失败任务重新入队
// @Summary 重试失败任务
// @Tags task
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /tasks/retry-failed [post]
func (c *TaskController) RetryFailedTasks() {
	queue := c.Container.GetService("task_queue").(services.InterfaceTaskQueue)
	count, err := queue.RetryFailedTasks()
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, gin.H{"requeued": count})
}

// 6. ClearFailedTasks 删除所有失败任务
// @Summary 清理失败任务
// @Tags task
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /tasks/failed [delete]
func (c *TaskController) ClearFailedTasks() {
	queue := c.Container.GetService("task_queue").(services.InterfaceTaskQueue)
	deleted, err := queue.ClearFailedTasks()
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, gin.H{"deleted": deleted})
}

// 7. ClearCompletedTasks 删除历史完成任务
// @Summary 清理完成任务
// @Tags task
// @Produce json
// @Security BearerAuth
// @Param days query int false "保留天数" default(7)
// @Success 200 {object} response.Response
// @Router /tasks/completed [delete]
func (c *TaskController) ClearCompletedTasks() {
	days, err := strconv.Atoi(c.Ctx.DefaultQuery("days", "7"))
	if err != nil || days < 0 {
		response.ParamError(c.Ctx, "无效的保留天数")
		return
	}

	queue := c.Container.GetService("task_queue").(services.InterfaceTaskQueue)
	deleted, err := queue.ClearCompletedTasks(days)
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, gin.H{"deleted": deleted})
}

// 8. GetQueueStatus 查询队列与调度器状态
// @Summary 查询队列状态
// @Tags task
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /tasks/status [get]
func (c *TaskController) GetQueueStatus() {
	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	queue := c.Container.GetService("task_queue").(services.InterfaceTaskQueue)
	dispatcher := c.Container.GetService("dispatcher").(services.InterfaceTaskDispatcher)
	redisService, _ := c.Container.GetService("redis").(*services.RedisService)

	byStatus := map[string]int64{}
	statistics, err := store.TaskStatistics()
	if err != nil {
		// 数据库不可用时回落到缓存的最近一次统计
		if redisService == nil {
			response.Fail(c.Ctx, code.ErrDatabase, nil)
			return
		}
		if err := redisService.GetTaskStatistics(&byStatus); err != nil {
			response.Fail(c.Ctx, code.ErrDatabase, nil)
			return
		}
	} else {
		for status, count := range statistics {
			byStatus[string(status)] = count
		}
		if redisService != nil {
			if err := redisService.CacheTaskStatistics(byStatus, 30*time.Second); err != nil {
				config.Warning("缓存队列统计失败: %v", err)
			}
		}
	}

	response.Success(c.Ctx, gin.H{
		"queue_size":      queue.Size(),
		"by_status":       byStatus,
		"dispatcher":      dispatcher.Statistics(),
		"pending_retries": dispatcher.PendingRetries(),
		"running":         dispatcher.IsRunning(),
	})
}

// 9. GetSyncRunResult 按运行ID查询一次同步的逐设备结果
// @Summary 查询同步运行结果
// @Tags task
// @Produce json
// @Security BearerAuth
// @Param run_id path string true "运行ID"
// @Success 200 {object} response.Response
// @Router /tasks/result/{run_id} [get]
func (c *TaskController) GetSyncRunResult() {
	runID := c.Ctx.Param("run_id")
	if runID == "" {
		response.ParamError(c.Ctx, "缺少 run_id 参数")
		return
	}

	redisService, _ := c.Container.GetService("redis").(*services.RedisService)
	if redisService == nil {
		response.FailWithMessage(c.Ctx, code.ErrRecordNotFound, "结果缓存不可用", nil)
		return
	}

	var result models.SyncResult
	if err := redisService.GetSyncResult(runID, &result); err != nil {
		response.Fail(c.Ctx, code.ErrRecordNotFound, nil)
		return
	}

	response.Success(c.Ctx, result)
}

// pathTaskID 解析路径中的任务ID
func (c *TaskController) pathTaskID() (uint, bool) {
	id, err := strconv.Atoi(c.Ctx.Param("id"))
	if err != nil || id <= 0 {
		response.ParamError(c.Ctx, "无效的任务ID")
		return 0, false
	}
	return uint(id), true
}
