package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"facial-sync-service/internal/error/code"
	"facial-sync-service/internal/error/response"
	"facial-sync-service/models"
	"facial-sync-service/services"
	"facial-sync-service/services/container"
)

// InterfaceFaceController 定义人脸同步控制器接口
type InterfaceFaceController interface {
	CreateFace()
	UpdateFace()
	DeleteFace()
}

// FaceController 处理人脸同步任务入队请求
type FaceController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewFaceController 创建一个新的人脸同步控制器
func NewFaceController(ctx *gin.Context, container *container.ServiceContainer) *FaceController {
	return &FaceController{
		Ctx:       ctx,
		Container: container,
	}
}

// FaceSyncRequest 人脸同步请求
type FaceSyncRequest struct {
	FacialID  *uint  `json:"facial_id" example:"42"`
	PersonaID *uint  `json:"persona_id" example:"7"`
	Priority  *int   `json:"priority" example:"10"` // 数值越小越紧急
	TaskData  string `json:"task_data,omitempty"`
}

// HandleFaceFunc 返回一个处理人脸同步请求的Gin处理函数
func HandleFaceFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewFaceController(ctx, container)

		switch method {
		case "createFace":
			controller.CreateFace()
		case "updateFace":
			controller.UpdateFace()
		case "deleteFace":
			controller.DeleteFace()
		default:
			ctx.JSON(http.StatusBadRequest, gin.H{
				"code":    400,
				"message": "无效的方法",
				"data":    nil,
			})
		}
	}
}

// 1. CreateFace 将新建人脸下发到所有终端
// @Summary 下发新建人脸
// @Description 为指定人脸模板创建CREATE同步任务，由后台队列下发到全部活动终端
// @Tags face
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body FaceSyncRequest true "同步请求"
// @Success 200 {object} response.Response
// @Router /face/create [post]
func (c *FaceController) CreateFace() {
	c.enqueue(models.TaskTypeCreate, true)
}

// 2. UpdateFace 将人脸变更下发到所有终端
// @Summary 下发人脸变更
// @Tags face
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body FaceSyncRequest true "同步请求"
// @Success 200 {object} response.Response
// @Router /face/update [post]
func (c *FaceController) UpdateFace() {
	c.enqueue(models.TaskTypeUpdate, true)
}

// 3. DeleteFace 从所有终端删除人脸
// @Summary 下发人脸删除
// @Description 为指定人脸创建DELETE同步任务。允许不带facial_id入队，该类任务在执行时跳过设备扇出
// @Tags face
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body FaceSyncRequest true "同步请求"
// @Success 200 {object} response.Response
// @Router /face/delete [post]
func (c *FaceController) DeleteFace() {
	c.enqueue(models.TaskTypeDelete, false)
}

// enqueue 校验请求并创建同步任务。CREATE/UPDATE要求人脸记录存在且启用。
func (c *FaceController) enqueue(taskType models.TaskType, requireFacial bool) {
	var req FaceSyncRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.ParamError(c.Ctx, "无效的请求参数: "+err.Error())
		return
	}

	store := c.Container.GetService("store").(services.InterfaceSyncStore)

	if requireFacial {
		if req.FacialID == nil {
			response.ParamError(c.Ctx, "缺少facial_id")
			return
		}
		facial, err := store.GetFacialData(*req.FacialID)
		if err != nil {
			if errors.Is(err, services.ErrFacialNotFound) {
				response.Fail(c.Ctx, code.ErrFacialNotFound, nil)
				return
			}
			response.Fail(c.Ctx, code.ErrDatabase, nil)
			return
		}
		if !facial.Active {
			response.Fail(c.Ctx, code.ErrFacialInactive, nil)
			return
		}
	}

	priority := 10
	if req.Priority != nil {
		priority = *req.Priority
	}

	queue := c.Container.GetService("task_queue").(services.InterfaceTaskQueue)
	taskID, err := queue.Enqueue(taskType, req.FacialID, req.PersonaID, req.TaskData, priority)
	if err != nil {
		response.Fail(c.Ctx, code.ErrTaskEnqueueFailed, nil)
		return
	}

	response.Success(c.Ctx, gin.H{
		"task_id":   taskID,
		"task_type": taskType,
		"priority":  priority,
	})
}
