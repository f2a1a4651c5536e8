package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"facial-sync-service/config"
	"facial-sync-service/internal/error/code"
	"facial-sync-service/internal/error/response"
	"facial-sync-service/models"
	"facial-sync-service/services"
	"facial-sync-service/services/container"
)

// InterfaceDeviceController 定义设备控制器接口
type InterfaceDeviceController interface {
	GetDevices()
	GetDevice()
	CreateDevice()
	UpdateDevice()
	DeleteDevice()
	PingDevices()
	TestDevice()
	GetDeviceFaceCount()
	GetDeviceInfo()
}

// DeviceController 处理设备登记与监控相关的请求
type DeviceController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewDeviceController 创建一个新的设备控制器
func NewDeviceController(ctx *gin.Context, container *container.ServiceContainer) *DeviceController {
	return &DeviceController{
		Ctx:       ctx,
		Container: container,
	}
}

// DeviceRequest 设备登记请求
type DeviceRequest struct {
	DeviceID string `json:"device_id" binding:"required" example:"entrance-01"`
	Name     string `json:"name" binding:"required" example:"北门入口闸机"`
	IP       string `json:"ip" binding:"required" example:"192.168.1.64"`
	Username string `json:"username" binding:"required" example:"admin"`
	Password string `json:"password" binding:"required"`
	HTTPPort int    `json:"http_port" example:"80"`
	SVRPort  int    `json:"svr_port" example:"8000"`
	Type     string `json:"type" example:"entry"`
	Model    string `json:"model" example:"DS-K1T671M"`
	Active   *bool  `json:"active"`
}

// DeviceUpdateRequest 设备更新请求，所有字段可选
type DeviceUpdateRequest struct {
	Name     *string `json:"name"`
	IP       *string `json:"ip"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	HTTPPort *int    `json:"http_port"`
	SVRPort  *int    `json:"svr_port"`
	Type     *string `json:"type"`
	Model    *string `json:"model"`
	Active   *bool   `json:"active"`
}

// HandleDeviceFunc 返回一个处理设备请求的Gin处理函数
func HandleDeviceFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewDeviceController(ctx, container)

		switch method {
		case "getDevices":
			controller.GetDevices()
		case "getDevice":
			controller.GetDevice()
		case "createDevice":
			controller.CreateDevice()
		case "updateDevice":
			controller.UpdateDevice()
		case "deleteDevice":
			controller.DeleteDevice()
		case "pingDevices":
			controller.PingDevices()
		case "testDevice":
			controller.TestDevice()
		case "getDeviceFaceCount":
			controller.GetDeviceFaceCount()
		case "getDeviceInfo":
			controller.GetDeviceInfo()
		default:
			ctx.JSON(http.StatusBadRequest, gin.H{
				"code":    400,
				"message": "无效的方法",
				"data":    nil,
			})
		}
	}
}

// 1. GetDevices 获取所有在册设备
// @Summary 获取设备列表
// @Tags device
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /devices [get]
func (c *DeviceController) GetDevices() {
	store := c.Container.GetService("store").(services.InterfaceSyncStore)

	devices, err := store.ListDevices()
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, devices)
}

// 2. GetDevice 获取单个设备详情
// @Summary 获取单个设备
// @Tags device
// @Produce json
// @Security BearerAuth
// @Param id path string true "设备编号"
// @Success 200 {object} response.Response
// @Router /devices/{id} [get]
func (c *DeviceController) GetDevice() {
	store := c.Container.GetService("store").(services.InterfaceSyncStore)

	device, err := store.GetDeviceByID(c.Ctx.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			response.Fail(c.Ctx, code.ErrDeviceNotFound, nil)
			return
		}
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, device)
}

// 3. CreateDevice 登记一台新终端
// @Summary 登记设备
// @Tags device
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param device body DeviceRequest true "设备信息"
// @Success 200 {object} response.Response
// @Router /devices [post]
func (c *DeviceController) CreateDevice() {
	var req DeviceRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.ParamError(c.Ctx, "无效的请求参数: "+err.Error())
		return
	}

	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	if _, err := store.GetDeviceByID(req.DeviceID); err == nil {
		response.Fail(c.Ctx, code.ErrDeviceAlreadyExist, nil)
		return
	}

	cfg := config.GetConfig()
	device := &models.Device{
		DeviceID: req.DeviceID,
		Name:     req.Name,
		IP:       req.IP,
		Username: req.Username,
		Password: req.Password,
		HTTPPort: cfg.HikDefaultHTTPPort,
		SVRPort:  cfg.HikDefaultSVRPort,
		Type:     req.Type,
		Model:    req.Model,
		Active:   true,
	}
	if req.HTTPPort > 0 {
		device.HTTPPort = req.HTTPPort
	}
	if req.SVRPort > 0 {
		device.SVRPort = req.SVRPort
	}
	if req.Active != nil {
		device.Active = *req.Active
	}

	if err := store.CreateDevice(device); err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	// 登记后尽力下发事件推送配置，失败不影响登记结果
	if device.Active {
		deviceSync := c.Container.GetService("device_sync").(services.InterfaceDeviceSync)
		if err := deviceSync.ConfigureEventNotification(c.Ctx.Request.Context(), device); err != nil {
			config.Warning("设备 %s 事件推送配置下发失败: %v", device.DeviceID, err)
		}
	}

	response.Success(c.Ctx, device)
}

// 4. UpdateDevice 更新设备登记信息
// @Summary 更新设备
// @Tags device
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "设备编号"
// @Param device body DeviceUpdateRequest true "变更字段"
// @Success 200 {object} response.Response
// @Router /devices/{id} [put]
func (c *DeviceController) UpdateDevice() {
	deviceID := c.Ctx.Param("id")

	var req DeviceUpdateRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.ParamError(c.Ctx, "无效的请求参数: "+err.Error())
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.IP != nil {
		updates["ip"] = *req.IP
	}
	if req.Username != nil {
		updates["username"] = *req.Username
	}
	if req.Password != nil {
		updates["password"] = *req.Password
	}
	if req.HTTPPort != nil {
		updates["http_port"] = *req.HTTPPort
	}
	if req.SVRPort != nil {
		updates["svr_port"] = *req.SVRPort
	}
	if req.Type != nil {
		updates["type"] = *req.Type
	}
	if req.Model != nil {
		updates["model"] = *req.Model
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}
	if len(updates) == 0 {
		response.ParamError(c.Ctx, "没有可更新的字段")
		return
	}

	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	if err := store.UpdateDevice(deviceID, updates); err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			response.Fail(c.Ctx, code.ErrDeviceNotFound, nil)
			return
		}
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	// 凭据或地址变更后旧会话作废
	deviceSync := c.Container.GetService("device_sync").(services.InterfaceDeviceSync)
	deviceSync.InvalidateSession(deviceID)

	response.Success(c.Ctx, gin.H{"device_id": deviceID})
}

// 5. DeleteDevice 注销设备
// @Summary 注销设备
// @Tags device
// @Produce json
// @Security BearerAuth
// @Param id path string true "设备编号"
// @Success 200 {object} response.Response
// @Router /devices/{id} [delete]
func (c *DeviceController) DeleteDevice() {
	deviceID := c.Ctx.Param("id")

	store := c.Container.GetService("store").(services.InterfaceSyncStore)
	if err := store.DeleteDevice(deviceID); err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			response.Fail(c.Ctx, code.ErrDeviceNotFound, nil)
			return
		}
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	deviceSync := c.Container.GetService("device_sync").(services.InterfaceDeviceSync)
	deviceSync.InvalidateSession(deviceID)

	response.Success(c.Ctx, gin.H{"device_id": deviceID})
}

// 6. PingDevices 立即对全部活动设备做连通性检测
// @Summary 设备连通性检测
// @Tags device
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /devices/ping [post]
func (c *DeviceController) PingDevices() {
	deviceSync := c.Container.GetService("device_sync").(services.InterfaceDeviceSync)

	report, err := deviceSync.PingAllDevices(c.Ctx.Request.Context())
	if err != nil {
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	response.Success(c.Ctx, report)
}

// 7. TestDevice 测试单台设备的连接与认证
// @Summary 测试设备连接
// @Tags device
// @Produce json
// @Security BearerAuth
// @Param id path string true "设备编号"
// @Success 200 {object} response.Response
// @Router /devices/{id}/test [post]
func (c *DeviceController) TestDevice() {
	store := c.Container.GetService("store").(services.InterfaceSyncStore)

	device, err := store.GetDeviceByID(c.Ctx.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			response.Fail(c.Ctx, code.ErrDeviceNotFound, nil)
			return
		}
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	deviceSync := c.Container.GetService("device_sync").(services.InterfaceDeviceSync)
	online, message := deviceSync.TestConnection(c.Ctx.Request.Context(), device)

	response.Success(c.Ctx, gin.H{
		"device_id": device.DeviceID,
		"online":    online,
		"message":   message,
	})
}

// 8. GetDeviceFaceCount 查询终端人脸库中的记录数
// @Summary 查询终端人脸数量
// @Tags device
// @Produce json
// @Security BearerAuth
// @Param id path string true "设备编号"
// @Success 200 {object} response.Response
// @Router /devices/{id}/face-count [get]
func (c *DeviceController) GetDeviceFaceCount() {
	store := c.Container.GetService("store").(services.InterfaceSyncStore)

	device, err := store.GetDeviceByID(c.Ctx.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			response.Fail(c.Ctx, code.ErrDeviceNotFound, nil)
			return
		}
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	deviceSync := c.Container.GetService("device_sync").(services.InterfaceDeviceSync)
	count, err := deviceSync.GetFaceCount(c.Ctx.Request.Context(), device)
	if err != nil {
		response.FailWithMessage(c.Ctx, code.ErrDeviceOffline, err.Error(), nil)
		return
	}

	response.Success(c.Ctx, gin.H{
		"device_id":  device.DeviceID,
		"face_count": count,
	})
}

// 9. GetDeviceInfo 读取终端的实时详细信息
// @Summary 查询终端详细信息
// @Tags device
// @Produce json
// @Security BearerAuth
// @Param id path string true "设备编号"
// @Success 200 {object} response.Response
// @Router /devices/{id}/info [get]
func (c *DeviceController) GetDeviceInfo() {
	store := c.Container.GetService("store").(services.InterfaceSyncStore)

	device, err := store.GetDeviceByID(c.Ctx.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			response.Fail(c.Ctx, code.ErrDeviceNotFound, nil)
			return
		}
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	deviceSync := c.Container.GetService("device_sync").(services.InterfaceDeviceSync)
	report, err := deviceSync.GetDeviceInfo(c.Ctx.Request.Context(), device)
	if err != nil {
		response.FailWithMessage(c.Ctx, code.ErrDeviceOffline, err.Error(), nil)
		return
	}

	response.Success(c.Ctx, report)
}
