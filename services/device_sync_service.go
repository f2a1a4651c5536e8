package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"facial-sync-service/config"
	"facial-sync-service/models"

	"github.com/google/uuid"
)

// DeviceSyncStats 设备同步统计
type DeviceSyncStats struct {
	SyncRuns         int64 `json:"sync_runs"`
	DevicesSucceeded int64 `json:"devices_succeeded"`
	DevicesFailed    int64 `json:"devices_failed"`
	LibraryFallbacks int64 `json:"library_fallbacks"` // 人脸库探测失败回落到默认库ID的次数
	ActiveSessions   int   `json:"active_sessions"`
}

// DevicePingStatus 单设备连通性检测结果
type DevicePingStatus struct {
	DeviceID     string  `json:"device_id"`
	DeviceName   string  `json:"device_name"`
	DeviceIP     string  `json:"device_ip"`
	Online       bool    `json:"online"`
	ResponseTime float64 `json:"response_time_ms"`
	Message      string  `json:"message"`
	FaceCount    int     `json:"face_count"`
}

// PingReport 全设备连通性检测报告
type PingReport struct {
	TotalDevices int                `json:"total_devices"`
	Online       int                `json:"online"`
	Offline      int                `json:"offline"`
	Devices      []DevicePingStatus `json:"devices"`
}

// DeviceInfoReport 设备详细信息快照（基础信息、能力集、人脸库列表）
type DeviceInfoReport struct {
	DeviceID      string                 `json:"device_id"`
	DeviceName    string                 `json:"device_name"`
	DeviceIP      string                 `json:"device_ip"`
	Online        bool                   `json:"online"`
	DeviceInfo    map[string]interface{} `json:"device_info,omitempty"`
	Capabilities  map[string]interface{} `json:"capabilities,omitempty"`
	FaceLibraries []isapiFaceLib         `json:"face_libraries"`
}

// InterfaceDeviceSync defines the device fan-out executor contract
type InterfaceDeviceSync interface {
	SyncToAllDevices(ctx context.Context, action models.TaskType, facial *models.FacialTemplate, facialID uint) (*models.SyncResult, error)
	TestConnection(ctx context.Context, device *models.Device) (bool, string)
	EnsureFaceLibrary(ctx context.Context, device *models.Device) (string, error)
	UploadFace(ctx context.Context, device *models.Device, facial *models.FacialTemplate) error
	DeleteFace(ctx context.Context, device *models.Device, facialID uint) error
	GetFaceCount(ctx context.Context, device *models.Device) (int, error)
	PingAllDevices(ctx context.Context) (*PingReport, error)
	ConfigureEventNotification(ctx context.Context, device *models.Device) error
	GetDeviceInfo(ctx context.Context, device *models.Device) (*DeviceInfoReport, error)
	InvalidateSession(deviceID string)
	CloseSessions()
	Statistics() DeviceSyncStats
}

// DeviceSyncService 将单个逻辑操作扇出到整个设备机群，
// 逐台执行并隔离单台失败，不让不可达设备阻塞其余设备
type DeviceSyncService struct {
	Store  InterfaceSyncStore
	Config *config.Config

	sessions *sessionCache

	// 人脸库ID按设备缓存，探测一次后复用
	libMu  sync.Mutex
	libIDs map[string]string

	syncRuns         int64
	devicesSucceeded int64
	devicesFailed    int64
	libraryFallbacks int64
}

// NewDeviceSyncService 创建一个新的设备同步服务
func NewDeviceSyncService(store InterfaceSyncStore, cfg *config.Config) InterfaceDeviceSync {
	return &DeviceSyncService{
		Store:    store,
		Config:   cfg,
		sessions: newSessionCache(cfg.DeviceTimeout),
		libIDs:   make(map[string]string),
	}
}

// 1 SyncToAllDevices 对调用时刻的活动设备快照逐台执行同步操作。
// 单台设备失败（超时、HTTP错误、畸形响应）只记录聚合，不会中止整轮。
func (s *DeviceSyncService) SyncToAllDevices(ctx context.Context, action models.TaskType, facial *models.FacialTemplate, facialID uint) (*models.SyncResult, error) {
	devices, err := s.Store.GetActiveDevices()
	if err != nil {
		return nil, err
	}

	result := &models.SyncResult{
		RunID:        uuid.NewString(),
		Action:       action,
		TotalDevices: len(devices),
		Details:      make([]models.DeviceSyncDetail, 0, len(devices)),
	}

	atomic.AddInt64(&s.syncRuns, 1)

	if len(devices) == 0 {
		config.Warning("没有活动设备可同步 (run %s)", result.RunID)
		return result, nil
	}

	config.Info("同步人脸 %d: 操作=%s 设备数=%d (run %s)", facialID, action, len(devices), result.RunID)

	for i := range devices {
		device := &devices[i]

		detail := models.DeviceSyncDetail{
			DeviceID:   device.DeviceID,
			DeviceName: device.Name,
			DeviceIP:   device.IP,
			Timestamp:  time.Now(),
		}

		var opErr error
		switch action {
		case models.TaskTypeCreate, models.TaskTypeUpdate:
			// 终端上传即覆盖，更新与创建走同一条路径
			opErr = s.UploadFace(ctx, device, facial)
		case models.TaskTypeDelete:
			opErr = s.DeleteFace(ctx, device, facialID)
		default:
			opErr = fmt.Errorf("%w: %s", ErrUnknownTaskType, action)
		}

		if opErr == nil {
			detail.Success = true
			detail.Message = "同步成功"
			result.Successful++
			atomic.AddInt64(&s.devicesSucceeded, 1)

			if err := s.Store.UpdateDeviceStatus(device.DeviceID, true, "", nil); err != nil {
				config.Error("更新设备 %s 状态失败: %v", device.DeviceID, err)
			}
		} else {
			detail.Success = false
			detail.Message = opErr.Error()
			result.Failed++
			atomic.AddInt64(&s.devicesFailed, 1)

			// 会话可能已失效，作废后下次重建
			s.InvalidateSession(device.DeviceID)

			config.Error("设备 %s 同步失败: %v", device.DeviceID, opErr)
			if err := s.Store.UpdateDeviceStatus(device.DeviceID, false, opErr.Error(), nil); err != nil {
				config.Error("更新设备 %s 状态失败: %v", device.DeviceID, err)
			}
		}

		result.Details = append(result.Details, detail)

		// 设备间限速，避免压垮终端上受限的嵌入式HTTP服务
		if i < len(devices)-1 {
			select {
			case <-ctx.Done():
				config.Warning("同步在第 %d/%d 台设备后被中止 (run %s)", i+1, len(devices), result.RunID)
				// 未触达的设备计为失败，保证 successful+failed==total 且任务整体重试
				for j := i + 1; j < len(devices); j++ {
					result.Failed++
					atomic.AddInt64(&s.devicesFailed, 1)
					result.Details = append(result.Details, models.DeviceSyncDetail{
						DeviceID:   devices[j].DeviceID,
						DeviceName: devices[j].Name,
						DeviceIP:   devices[j].IP,
						Success:    false,
						Message:    "同步被中止，设备未尝试: " + ctx.Err().Error(),
						Timestamp:  time.Now(),
					})
				}
				return result, nil
			case <-time.After(s.Config.DevicePause):
			}
		}
	}

	config.Info("同步完成: 成功 %d/%d (run %s)", result.Successful, result.TotalDevices, result.RunID)
	return result, nil
}

// 2 TestConnection 探测设备连通性，先SVR口后HTTP口
func (s *DeviceSyncService) TestConnection(ctx context.Context, device *models.Device) (bool, string) {
	client := s.sessions.get(device)

	ports := devicePorts(device, s.Config)
	for _, port := range ports {
		url := deviceBaseURL(device, port) + "/ISAPI/System/deviceInfo"

		status, _, err := doRequest(ctx, client, "GET", url, "", nil)
		if err != nil {
			continue
		}
		if status == 200 {
			if err := s.Store.UpdateDeviceStatus(device.DeviceID, true, "", nil); err != nil {
				config.Error("更新设备 %s 状态失败: %v", device.DeviceID, err)
			}
			return true, fmt.Sprintf("端口 %d 连接成功", port)
		}
	}

	msg := fmt.Sprintf("端口 %v 均无法连接", ports)
	if err := s.Store.UpdateDeviceStatus(device.DeviceID, false, msg, nil); err != nil {
		config.Error("更新设备 %s 状态失败: %v", device.DeviceID, err)
	}
	return false, msg
}

// 3 EnsureFaceLibrary 确认设备上存在目标人脸库，缺失时创建。
// 探测和创建都失败时回落到默认库ID "1"，该回落通过计数器与日志可观测。
func (s *DeviceSyncService) EnsureFaceLibrary(ctx context.Context, device *models.Device) (string, error) {
	s.libMu.Lock()
	if fdid, ok := s.libIDs[device.DeviceID]; ok {
		s.libMu.Unlock()
		return fdid, nil
	}
	s.libMu.Unlock()

	client := s.sessions.get(device)
	url := deviceBaseURL(device, devicePorts(device, s.Config)[0]) + "/ISAPI/Intelligent/FDLib?format=json"

	// 先查已有人脸库
	status, body, err := doRequest(ctx, client, "GET", url, "", nil)
	if err == nil && status == 200 {
		var list isapiFaceLibList
		if err := json.Unmarshal(body, &list); err == nil {
			for _, lib := range list.FPLibListInfo.FPLib {
				if lib.FaceLibType == s.Config.HikFaceLibType {
					s.cacheLibID(device.DeviceID, lib.FDID)
					return lib.FDID, nil
				}
			}
		}
	}

	// 不存在则创建
	var create isapiFaceLibInfo
	create.FPLibInfo.FaceLibType = s.Config.HikFaceLibType
	create.FPLibInfo.Name = s.Config.HikFaceLibName
	create.FPLibInfo.LibArmingType = "armingLib"
	payload, _ := json.Marshal(create)

	status, body, err = doRequest(ctx, client, "POST", url, "application/json", bytes.NewReader(payload))
	if err == nil && (status == 200 || status == 201) {
		var created isapiFaceLibInfo
		if err := json.Unmarshal(body, &created); err == nil && created.FPLibInfo.FDID != "" {
			config.Info("设备 %s 人脸库已创建: %s", device.DeviceID, created.FPLibInfo.FDID)
			s.cacheLibID(device.DeviceID, created.FPLibInfo.FDID)
			return created.FPLibInfo.FDID, nil
		}
	}

	// 显式回落策略：使用默认库ID并记录，不静默吞掉
	atomic.AddInt64(&s.libraryFallbacks, 1)
	config.Warning("设备 %s 人脸库探测/创建失败，回落到默认库ID \"1\"", device.DeviceID)
	return "1", nil
}

// 4 UploadFace 上传人脸到设备（多部分表单：JSON元数据 + JPEG图像）
func (s *DeviceSyncService) UploadFace(ctx context.Context, device *models.Device, facial *models.FacialTemplate) error {
	if facial == nil || len(facial.TemplateData) == 0 {
		return ErrFacialNotFound
	}

	fdid, err := s.EnsureFaceLibrary(ctx, device)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("User_%d", facial.ID)
	if facial.Person != nil && facial.Person.FullName() != "" {
		name = facial.Person.FullName()
	}

	meta := map[string]string{
		"faceLibType": s.Config.HikFaceLibType,
		"FDID":        fdid,
		"FPID":        fmt.Sprintf("%d", facial.ID),
		"name":        name,
	}
	metaJSON, _ := json.Marshal(meta)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	jsonHeader := textproto.MIMEHeader{}
	jsonHeader.Set("Content-Disposition", `form-data; name="FaceDataRecord"`)
	jsonHeader.Set("Content-Type", "application/json")
	jsonPart, err := writer.CreatePart(jsonHeader)
	if err != nil {
		return err
	}
	if _, err := jsonPart.Write(metaJSON); err != nil {
		return err
	}

	imgHeader := textproto.MIMEHeader{}
	imgHeader.Set("Content-Disposition", `form-data; name="FaceImage"`)
	imgHeader.Set("Content-Type", "image/jpeg")
	imgPart, err := writer.CreatePart(imgHeader)
	if err != nil {
		return err
	}
	if _, err := imgPart.Write(facial.TemplateData); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	client := s.sessions.get(device)
	url := deviceBaseURL(device, devicePorts(device, s.Config)[0]) + "/ISAPI/Intelligent/FDLib/FaceDataRecord?format=json"

	status, body, err := doRequest(ctx, client, "POST", url, writer.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	if status != 200 && status != 201 {
		var respStatus isapiResponseStatus
		_ = json.Unmarshal(body, &respStatus)
		return fmt.Errorf("上传人脸失败: %s", isapiErrorMessage(status, body, &respStatus))
	}

	config.Info("人脸 %d 已上传到设备 %s", facial.ID, device.DeviceID)
	return nil
}

// 5 DeleteFace 从设备删除人脸。删除本就缺失的人脸按成功处理（幂等），仅记日志。
func (s *DeviceSyncService) DeleteFace(ctx context.Context, device *models.Device, facialID uint) error {
	fdid, err := s.EnsureFaceLibrary(ctx, device)
	if err != nil {
		return err
	}

	client := s.sessions.get(device)
	url := fmt.Sprintf("%s/ISAPI/Intelligent/FDLib/FaceDataRecord/Delete?format=json&FDID=%s&FPID=%d",
		deviceBaseURL(device, devicePorts(device, s.Config)[0]), fdid, facialID)

	status, body, err := doRequest(ctx, client, "PUT", url, "", nil)
	if err != nil {
		return err
	}

	if status == 200 || status == 201 {
		config.Info("人脸 %d 已从设备 %s 删除", facialID, device.DeviceID)
		return nil
	}

	var respStatus isapiResponseStatus
	_ = json.Unmarshal(body, &respStatus)

	// 设备报告人脸不存在：删除目标已不在，视为成功
	if isFaceAbsent(&respStatus) {
		config.Info("人脸 %d 在设备 %s 上不存在，删除视为成功", facialID, device.DeviceID)
		return nil
	}

	return fmt.Errorf("删除人脸失败: %s", isapiErrorMessage(status, body, &respStatus))
}

// 6 GetFaceCount 读取设备上已注册的人脸数量
func (s *DeviceSyncService) GetFaceCount(ctx context.Context, device *models.Device) (int, error) {
	fdid, err := s.EnsureFaceLibrary(ctx, device)
	if err != nil {
		return 0, err
	}

	client := s.sessions.get(device)
	url := fmt.Sprintf("%s/ISAPI/Intelligent/FDLib/FaceDataRecord/Count?format=json&FDID=%s",
		deviceBaseURL(device, devicePorts(device, s.Config)[0]), fdid)

	status, body, err := doRequest(ctx, client, "GET", url, "", nil)
	if err != nil {
		return 0, err
	}
	if status != 200 {
		return 0, fmt.Errorf("读取人脸数量失败: HTTP %d", status)
	}

	var count isapiFaceCount
	if err := json.Unmarshal(body, &count); err != nil {
		return 0, err
	}
	return count.NumOfMatches, nil
}

// 7 PingAllDevices 检测全部活动设备的连通性并刷新状态
func (s *DeviceSyncService) PingAllDevices(ctx context.Context) (*PingReport, error) {
	devices, err := s.Store.GetActiveDevices()
	if err != nil {
		return nil, err
	}

	report := &PingReport{
		TotalDevices: len(devices),
		Devices:      make([]DevicePingStatus, 0, len(devices)),
	}

	config.Info("正在检测 %d 台设备的连通性...", len(devices))

	for i := range devices {
		device := &devices[i]

		start := time.Now()
		online, msg := s.TestConnection(ctx, device)
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0

		status := DevicePingStatus{
			DeviceID:     device.DeviceID,
			DeviceName:   device.Name,
			DeviceIP:     device.IP,
			Online:       online,
			ResponseTime: elapsed,
			Message:      msg,
		}

		if online {
			report.Online++
			if count, err := s.GetFaceCount(ctx, device); err == nil {
				status.FaceCount = count
				if err := s.Store.UpdateDeviceStatus(device.DeviceID, true, "", &count); err != nil {
					config.Error("更新设备 %s 人脸数失败: %v", device.DeviceID, err)
				}
			}
		} else {
			report.Offline++
		}

		report.Devices = append(report.Devices, status)
	}

	config.Info("连通性检测完成: 在线 %d/%d", report.Online, report.TotalDevices)
	return report, nil
}

// 8 ConfigureEventNotification 把本服务的事件监听地址下发到设备，
// 并启用门禁事件触发器，使设备主动推送门禁事件
func (s *DeviceSyncService) ConfigureEventNotification(ctx context.Context, device *models.Device) error {
	if s.Config.EventCallbackHost == "" {
		return fmt.Errorf("未配置 EVENT_CALLBACK_HOST, 无法下发事件推送地址")
	}
	callbackURL := fmt.Sprintf("http://%s:%s/", s.Config.EventCallbackHost, s.Config.EventListenPort)

	client := s.sessions.get(device)
	base := deviceBaseURL(device, devicePorts(device, s.Config)[0])

	var hosts isapiHTTPHostList
	hosts.HTTPHostNotificationList.HTTPHostNotification = []isapiHTTPHost{{
		ID:                       "1",
		URL:                      callbackURL,
		ProtocolType:             "HTTP",
		ParameterFormatType:      "JSON",
		AddressingFormatType:     "ipaddress",
		HTTPAuthenticationMethod: "none",
	}}
	payload, _ := json.Marshal(hosts)

	url := base + "/ISAPI/Event/notification/httpHosts?format=json"
	status, body, err := doRequest(ctx, client, "PUT", url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if status != 200 && status != 201 {
		return fmt.Errorf("下发事件推送地址失败: %s", isapiErrorMessage(status, body, nil))
	}

	var trigger isapiAccessEventTrigger
	trigger.AccessControllerEventTrigger.Enabled = true
	trigger.AccessControllerEventTrigger.EventType = "AccessControllerEvent"
	payload, _ = json.Marshal(trigger)

	url = base + "/ISAPI/Event/triggers/AccessControllerEvent?format=json"
	status, body, err = doRequest(ctx, client, "PUT", url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if status != 200 && status != 201 {
		return fmt.Errorf("启用门禁事件触发器失败: %s", isapiErrorMessage(status, body, nil))
	}

	config.Info("设备 %s 事件推送已配置, 回调地址 %s", device.DeviceID, callbackURL)
	return nil
}

// 9 GetDeviceInfo 读取设备基础信息、能力集和人脸库列表。
// 设备不可达时仍返回报告，Online 为 false。
func (s *DeviceSyncService) GetDeviceInfo(ctx context.Context, device *models.Device) (*DeviceInfoReport, error) {
	report := &DeviceInfoReport{
		DeviceID:      device.DeviceID,
		DeviceName:    device.Name,
		DeviceIP:      device.IP,
		FaceLibraries: []isapiFaceLib{},
	}

	client := s.sessions.get(device)
	base := deviceBaseURL(device, devicePorts(device, s.Config)[0])

	status, body, err := doRequest(ctx, client, "GET", base+"/ISAPI/System/deviceInfo?format=json", "", nil)
	if err != nil || status != 200 {
		return report, nil
	}
	report.Online = true
	if err := json.Unmarshal(body, &report.DeviceInfo); err != nil {
		config.Warning("设备 %s 基础信息解析失败: %v", device.DeviceID, err)
	}

	if status, body, err = doRequest(ctx, client, "GET", base+"/ISAPI/System/capabilities?format=json", "", nil); err == nil && status == 200 {
		if err := json.Unmarshal(body, &report.Capabilities); err != nil {
			config.Warning("设备 %s 能力集解析失败: %v", device.DeviceID, err)
		}
	}

	if status, body, err = doRequest(ctx, client, "GET", base+"/ISAPI/Intelligent/FDLib?format=json", "", nil); err == nil && status == 200 {
		var list isapiFaceLibList
		if err := json.Unmarshal(body, &list); err == nil {
			report.FaceLibraries = list.FPLibListInfo.FPLib
		}
	}

	return report, nil
}

// 10 InvalidateSession 作废某设备的缓存会话
func (s *DeviceSyncService) InvalidateSession(deviceID string) {
	s.sessions.invalidate(deviceID)

	s.libMu.Lock()
	delete(s.libIDs, deviceID)
	s.libMu.Unlock()
}

// 11 CloseSessions 清理全部设备会话
func (s *DeviceSyncService) CloseSessions() {
	s.sessions.closeAll()

	s.libMu.Lock()
	s.libIDs = make(map[string]string)
	s.libMu.Unlock()
}

// 12 Statistics 返回同步统计快照
func (s *DeviceSyncService) Statistics() DeviceSyncStats {
	return DeviceSyncStats{
		SyncRuns:         atomic.LoadInt64(&s.syncRuns),
		DevicesSucceeded: atomic.LoadInt64(&s.devicesSucceeded),
		DevicesFailed:    atomic.LoadInt64(&s.devicesFailed),
		LibraryFallbacks: atomic.LoadInt64(&s.libraryFallbacks),
		ActiveSessions:   s.sessions.size(),
	}
}

func (s *DeviceSyncService) cacheLibID(deviceID, fdid string) {
	s.libMu.Lock()
	s.libIDs[deviceID] = fdid
	s.libMu.Unlock()
}

// isFaceAbsent 判断设备响应是否表示目标人脸不存在
func isFaceAbsent(status *isapiResponseStatus) bool {
	if status == nil {
		return false
	}
	switch status.SubStatusCode {
	case "faceDataNotExist", "FPIDNotExist", "notExist":
		return true
	}
	return false
}
