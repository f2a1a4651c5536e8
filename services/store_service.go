package services

import (
	"errors"
	"time"

	"facial-sync-service/config"
	"facial-sync-service/models"

	"gorm.io/gorm"
)

// 存储层哨兵错误
var (
	ErrTaskNotFound       = errors.New("任务不存在")
	ErrTaskNotCancellable = errors.New("任务当前状态不可取消")
	ErrTaskNotPending     = errors.New("任务不在待处理状态")
	ErrFacialNotFound     = errors.New("人脸数据不存在")
	ErrDeviceNotFound     = errors.New("设备不存在")
)

// EventSummary 按设备和结果汇总的事件统计
type EventSummary struct {
	PeriodHours int                           `json:"period_hours"`
	TotalEvents int64                         `json:"total_events"`
	ByResult    map[models.AccessResult]int64 `json:"by_result"`
	ByDevice    map[string]DeviceEventCount   `json:"by_device"`
}

// DeviceEventCount 单设备的事件计数
type DeviceEventCount struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Unknown int64 `json:"unknown"`
}

// InterfaceSyncStore defines the persistence operations the sync core consumes
type InterfaceSyncStore interface {
	// 任务
	EnqueueSyncTask(taskType models.TaskType, facialID, personaID *uint, taskData string, priority int) (*models.SyncTask, error)
	UpdateTaskStatus(taskID uint, status models.TaskStatus, lastError string) error
	UpdateTaskAttempts(taskID uint, attempts int) error
	GetTask(taskID uint) (*models.SyncTask, error)
	ListTasks(status models.TaskStatus, limit, offset int) ([]models.SyncTask, int64, error)
	PendingTasks(maxAttempts int) ([]models.SyncTask, error)
	ResetStaleProcessing() (int64, error)
	RetryableFailedTasks(maxAttempts int) ([]models.SyncTask, error)
	ClearFailedTasks() (int64, error)
	ClearCompletedTasks(days int) (int64, error)
	TaskStatistics() (map[models.TaskStatus]int64, error)

	// 人脸
	GetFacialData(facialID uint) (*models.FacialTemplate, error)

	// 设备
	GetActiveDevices() ([]models.Device, error)
	ListDevices() ([]models.Device, error)
	GetDeviceByID(deviceID string) (*models.Device, error)
	CreateDevice(device *models.Device) error
	UpdateDevice(deviceID string, updates map[string]interface{}) error
	DeleteDevice(deviceID string) error
	UpdateDeviceStatus(deviceID string, online bool, lastError string, faceCount *int) error

	// 事件
	LogAccessEvent(event *models.AccessEvent) error
	RecentEvents(limit int, deviceIP string) ([]models.AccessEvent, error)
	EventSummary(hours int) (*EventSummary, error)
	ClearOldEvents(days int) (int64, error)
}

// SyncStoreService 基于GORM的持久化实现
type SyncStoreService struct {
	DB     *gorm.DB
	Config *config.Config
}

// NewSyncStoreService 创建一个新的持久化服务
func NewSyncStoreService(db *gorm.DB, cfg *config.Config) InterfaceSyncStore {
	return &SyncStoreService{
		DB:     db,
		Config: cfg,
	}
}

// 1 EnqueueSyncTask 持久化一条新的同步任务（先落库，后进内存队列）
func (s *SyncStoreService) EnqueueSyncTask(taskType models.TaskType, facialID, personaID *uint, taskData string, priority int) (*models.SyncTask, error) {
	task := &models.SyncTask{
		TaskType:  taskType,
		FacialID:  facialID,
		PersonaID: personaID,
		TaskData:  taskData,
		Priority:  priority,
		Status:    models.TaskStatusPending,
	}

	if err := s.DB.Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

// 2 UpdateTaskStatus 更新任务状态，按目标状态维护时间戳（幂等）
func (s *SyncStoreService) UpdateTaskStatus(taskID uint, status models.TaskStatus, lastError string) error {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastError,
	}

	now := time.Now()
	switch status {
	case models.TaskStatusProcessing:
		updates["processed_at"] = &now
	case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled:
		updates["completed_at"] = &now
	}

	result := s.DB.Model(&models.SyncTask{}).Where("id = ?", taskID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// 3 UpdateTaskAttempts 更新任务的尝试次数
func (s *SyncStoreService) UpdateTaskAttempts(taskID uint, attempts int) error {
	return s.DB.Model(&models.SyncTask{}).Where("id = ?", taskID).
		Update("attempts", attempts).Error
}

// 4 GetTask 根据ID获取任务
func (s *SyncStoreService) GetTask(taskID uint) (*models.SyncTask, error) {
	var task models.SyncTask
	if err := s.DB.First(&task, taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// 5 ListTasks 分页查询任务，可按状态过滤
func (s *SyncStoreService) ListTasks(status models.TaskStatus, limit, offset int) ([]models.SyncTask, int64, error) {
	query := s.DB.Model(&models.SyncTask{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []models.SyncTask
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// 6 PendingTasks 加载可恢复的待处理任务，按(优先级, 创建时间)排序
func (s *SyncStoreService) PendingTasks(maxAttempts int) ([]models.SyncTask, error) {
	var tasks []models.SyncTask
	err := s.DB.Where("status = ? AND attempts < ?", models.TaskStatusPending, maxAttempts).
		Order("priority ASC, created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// 7 ResetStaleProcessing 启动对账：进程崩溃遗留的PROCESSING任务重置为PENDING
func (s *SyncStoreService) ResetStaleProcessing() (int64, error) {
	result := s.DB.Model(&models.SyncTask{}).
		Where("status = ?", models.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.TaskStatusPending,
			"last_error": "进程重启时恢复",
		})
	return result.RowsAffected, result.Error
}

// 8 RetryableFailedTasks 查询未超过重试上限的失败任务
func (s *SyncStoreService) RetryableFailedTasks(maxAttempts int) ([]models.SyncTask, error) {
	var tasks []models.SyncTask
	err := s.DB.Where("status = ? AND attempts < ?", models.TaskStatusFailed, maxAttempts).
		Order("priority ASC, created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// 9 ClearFailedTasks 删除所有失败任务
func (s *SyncStoreService) ClearFailedTasks() (int64, error) {
	result := s.DB.Where("status = ?", models.TaskStatusFailed).Delete(&models.SyncTask{})
	return result.RowsAffected, result.Error
}

// 10 ClearCompletedTasks 删除指定天数之前完成的任务
func (s *SyncStoreService) ClearCompletedTasks(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	result := s.DB.Where("status = ? AND completed_at < ?", models.TaskStatusCompleted, cutoff).
		Delete(&models.SyncTask{})
	return result.RowsAffected, result.Error
}

// 11 TaskStatistics 按状态统计任务数量
func (s *SyncStoreService) TaskStatistics() (map[models.TaskStatus]int64, error) {
	type row struct {
		Status models.TaskStatus
		Count  int64
	}

	var rows []row
	err := s.DB.Model(&models.SyncTask{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := make(map[models.TaskStatus]int64, len(rows))
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}

// 12 GetFacialData 获取人脸模板及关联人员
func (s *SyncStoreService) GetFacialData(facialID uint) (*models.FacialTemplate, error) {
	var facial models.FacialTemplate
	if err := s.DB.Preload("Person").First(&facial, facialID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFacialNotFound
		}
		return nil, err
	}
	return &facial, nil
}

// 13 GetActiveDevices 获取当前启用的设备快照
func (s *SyncStoreService) GetActiveDevices() ([]models.Device, error) {
	var devices []models.Device
	if err := s.DB.Preload("Status").Where("active = ?", true).
		Order("device_id ASC").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// 14 GetDeviceByID 根据设备编号获取设备
func (s *SyncStoreService) GetDeviceByID(deviceID string) (*models.Device, error) {
	var device models.Device
	if err := s.DB.Preload("Status").Where("device_id = ?", deviceID).
		First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &device, nil
}

// 15 UpdateDeviceStatus 更新设备运行状态（upsert语义）
// 成功时错误计数归零，失败时累加
func (s *SyncStoreService) UpdateDeviceStatus(deviceID string, online bool, lastError string, faceCount *int) error {
	now := time.Now()

	var status models.DeviceStatus
	err := s.DB.Where("device_ref = ?", deviceID).First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		status = models.DeviceStatus{
			DeviceRef: deviceID,
			IsOnline:  online,
			LastPing:  &now,
			LastError: lastError,
		}
		if !online {
			status.ErrorCount = 1
		}
		if faceCount != nil {
			status.FaceCount = *faceCount
		}
		return s.DB.Create(&status).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"is_online":  online,
		"last_ping":  &now,
		"last_error": lastError,
	}
	if online {
		updates["error_count"] = 0
		updates["last_sync"] = &now
	} else {
		updates["error_count"] = status.ErrorCount + 1
	}
	if faceCount != nil {
		updates["face_count"] = *faceCount
	}

	return s.DB.Model(&status).Updates(updates).Error
}

// 16 LogAccessEvent 持久化一条访问事件
func (s *SyncStoreService) LogAccessEvent(event *models.AccessEvent) error {
	return s.DB.Create(event).Error
}

// 17 RecentEvents 查询最近的访问事件，可按设备IP过滤
func (s *SyncStoreService) RecentEvents(limit int, deviceIP string) ([]models.AccessEvent, error) {
	query := s.DB.Model(&models.AccessEvent{})
	if deviceIP != "" {
		query = query.Where("device_ip = ?", deviceIP)
	}

	var events []models.AccessEvent
	if err := query.Order("event_time DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// 18 EventSummary 汇总最近N小时的事件
func (s *SyncStoreService) EventSummary(hours int) (*EventSummary, error) {
	type row struct {
		DeviceIP     string
		AccessResult models.AccessResult
		Count        int64
	}

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	var rows []row
	err := s.DB.Model(&models.AccessEvent{}).
		Select("device_ip, access_result, COUNT(*) as count").
		Where("event_time >= ?", cutoff).
		Group("device_ip, access_result").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := &EventSummary{
		PeriodHours: hours,
		ByResult: map[models.AccessResult]int64{
			models.AccessResultSuccess: 0,
			models.AccessResultFailed:  0,
			models.AccessResultUnknown: 0,
		},
		ByDevice: make(map[string]DeviceEventCount),
	}

	for _, r := range rows {
		summary.TotalEvents += r.Count
		summary.ByResult[r.AccessResult] += r.Count

		counts := summary.ByDevice[r.DeviceIP]
		counts.Total += r.Count
		switch r.AccessResult {
		case models.AccessResultSuccess:
			counts.Success += r.Count
		case models.AccessResultFailed:
			counts.Failed += r.Count
		default:
			counts.Unknown += r.Count
		}
		summary.ByDevice[r.DeviceIP] = counts
	}

	return summary, nil
}

// 19 ClearOldEvents 删除指定天数之前接收的事件
func (s *SyncStoreService) ClearOldEvents(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	result := s.DB.Where("received_at < ?", cutoff).Delete(&models.AccessEvent{})
	return result.RowsAffected, result.Error
}

// 20 ListDevices 获取全部在册设备（含停用）
func (s *SyncStoreService) ListDevices() ([]models.Device, error) {
	var devices []models.Device
	if err := s.DB.Preload("Status").Order("device_id ASC").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// 21 CreateDevice 登记一台新设备
func (s *SyncStoreService) CreateDevice(device *models.Device) error {
	return s.DB.Create(device).Error
}

// 22 UpdateDevice 更新设备登记信息
func (s *SyncStoreService) UpdateDevice(deviceID string, updates map[string]interface{}) error {
	result := s.DB.Model(&models.Device{}).Where("device_id = ?", deviceID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// 23 DeleteDevice 注销设备及其运行状态
func (s *SyncStoreService) DeleteDevice(deviceID string) error {
	result := s.DB.Where("device_id = ?", deviceID).Delete(&models.Device{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return s.DB.Where("device_ref = ?", deviceID).Delete(&models.DeviceStatus{}).Error
}
