package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"facial-sync-service/config"
	"facial-sync-service/models"
)

// 执行器相关哨兵错误
var (
	ErrMissingFacialID = errors.New("任务缺少人脸ID")
	ErrUnknownTaskType = errors.New("未知的任务类型")
)

// DispatcherStats 调度器运行统计
type DispatcherStats struct {
	TasksProcessed int64      `json:"tasks_processed"`
	TasksCompleted int64      `json:"tasks_completed"`
	TasksFailed    int64      `json:"tasks_failed"`
	TasksRetried   int64      `json:"tasks_retried"`
	TasksSkipped   int64      `json:"tasks_skipped"` // 出队时已取消/已终态，静默跳过
	StartTime      *time.Time `json:"start_time,omitempty"`
}

// InterfaceTaskDispatcher defines the single-consumer dispatcher contract
type InterfaceTaskDispatcher interface {
	Start() error
	Stop()
	IsRunning() bool
	Statistics() DispatcherStats
	PendingRetries() int
	SetResultHook(fn func(*models.SyncResult))
}

// TaskDispatcherService 单消费者循环，串行处理同步任务
type TaskDispatcherService struct {
	Queue    InterfaceTaskQueue
	Store    InterfaceSyncStore
	Executor InterfaceDeviceSync
	Config   *config.Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// 每个延迟重试一个定时器，关停时统一取消
	timersMu sync.Mutex
	timers   map[uint]*time.Timer

	statsMu sync.Mutex
	stats   DispatcherStats

	hookMu     sync.Mutex
	resultHook func(*models.SyncResult)
}

// NewTaskDispatcherService 创建一个新的任务调度器
func NewTaskDispatcherService(queue InterfaceTaskQueue, store InterfaceSyncStore, executor InterfaceDeviceSync, cfg *config.Config) InterfaceTaskDispatcher {
	return &TaskDispatcherService{
		Queue:    queue,
		Store:    store,
		Executor: executor,
		Config:   cfg,
		timers:   make(map[uint]*time.Timer),
	}
}

// 1 Start 启动对账并开启消费循环
func (d *TaskDispatcherService) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		config.Warning("任务调度器已在运行")
		return nil
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()

	// 崩溃遗留的PROCESSING任务重置为PENDING后再装载
	if reset, err := d.Store.ResetStaleProcessing(); err != nil {
		config.Error("对账PROCESSING任务失败: %v", err)
	} else if reset > 0 {
		config.Warning("%d 条遗留PROCESSING任务已重置为PENDING", reset)
	}

	if _, err := d.Queue.LoadPendingTasks(); err != nil {
		config.Error("装载待处理任务失败: %v", err)
	}

	now := time.Now()
	d.statsMu.Lock()
	d.stats.StartTime = &now
	d.statsMu.Unlock()

	go d.consumeLoop()

	config.Info("任务调度器已启动")
	return nil
}

// 2 Stop 停止接收新工作，取消未触发的重试定时器并等待当前任务结束
func (d *TaskDispatcherService) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	d.timersMu.Lock()
	for taskID, timer := range d.timers {
		timer.Stop()
		delete(d.timers, taskID)
	}
	d.timersMu.Unlock()

	select {
	case <-done:
	case <-time.After(d.Config.SyncTimeout + 5*time.Second):
		config.Warning("等待任务调度器退出超时")
	}

	config.Info("任务调度器已停止")
}

// 3 IsRunning 返回调度器是否在运行
func (d *TaskDispatcherService) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// 4 Statistics 返回调度器统计快照
func (d *TaskDispatcherService) Statistics() DispatcherStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// 5 SetResultHook 注册同步结果回调，用于向前端与消息总线广播
func (d *TaskDispatcherService) SetResultHook(fn func(*models.SyncResult)) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.resultHook = fn
}

func (d *TaskDispatcherService) notifyResult(result *models.SyncResult) {
	if result == nil {
		return
	}
	d.hookMu.Lock()
	fn := d.resultHook
	d.hookMu.Unlock()
	if fn != nil {
		fn(result)
	}
}

// 6 PendingRetries 返回尚未触发的重试定时器数量
func (d *TaskDispatcherService) PendingRetries() int {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	return len(d.timers)
}

// consumeLoop 排空队列，空时阻塞等待唤醒信号或停止信号
func (d *TaskDispatcherService) consumeLoop() {
	defer close(d.done)
	config.Info("任务调度循环已启动")

	for {
		select {
		case <-d.stop:
			config.Info("任务调度循环已退出")
			return
		default:
		}

		entry, ok := d.Queue.Dequeue()
		if !ok {
			select {
			case <-d.stop:
				config.Info("任务调度循环已退出")
				return
			case <-d.Queue.Wake():
			}
			continue
		}

		d.processEntry(entry)
	}
}

// processEntry 处理单个队列条目，执行任务状态机
func (d *TaskDispatcherService) processEntry(entry QueueEntry) {
	// 出队后以持久层为准刷新状态：被取消或已终态的陈旧条目静默跳过
	task, err := d.Store.GetTask(entry.TaskID)
	if err != nil {
		config.Error("读取任务 %d 失败: %v", entry.TaskID, err)
		d.bumpSkipped()
		return
	}
	if task.IsTerminal() {
		d.bumpSkipped()
		return
	}

	if err := d.Store.UpdateTaskStatus(task.ID, models.TaskStatusProcessing, ""); err != nil {
		config.Error("标记任务 %d 为PROCESSING失败: %v", task.ID, err)
		return
	}

	config.Info("正在处理任务 %d: %s", task.ID, task.TaskType)

	ctx, cancel := context.WithTimeout(context.Background(), d.Config.SyncTimeout)
	execErr := d.executeTask(ctx, task)
	cancel()

	// 提交终态前再次检查取消：已发出的设备调用允许完成，但结果被丢弃
	fresh, err := d.Store.GetTask(task.ID)
	if err == nil && fresh.Status == models.TaskStatusCancelled {
		config.Info("任务 %d 在执行期间被取消，丢弃执行结果", task.ID)
		d.bumpSkipped()
		return
	}

	d.statsMu.Lock()
	d.stats.TasksProcessed++
	d.statsMu.Unlock()

	if execErr == nil {
		if err := d.Store.UpdateTaskStatus(task.ID, models.TaskStatusCompleted, ""); err != nil {
			config.Error("标记任务 %d 为COMPLETED失败: %v", task.ID, err)
			return
		}
		d.statsMu.Lock()
		d.stats.TasksCompleted++
		d.statsMu.Unlock()
		config.Info("任务 %d 处理完成", task.ID)
		return
	}

	d.handleFailure(entry, task, execErr)
}

// handleFailure 失败时按尝试次数决定延迟重试或终态FAILED
func (d *TaskDispatcherService) handleFailure(entry QueueEntry, task *models.SyncTask, execErr error) {
	attempts := task.Attempts + 1
	errMsg := execErr.Error()

	if err := d.Store.UpdateTaskAttempts(task.ID, attempts); err != nil {
		config.Error("更新任务 %d 尝试次数失败: %v", task.ID, err)
	}

	if attempts >= d.Config.MaxRetryAttempts {
		if err := d.Store.UpdateTaskStatus(task.ID, models.TaskStatusFailed, errMsg); err != nil {
			config.Error("标记任务 %d 为FAILED失败: %v", task.ID, err)
		}
		d.statsMu.Lock()
		d.stats.TasksFailed++
		d.statsMu.Unlock()
		config.Error("任务 %d 在 %d 次尝试后彻底失败: %s", task.ID, attempts, errMsg)
		return
	}

	if err := d.Store.UpdateTaskStatus(task.ID, models.TaskStatusPending, errMsg); err != nil {
		config.Error("重置任务 %d 为PENDING失败: %v", task.ID, err)
		return
	}

	delay := backoffDelay(d.Config.RetryBaseDelay, attempts)
	config.Warning("任务 %d 将在 %s 后重试 (第 %d/%d 次): %s",
		task.ID, delay, attempts, d.Config.MaxRetryAttempts, errMsg)

	d.scheduleRetry(entry, task, attempts, delay)

	d.statsMu.Lock()
	d.stats.TasksRetried++
	d.statsMu.Unlock()
}

// scheduleRetry 为重试注册一个独立定时器，不阻塞消费循环。
// 重试条目携带更新后的任务快照（写时复制，不与旧条目共享）。
func (d *TaskDispatcherService) scheduleRetry(entry QueueEntry, task *models.SyncTask, attempts int, delay time.Duration) {
	snapshot := *task
	snapshot.Attempts = attempts
	snapshot.Status = models.TaskStatusPending

	retryEntry := QueueEntry{
		Priority:   entry.Priority,
		TaskID:     task.ID,
		Task:       snapshot,
		EnqueuedAt: time.Now(),
	}

	d.timersMu.Lock()
	if old, ok := d.timers[task.ID]; ok {
		old.Stop()
	}
	d.timers[task.ID] = time.AfterFunc(delay, func() {
		d.timersMu.Lock()
		delete(d.timers, task.ID)
		d.timersMu.Unlock()

		if !d.IsRunning() {
			return
		}
		d.Queue.Push(retryEntry)
	})
	d.timersMu.Unlock()
}

// executeTask 按任务类型执行设备同步
func (d *TaskDispatcherService) executeTask(ctx context.Context, task *models.SyncTask) error {
	switch task.TaskType {
	case models.TaskTypeCreate, models.TaskTypeUpdate:
		if task.FacialID == nil {
			return ErrMissingFacialID
		}
		facial, err := d.Store.GetFacialData(*task.FacialID)
		if err != nil {
			return err
		}

		result, err := d.Executor.SyncToAllDevices(ctx, task.TaskType, facial, *task.FacialID)
		if err != nil {
			return err
		}
		d.notifyResult(result)
		return resultError(result)

	case models.TaskTypeDelete:
		// 策略：删除未知记录的任务允许入队，但没有人脸ID就无须向设备扇出
		if task.FacialID == nil {
			config.Warning("任务 %d: DELETE 无人脸ID，跳过设备扇出", task.ID)
			return nil
		}

		result, err := d.Executor.SyncToAllDevices(ctx, models.TaskTypeDelete, nil, *task.FacialID)
		if err != nil {
			return err
		}
		d.notifyResult(result)
		return resultError(result)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, task.TaskType)
	}
}

// backoffDelay 指数退避: delay = base * 2^(attempts-1)
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(1<<uint(attempts-1))
}

// resultError 扇出结果中存在失败设备即视为任务失败，整体重试
func resultError(result *models.SyncResult) error {
	if result.Failed == 0 {
		return nil
	}

	for _, detail := range result.Details {
		if !detail.Success {
			return fmt.Errorf("同步失败 %d/%d 台设备，首个错误 [%s]: %s",
				result.Failed, result.TotalDevices, detail.DeviceID, detail.Message)
		}
	}
	return fmt.Errorf("同步失败 %d/%d 台设备", result.Failed, result.TotalDevices)
}

func (d *TaskDispatcherService) bumpSkipped() {
	d.statsMu.Lock()
	d.stats.TasksSkipped++
	d.statsMu.Unlock()
}
