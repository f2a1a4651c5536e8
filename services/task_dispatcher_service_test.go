package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"facial-sync-service/models"
)

// fakeExecutor 可编排失败次数的设备同步执行器
type fakeExecutor struct {
	mu           sync.Mutex
	calls        int
	failuresLeft int
}

func (f *fakeExecutor) SyncToAllDevices(ctx context.Context, action models.TaskType, facial *models.FacialTemplate, facialID uint) (*models.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	result := &models.SyncResult{
		RunID:        "test-run",
		Action:       action,
		TotalDevices: 2,
		Successful:   2,
	}
	if f.failuresLeft > 0 {
		f.failuresLeft--
		result.Successful = 1
		result.Failed = 1
		result.Details = []models.DeviceSyncDetail{
			{DeviceID: "dev-1", Success: true, Message: "ok", Timestamp: time.Now()},
			{DeviceID: "dev-2", Success: false, Message: "connection refused", Timestamp: time.Now()},
		}
	}
	return result, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExecutor) TestConnection(ctx context.Context, device *models.Device) (bool, string) {
	return true, "ok"
}

func (f *fakeExecutor) EnsureFaceLibrary(ctx context.Context, device *models.Device) (string, error) {
	return "1", nil
}

func (f *fakeExecutor) UploadFace(ctx context.Context, device *models.Device, facial *models.FacialTemplate) error {
	return nil
}

func (f *fakeExecutor) DeleteFace(ctx context.Context, device *models.Device, facialID uint) error {
	return nil
}

func (f *fakeExecutor) GetFaceCount(ctx context.Context, device *models.Device) (int, error) {
	return 0, nil
}

func (f *fakeExecutor) PingAllDevices(ctx context.Context) (*PingReport, error) {
	return &PingReport{}, nil
}

func (f *fakeExecutor) ConfigureEventNotification(ctx context.Context, device *models.Device) error {
	return nil
}

func (f *fakeExecutor) GetDeviceInfo(ctx context.Context, device *models.Device) (*DeviceInfoReport, error) {
	return &DeviceInfoReport{DeviceID: device.DeviceID, Online: true}, nil
}

func (f *fakeExecutor) InvalidateSession(deviceID string) {}

func (f *fakeExecutor) CloseSessions() {}

func (f *fakeExecutor) Statistics() DeviceSyncStats {
	return DeviceSyncStats{}
}

func newTestDispatcher(t *testing.T, executor *fakeExecutor) (*TaskDispatcherService, InterfaceTaskQueue, InterfaceSyncStore) {
	t.Helper()
	store, db := newTestStore(t)
	db.Create(&models.FacialTemplate{ID: 1, TemplateData: []byte("jpeg-bytes"), Active: true})

	queue := NewTaskQueueService(store, newTestConfig())
	dispatcher := NewTaskDispatcherService(queue, store, executor, newTestConfig()).(*TaskDispatcherService)
	return dispatcher, queue, store
}

func waitForStatus(t *testing.T, store InterfaceSyncStore, taskID uint, want models.TaskStatus) *models.SyncTask {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(taskID)
	t.Fatalf("任务 %d 未达到状态 %s, 当前 %+v", taskID, want, task)
	return nil
}

func TestDispatcherCompletesTaskAndNotifiesHook(t *testing.T) {
	executor := &fakeExecutor{}
	dispatcher, queue, store := newTestDispatcher(t, executor)

	var hookMu sync.Mutex
	var got *models.SyncResult
	dispatcher.SetResultHook(func(r *models.SyncResult) {
		hookMu.Lock()
		got = r
		hookMu.Unlock()
	})

	taskID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 5)
	entry, _ := queue.Dequeue()
	dispatcher.processEntry(entry)

	task, _ := store.GetTask(taskID)
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("任务应完成, 实际 %s", task.Status)
	}

	stats := dispatcher.Statistics()
	if stats.TasksProcessed != 1 || stats.TasksCompleted != 1 {
		t.Fatalf("统计不符: %+v", stats)
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if got == nil || got.Action != models.TaskTypeCreate || got.Successful != 2 {
		t.Fatalf("结果回调未收到正确的同步结果: %+v", got)
	}
}

func TestDispatcherRetriesWithBackoffThenFails(t *testing.T) {
	executor := &fakeExecutor{failuresLeft: 10}
	dispatcher, queue, store := newTestDispatcher(t, executor)
	cfg := newTestConfig()

	taskID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 5)
	queue.Dequeue()

	// 前两次失败进入延迟重试，第三次达到上限转为FAILED
	for attempt := 1; attempt < cfg.MaxRetryAttempts; attempt++ {
		dispatcher.processEntry(QueueEntry{TaskID: taskID, Priority: 5})

		task, _ := store.GetTask(taskID)
		if task.Status != models.TaskStatusPending {
			t.Fatalf("第 %d 次失败后状态应为PENDING, 实际 %s", attempt, task.Status)
		}
		if task.Attempts != attempt {
			t.Fatalf("第 %d 次失败后尝试次数应为 %d, 实际 %d", attempt, attempt, task.Attempts)
		}
		if dispatcher.PendingRetries() != 1 {
			t.Fatalf("应有1个待触发的重试定时器, 实际 %d", dispatcher.PendingRetries())
		}
	}

	dispatcher.processEntry(QueueEntry{TaskID: taskID})

	task, _ := store.GetTask(taskID)
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("达到重试上限后状态应为FAILED, 实际 %s", task.Status)
	}
	if task.Attempts != cfg.MaxRetryAttempts {
		t.Fatalf("最终尝试次数应为 %d, 实际 %d", cfg.MaxRetryAttempts, task.Attempts)
	}

	stats := dispatcher.Statistics()
	if stats.TasksRetried != int64(cfg.MaxRetryAttempts-1) || stats.TasksFailed != 1 {
		t.Fatalf("统计不符: %+v", stats)
	}

	// 终态FAILED不再重新入队
	time.Sleep(cfg.RetryBaseDelay * 8)
	if queue.Size() != 0 || dispatcher.PendingRetries() != 0 {
		t.Fatalf("彻底失败的任务不应再入队: size=%d retries=%d", queue.Size(), dispatcher.PendingRetries())
	}
}

func TestBackoffDelayDoublesPerAttempt(t *testing.T) {
	base := 20 * time.Millisecond
	for attempts := 1; attempts < 6; attempts++ {
		got := backoffDelay(base, attempts)
		want := base * time.Duration(1<<uint(attempts-1))
		if got != want {
			t.Fatalf("第 %d 次尝试的退避应为 %s, 实际 %s", attempts, want, got)
		}
		if attempts > 1 && got != 2*backoffDelay(base, attempts-1) {
			t.Fatalf("退避应逐次翻倍: attempts=%d", attempts)
		}
	}
}

func TestDispatcherSkipsCancelledTask(t *testing.T) {
	executor := &fakeExecutor{}
	dispatcher, queue, store := newTestDispatcher(t, executor)

	taskID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 5)
	entry, _ := queue.Dequeue()
	store.UpdateTaskStatus(taskID, models.TaskStatusCancelled, "操作员取消")

	dispatcher.processEntry(entry)

	if executor.callCount() != 0 {
		t.Fatal("已取消的任务不应触达设备")
	}
	if dispatcher.Statistics().TasksSkipped != 1 {
		t.Fatalf("统计不符: %+v", dispatcher.Statistics())
	}
}

func TestDispatcherDeleteWithoutFacialIDCompletes(t *testing.T) {
	executor := &fakeExecutor{}
	dispatcher, queue, store := newTestDispatcher(t, executor)

	taskID, _ := queue.Enqueue(models.TaskTypeDelete, nil, nil, "", 5)
	entry, _ := queue.Dequeue()
	dispatcher.processEntry(entry)

	task, _ := store.GetTask(taskID)
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("无人脸ID的删除任务应直接完成, 实际 %s", task.Status)
	}
	if executor.callCount() != 0 {
		t.Fatal("无人脸ID的删除任务不应扇出设备")
	}
}

func TestDispatcherStartRecoversStaleProcessing(t *testing.T) {
	executor := &fakeExecutor{}
	dispatcher, _, store := newTestDispatcher(t, executor)

	// 模拟崩溃遗留：任务停留在PROCESSING
	task, _ := store.EnqueueSyncTask(models.TaskTypeCreate, uintPtr(1), nil, "", 5)
	store.UpdateTaskStatus(task.ID, models.TaskStatusProcessing, "")

	if err := dispatcher.Start(); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer dispatcher.Stop()

	waitForStatus(t, store, task.ID, models.TaskStatusCompleted)
}

func TestDispatcherRetryEndToEnd(t *testing.T) {
	executor := &fakeExecutor{failuresLeft: 1}
	dispatcher, queue, store := newTestDispatcher(t, executor)

	if err := dispatcher.Start(); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer dispatcher.Stop()

	taskID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 5)

	task := waitForStatus(t, store, taskID, models.TaskStatusCompleted)
	if task.Attempts != 1 {
		t.Fatalf("应经历1次失败后成功, 尝试次数 %d", task.Attempts)
	}
	if executor.callCount() != 2 {
		t.Fatalf("执行器应被调用2次, 实际 %d", executor.callCount())
	}
}
