package services

import (
	"errors"
	"testing"
	"time"

	"facial-sync-service/models"
)

type failingEnqueueStore struct {
	InterfaceSyncStore
}

func (f *failingEnqueueStore) EnqueueSyncTask(taskType models.TaskType, facialID, personaID *uint, taskData string, priority int) (*models.SyncTask, error) {
	return nil, errors.New("数据库不可用")
}

func newTestQueue(t *testing.T) (InterfaceTaskQueue, InterfaceSyncStore) {
	t.Helper()
	store, _ := newTestStore(t)
	return NewTaskQueueService(store, newTestConfig()), store
}

func TestQueueDequeueByPriority(t *testing.T) {
	queue, _ := newTestQueue(t)

	if _, err := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 20); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	urgentID, err := queue.Enqueue(models.TaskTypeDelete, uintPtr(2), nil, "", 1)
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	if _, err := queue.Enqueue(models.TaskTypeUpdate, uintPtr(3), nil, "", 10); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	entry, ok := queue.Dequeue()
	if !ok {
		t.Fatal("队列不应为空")
	}
	if entry.TaskID != urgentID {
		t.Fatalf("应先出队优先级最高的任务 %d, 实际 %d", urgentID, entry.TaskID)
	}

	second, _ := queue.Dequeue()
	third, _ := queue.Dequeue()
	if second.Priority != 10 || third.Priority != 20 {
		t.Fatalf("出队顺序错误: %d, %d", second.Priority, third.Priority)
	}

	if _, ok := queue.Dequeue(); ok {
		t.Fatal("队列应已排空")
	}
}

func TestQueueFIFOWithinSamePriority(t *testing.T) {
	queue, _ := newTestQueue(t)

	firstID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 5)
	secondID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(2), nil, "", 5)
	thirdID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(3), nil, "", 5)

	order := []uint{}
	for i := 0; i < 3; i++ {
		entry, ok := queue.Dequeue()
		if !ok {
			t.Fatal("队列提前排空")
		}
		order = append(order, entry.TaskID)
	}

	if order[0] != firstID || order[1] != secondID || order[2] != thirdID {
		t.Fatalf("同优先级应保持入队顺序: %v", order)
	}
}

func TestQueueEnqueuePersistFailureLeavesQueueUnchanged(t *testing.T) {
	store, _ := newTestStore(t)
	queue := NewTaskQueueService(&failingEnqueueStore{store}, newTestConfig())

	if _, err := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 1); err == nil {
		t.Fatal("持久化失败时应返回错误")
	}
	if queue.Size() != 0 {
		t.Fatalf("持久化失败后内存队列应为空, 实际 %d", queue.Size())
	}
}

func TestQueueWakeSignalOnPush(t *testing.T) {
	queue, _ := newTestQueue(t)

	if _, err := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 1); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	select {
	case <-queue.Wake():
	case <-time.After(time.Second):
		t.Fatal("入队后未收到唤醒信号")
	}
}

func TestQueueLoadPendingTasks(t *testing.T) {
	store, db := newTestStore(t)
	queue := NewTaskQueueService(store, newTestConfig())

	store.EnqueueSyncTask(models.TaskTypeCreate, uintPtr(1), nil, "", 5)
	store.EnqueueSyncTask(models.TaskTypeUpdate, uintPtr(2), nil, "", 1)

	// 终态与超限任务不参与恢复
	done, _ := store.EnqueueSyncTask(models.TaskTypeCreate, uintPtr(3), nil, "", 1)
	store.UpdateTaskStatus(done.ID, models.TaskStatusCompleted, "")
	exhausted, _ := store.EnqueueSyncTask(models.TaskTypeCreate, uintPtr(4), nil, "", 1)
	db.Model(&models.SyncTask{}).Where("id = ?", exhausted.ID).Update("attempts", 3)

	loaded, err := queue.LoadPendingTasks()
	if err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if loaded != 2 || queue.Size() != 2 {
		t.Fatalf("应恢复2条任务, 实际 loaded=%d size=%d", loaded, queue.Size())
	}

	entry, _ := queue.Dequeue()
	if entry.Priority != 1 {
		t.Fatalf("恢复后仍应按优先级出队: %d", entry.Priority)
	}
}

func TestQueueCancelTask(t *testing.T) {
	queue, store := newTestQueue(t)

	taskID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 1)

	if err := queue.CancelTask(taskID); err != nil {
		t.Fatalf("取消失败: %v", err)
	}

	task, _ := store.GetTask(taskID)
	if task.Status != models.TaskStatusCancelled {
		t.Fatalf("取消后状态应为CANCELLED, 实际 %s", task.Status)
	}

	// 终态任务不可再取消
	if err := queue.CancelTask(taskID); !errors.Is(err, ErrTaskNotCancellable) {
		t.Fatalf("期望 ErrTaskNotCancellable, 实际 %v", err)
	}
}

func TestQueueForceProcessTask(t *testing.T) {
	queue, _ := newTestQueue(t)

	queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 5)
	target, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(2), nil, "", 50)

	if err := queue.ForceProcessTask(target); err != nil {
		t.Fatalf("强制处理失败: %v", err)
	}

	entry, _ := queue.Dequeue()
	if entry.TaskID != target || entry.Priority != 0 {
		t.Fatalf("强制处理的任务应以优先级0排在队首: %+v", entry)
	}
}

func TestQueueRetryFailedTasks(t *testing.T) {
	queue, store := newTestQueue(t)

	taskID, _ := queue.Enqueue(models.TaskTypeCreate, uintPtr(1), nil, "", 1)
	queue.Dequeue()
	store.UpdateTaskStatus(taskID, models.TaskStatusFailed, "device unreachable")

	retried, err := queue.RetryFailedTasks()
	if err != nil {
		t.Fatalf("重试失败任务出错: %v", err)
	}
	if retried != 1 {
		t.Fatalf("期望重新入队1条, 实际 %d", retried)
	}

	task, _ := store.GetTask(taskID)
	if task.Status != models.TaskStatusPending {
		t.Fatalf("重试后状态应为PENDING, 实际 %s", task.Status)
	}
	if queue.Size() != 1 {
		t.Fatalf("重试任务应回到内存队列, size=%d", queue.Size())
	}
}
