package services

import (
	"container/heap"
	"sync"
	"time"

	"facial-sync-service/config"
	"facial-sync-service/models"
)

// QueueEntry 内存优先级队列中的一项。Task是任务的不可变快照，
// 重试时构造新快照重新入队，绝不复用旧条目。
type QueueEntry struct {
	Priority   int
	TaskID     uint
	Task       models.SyncTask
	EnqueuedAt time.Time
	seq        uint64 // 同优先级同时刻入队的稳定次序
}

// taskHeap 按(优先级升序, 入队时间升序, 序号升序)排序
type taskHeap []QueueEntry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(QueueEntry))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// InterfaceTaskQueue defines the priority task queue contract
type InterfaceTaskQueue interface {
	Enqueue(taskType models.TaskType, facialID, personaID *uint, taskData string, priority int) (uint, error)
	Push(entry QueueEntry)
	Dequeue() (QueueEntry, bool)
	Size() int
	Wake() <-chan struct{}
	LoadPendingTasks() (int, error)
	CancelTask(taskID uint) error
	ForceProcessTask(taskID uint) error
	RetryFailedTasks() (int, error)
	ClearFailedTasks() (int64, error)
	ClearCompletedTasks(days int) (int64, error)
}

// TaskQueueService 管理内存优先级队列与持久化的任务存储
type TaskQueueService struct {
	Store  InterfaceSyncStore
	Config *config.Config

	mu      sync.Mutex
	entries taskHeap
	nextSeq uint64

	// 有容量1的唤醒信号，消费者阻塞等待而不是轮询
	wake chan struct{}
}

// NewTaskQueueService 创建一个新的任务队列服务
func NewTaskQueueService(store InterfaceSyncStore, cfg *config.Config) InterfaceTaskQueue {
	return &TaskQueueService{
		Store:  store,
		Config: cfg,
		wake:   make(chan struct{}, 1),
	}
}

// 1 Enqueue 先持久化任务（可见前先落库），成功后进入内存队列。
// 持久化失败时返回错误，内存队列不变。
func (q *TaskQueueService) Enqueue(taskType models.TaskType, facialID, personaID *uint, taskData string, priority int) (uint, error) {
	task, err := q.Store.EnqueueSyncTask(taskType, facialID, personaID, taskData, priority)
	if err != nil {
		config.Error("任务入队失败: %v", err)
		return 0, err
	}

	q.Push(QueueEntry{
		Priority:   priority,
		TaskID:     task.ID,
		Task:       *task,
		EnqueuedAt: time.Now(),
	})

	config.Info("任务 %d 已入队: %s (优先级 %d)", task.ID, taskType, priority)
	return task.ID, nil
}

// 2 Push 插入一个条目并唤醒消费者（用于重试和启动恢复）
func (q *TaskQueueService) Push(entry QueueEntry) {
	q.mu.Lock()
	entry.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.entries, entry)
	q.mu.Unlock()

	q.signal()
}

// 3 Dequeue 非阻塞地取出排序最前的条目，队列为空时返回false
func (q *TaskQueueService) Dequeue() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries.Len() == 0 {
		return QueueEntry{}, false
	}
	return heap.Pop(&q.entries).(QueueEntry), true
}

// 4 Size 返回内存队列中等待的条目数
func (q *TaskQueueService) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// 5 Wake 返回消费者等待新工作的信号通道
func (q *TaskQueueService) Wake() <-chan struct{} {
	return q.wake
}

// 6 LoadPendingTasks 启动时从持久层恢复PENDING任务，
// 按(优先级, 创建时间)排序，忽略已达重试上限或终态的任务
func (q *TaskQueueService) LoadPendingTasks() (int, error) {
	tasks, err := q.Store.PendingTasks(q.Config.MaxRetryAttempts)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		q.Push(QueueEntry{
			Priority:   task.Priority,
			TaskID:     task.ID,
			Task:       task,
			EnqueuedAt: time.Now(),
		})
	}

	config.Info("已从持久层恢复 %d 条待处理任务", len(tasks))
	return len(tasks), nil
}

// 7 CancelTask 取消一个PENDING/PROCESSING状态的任务。
// 内存堆不支持任意位置删除，残留条目在出队时按CANCELLED静默跳过。
func (q *TaskQueueService) CancelTask(taskID uint) error {
	task, err := q.Store.GetTask(taskID)
	if err != nil {
		return err
	}

	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusProcessing {
		return ErrTaskNotCancellable
	}

	if err := q.Store.UpdateTaskStatus(taskID, models.TaskStatusCancelled, "操作员取消"); err != nil {
		return err
	}

	config.Info("任务 %d 已取消", taskID)
	return nil
}

// 8 ForceProcessTask 以最高优先级（0）重新插入一个PENDING任务
func (q *TaskQueueService) ForceProcessTask(taskID uint) error {
	task, err := q.Store.GetTask(taskID)
	if err != nil {
		return err
	}

	if task.Status != models.TaskStatusPending {
		return ErrTaskNotPending
	}

	q.Push(QueueEntry{
		Priority:   0,
		TaskID:     task.ID,
		Task:       *task,
		EnqueuedAt: time.Now(),
	})

	config.Info("任务 %d 已标记为立即处理", taskID)
	return nil
}

// 9 RetryFailedTasks 将未超过重试上限的失败任务重置为PENDING并重新入队
func (q *TaskQueueService) RetryFailedTasks() (int, error) {
	tasks, err := q.Store.RetryableFailedTasks(q.Config.MaxRetryAttempts)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, task := range tasks {
		if err := q.Store.UpdateTaskStatus(task.ID, models.TaskStatusPending, ""); err != nil {
			config.Error("重置失败任务 %d 出错: %v", task.ID, err)
			continue
		}

		task.Status = models.TaskStatusPending
		q.Push(QueueEntry{
			Priority:   task.Priority,
			TaskID:     task.ID,
			Task:       task,
			EnqueuedAt: time.Now(),
		})
		retried++
	}

	config.Info("%d 条失败任务已重新入队", retried)
	return retried, nil
}

// 10 ClearFailedTasks 清理失败任务
func (q *TaskQueueService) ClearFailedTasks() (int64, error) {
	return q.Store.ClearFailedTasks()
}

// 11 ClearCompletedTasks 清理指定天数前完成的任务
func (q *TaskQueueService) ClearCompletedTasks(days int) (int64, error) {
	return q.Store.ClearCompletedTasks(days)
}

// signal 非阻塞地通知消费者有新工作
func (q *TaskQueueService) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
