package models

import (
	"time"
)

// TaskType represents the kind of synchronization a task performs
type TaskType string

const (
	TaskTypeCreate TaskType = "CREATE"
	TaskTypeUpdate TaskType = "UPDATE"
	TaskTypeDelete TaskType = "DELETE"
)

// TaskStatus represents the lifecycle state of a sync task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// SyncTask represents a queued face synchronization task
type SyncTask struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TaskType    TaskType   `gorm:"type:varchar(20);not null;index" json:"task_type"`
	FacialID    *uint      `gorm:"index" json:"facial_id"`                   // DELETE 任务允许为空
	PersonaID   *uint      `json:"persona_id"`                               // 关联人员，允许为空
	TaskData    string     `gorm:"type:text" json:"task_data"`               // 附加负载，JSON编码
	Priority    int        `gorm:"not null;default:1;index" json:"priority"` // 数值越小越紧急
	Status      TaskStatus `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	LastError   string     `gorm:"type:varchar(500)" json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName maps SyncTask to the sync_queue table
func (SyncTask) TableName() string {
	return "sync_queue"
}

// IsTerminal reports whether the task status can no longer change
func (t *SyncTask) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed || t.Status == TaskStatusCancelled
}
