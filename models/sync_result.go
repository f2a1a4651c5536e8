package models

import (
	"time"
)

// DeviceSyncDetail records the outcome of one device within a fan-out run
type DeviceSyncDetail struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	DeviceIP   string    `json:"device_ip"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// SyncResult aggregates the per-device outcomes of one fan-out run.
// It is built fresh per run and never persisted as a single record.
type SyncResult struct {
	RunID        string             `json:"run_id"`
	Action       TaskType           `json:"action"`
	TotalDevices int                `json:"total_devices"`
	Successful   int                `json:"successful"`
	Failed       int                `json:"failed"`
	Details      []DeviceSyncDetail `json:"details"`
}

// AllFailed reports whether every contacted device failed.
// A run over zero devices is not a failure.
func (r *SyncResult) AllFailed() bool {
	return r.TotalDevices > 0 && r.Failed == r.TotalDevices
}
