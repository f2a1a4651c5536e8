package models

import (
	"time"
)

// AccessResult represents the outcome of an access attempt
type AccessResult string

const (
	AccessResultSuccess AccessResult = "SUCCESS"
	AccessResultFailed  AccessResult = "FAILED"
	AccessResultUnknown AccessResult = "UNKNOWN"
)

// Event type classifications
const (
	EventTypeAccessControl = "ACCESS_CONTROL"
	EventTypeUnrecognized  = "UNRECOGNIZED"
)

// Payload formats detected by the event decoder
const (
	PayloadFormatJSON      = "json"
	PayloadFormatMultipart = "multipart"
	PayloadFormatBinary    = "binary"
)

// AccessEvent represents a normalized access event pushed by a terminal
type AccessEvent struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	DeviceIP      string       `gorm:"type:varchar(45);index" json:"device_ip"`
	EventType     string       `gorm:"type:varchar(50)" json:"event_type"`
	EventCode     string       `gorm:"type:varchar(20)" json:"event_code"` // 例如 "5-75"
	PersonID      string       `gorm:"type:varchar(50)" json:"person_id"`
	EmployeeNo    string       `gorm:"type:varchar(50);index" json:"employee_no"`
	PersonName    string       `gorm:"type:varchar(100)" json:"person_name"`
	VerifyMode    string       `gorm:"type:varchar(30)" json:"verify_mode"`
	AccessResult  AccessResult `gorm:"type:varchar(20);index" json:"access_result"`
	PayloadFormat string       `gorm:"type:varchar(20)" json:"payload_format"`
	EventTime     time.Time    `gorm:"index" json:"event_time"`
	RawData       string       `gorm:"type:mediumtext" json:"raw_data,omitempty"` // 原始负载，留作审计
	ReceivedAt    time.Time    `gorm:"autoCreateTime" json:"received_at"`
}

// TableName maps AccessEvent to the access_events table
func (AccessEvent) TableName() string {
	return "access_events"
}
