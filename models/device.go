package models

import (
	"time"
)

// Device represents a networked access-control terminal
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DeviceID  string    `gorm:"type:varchar(50);unique;not null" json:"device_id"` // 业务侧设备编号
	Name      string    `gorm:"type:varchar(100);not null" json:"name"`
	IP        string    `gorm:"type:varchar(45);not null" json:"ip"`
	Username  string    `gorm:"type:varchar(50)" json:"username"`
	Password  string    `gorm:"type:varchar(100)" json:"-"`
	HTTPPort  int       `gorm:"default:80" json:"http_port"`
	SVRPort   int       `gorm:"default:8000" json:"svr_port"`
	HTTPSPort int       `gorm:"default:443" json:"https_port"`
	RTSPPort  int       `gorm:"default:554" json:"rtsp_port"`
	Type      string    `gorm:"type:varchar(50)" json:"type"`
	Model     string    `gorm:"type:varchar(100)" json:"model"`
	Active    bool      `gorm:"default:true;index" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Status *DeviceStatus `gorm:"foreignKey:DeviceRef;references:DeviceID" json:"status,omitempty"`
}

// TableName maps Device to the devices table
func (Device) TableName() string {
	return "devices"
}

// DeviceStatus tracks the last known runtime state of a device
type DeviceStatus struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	DeviceRef  string     `gorm:"type:varchar(50);unique;not null" json:"device_id"`
	IsOnline   bool       `gorm:"default:false" json:"is_online"`
	LastPing   *time.Time `json:"last_ping,omitempty"`
	LastSync   *time.Time `json:"last_sync,omitempty"`
	LastError  string     `gorm:"type:varchar(500)" json:"last_error,omitempty"`
	ErrorCount int        `gorm:"default:0" json:"error_count"`
	FaceCount  int        `gorm:"default:0" json:"face_count"` // 最近一次成功读取的已注册人脸数
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName maps DeviceStatus to the device_status table
func (DeviceStatus) TableName() string {
	return "device_status"
}
