package models

import (
	"time"
)

// Admin represents an operator account for the management API
type Admin struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"type:varchar(50);unique;not null" json:"username"`
	Password  string    `gorm:"type:varchar(100);not null" json:"-"` // bcrypt哈希
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName maps Admin to the admins table
func (Admin) TableName() string {
	return "admins"
}
