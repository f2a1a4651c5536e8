package models

import (
	"time"
)

// FacialTemplate represents an enrolled face template stored centrally
type FacialTemplate struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TemplateData []byte    `gorm:"type:mediumblob" json:"-"` // JPEG人脸图像
	Active       bool      `gorm:"default:true" json:"active"`
	PersonID     *uint     `gorm:"index" json:"person_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Relations
	Person *Person `gorm:"foreignKey:PersonID" json:"person,omitempty"`
}

// TableName maps FacialTemplate to the facial_templates table
func (FacialTemplate) TableName() string {
	return "facial_templates"
}

// Person represents a person a face template belongs to
type Person struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	FirstName  string    `gorm:"type:varchar(50)" json:"first_name"`
	LastName   string    `gorm:"type:varchar(50)" json:"last_name"`
	EmployeeNo string    `gorm:"type:varchar(50);index" json:"employee_no"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName maps Person to the persons table
func (Person) TableName() string {
	return "persons"
}

// FullName returns the display name used when enrolling a face on a device
func (p *Person) FullName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.LastName
	}
}
