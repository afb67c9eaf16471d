package models

import "time"

// Client is a person registered with the health system. Email is optional
// but must be unique when set, which is why it is a pointer: NULL rows do
// not collide under the unique index.
type Client struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	FirstName   string     `gorm:"size:50;not null" json:"first_name"`
	LastName    string     `gorm:"size:50;not null" json:"last_name"`
	DateOfBirth *time.Time `gorm:"type:date" json:"date_of_birth"`
	Gender      string     `gorm:"size:20" json:"gender"`
	PhoneNumber string     `gorm:"size:20" json:"phone_number"`
	Email       *string    `gorm:"size:120;uniqueIndex" json:"email"`
	Address     string     `gorm:"type:text" json:"address"`
	CreatedAt   time.Time  `json:"created_at"`

	Programs []HealthProgram `gorm:"many2many:client_programs;joinForeignKey:ClientID;joinReferences:ProgramID" json:"programs"`
}

func (Client) TableName() string { return "clients" }

// HealthProgram is a named program clients can enroll in, e.g. "TB" or "Malaria".
type HealthProgram struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	Name        string    `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"created_at"`

	Clients []Client `gorm:"many2many:client_programs;joinForeignKey:ProgramID;joinReferences:ClientID" json:"-"`
}

func (HealthProgram) TableName() string { return "health_programs" }

// Enrollment is the join row between a client and a program. It is wired in
// as the many2many join table so membership rows keep their enrollment date
// and notes when the program set is re-computed.
type Enrollment struct {
	ClientID       uint      `gorm:"primaryKey" json:"client_id"`
	ProgramID      uint      `gorm:"primaryKey" json:"program_id"`
	EnrollmentDate time.Time `json:"enrollment_date"`
	Notes          *string   `gorm:"type:text" json:"notes"`

	Client  Client        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Program HealthProgram `gorm:"foreignKey:ProgramID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Enrollment) TableName() string { return "client_programs" }
