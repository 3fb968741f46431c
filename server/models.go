package main

import (
	"time"

	"gorm.io/gorm"
)

// AgentRecord is one enrolled agent. Only a hash of the current secret is kept.
type AgentRecord struct {
	ID              uint   `gorm:"primaryKey"`
	Identity        string `gorm:"uniqueIndex"`
	Hostname        string `gorm:"index"`
	OS              string
	Arch            string
	AgentVersion    string
	SecretHash      string
	SecretExpiresAt *time.Time
	Refreshes       int
	LastSeen        time.Time
	LastTelemetryAt *time.Time
	Snapshot        string `gorm:"type:text"`
	Telemetry       string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnrollmentToken stores hashed, single-use enrollment tokens.
type EnrollmentToken struct {
	ID         uint `gorm:"primaryKey"`
	Label      string
	TokenHash  string `gorm:"uniqueIndex"`
	ExpiresAt  time.Time
	UsedAt     *time.Time
	RedeemedBy string
	CreatedAt  time.Time
}

// QueuedTask waits for its agent's next check-in. It is handed out once.
type QueuedTask struct {
	ID             uint   `gorm:"primaryKey"`
	TaskID         string `gorm:"uniqueIndex"`
	AgentIdentity  string `gorm:"index"`
	Kind           string
	Payload        string `gorm:"type:text"`
	Priority       int
	TimeoutSeconds int
	CreatedAt      time.Time
	DeliveredAt    *time.Time `gorm:"index"`
}

// TaskResultRecord is a result reported by an agent.
type TaskResultRecord struct {
	ID            uint   `gorm:"primaryKey"`
	TaskID        string `gorm:"index"`
	AgentIdentity string `gorm:"index"`
	Success       bool
	Output        string `gorm:"type:text"`
	Error         string `gorm:"type:text"`
	ErrorKind     string
	ExitCode      *int
	DurationMs    int64
	ReceivedAt    time.Time
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&AgentRecord{}, &EnrollmentToken{}, &QueuedTask{}, &TaskResultRecord{})
}
