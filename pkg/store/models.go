package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type PrincipalModel struct {
	ID          string `gorm:"primaryKey"`
	DisplayName string `gorm:"not null"`
	Email       string `gorm:"uniqueIndex;not null"`
	Role        string `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

type ConversationModel struct {
	ID string `gorm:"primaryKey"`
	// ParticipantsKey is the normalized participant set joined with commas.
	// Exact-set lookups run against this column; ParticipantIDs carries the
	// same data as JSONB for containment queries.
	ParticipantsKey string         `gorm:"not null;index"`
	ParticipantIDs  datatypes.JSON `gorm:"type:jsonb;not null"`
	ListingID       string         `gorm:"index"`
	HiddenFor       datatypes.JSON `gorm:"type:jsonb"`
	LastActivity    time.Time      `gorm:"not null;index:idx_conversations_activity,sort:desc"`
	CreatedAt       time.Time      `gorm:"not null"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index"`
	SenderID       string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	ReadBy         datatypes.JSON `gorm:"type:jsonb;not null"`
	ClientKey      string         `gorm:"index"`
	CreatedAt      time.Time      `gorm:"not null;index"`
}

type NotificationModel struct {
	ID             string    `gorm:"primaryKey"`
	TargetUserID   string    `gorm:"not null;index"`
	Type           string    `gorm:"not null"`
	Title          string    `gorm:"not null"`
	Body           string    `gorm:"type:text"`
	Read           bool      `gorm:"not null;default:false"`
	ConversationID string    `gorm:"index"`
	ListingID      string
	CreatedAt      time.Time `gorm:"not null;index"`
}
