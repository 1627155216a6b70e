package models

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one chat turn within a thread.
type Message struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ThreadID   string `gorm:"size:32;not null;index"`
	Role       string `gorm:"size:16;not null"`
	Content    string `gorm:"type:text"`
	Parts      string `gorm:"type:json"` // JSON array of Part
	StreamID   string `gorm:"size:64;index"`
	TokenCount int
	CreatedAt  time.Time
}

// Part is a typed content fragment of a message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
