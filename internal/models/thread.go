package models

import "time"

// Thread is a single conversation. IsLive and CurrentStreamID are owned by
// the server; clients only ever see snapshots of them.
type Thread struct {
	ID              string  `gorm:"primaryKey;size:32"`
	Title           string  `gorm:"size:256;not null"`
	IsLive          bool    `gorm:"default:false;index"`
	CurrentStreamID *string `gorm:"size:64"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Messages []Message `gorm:"foreignKey:ThreadID"`
}
