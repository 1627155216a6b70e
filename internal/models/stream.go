package models

import "time"

// Stream statuses.
const (
	StreamActive    = "active"
	StreamCompleted = "completed"
	StreamFailed    = "failed"
	StreamAbandoned = "abandoned"
)

// Stream records one assistant generation attempt. Its chunks live in the
// stream log; this row tracks lifecycle and liveness.
type Stream struct {
	ID          string `gorm:"primaryKey;size:64"`
	ThreadID    string `gorm:"size:32;not null;index"`
	Status      string `gorm:"size:16;default:active;index"`
	Error       string `gorm:"type:text"`
	ChunkCount  int
	LastChunkAt *time.Time
	CreatedAt   time.Time
	FinishedAt  *time.Time
}
