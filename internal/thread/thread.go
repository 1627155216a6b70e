// Package thread provides thread and message persistence operations.
package thread

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/intern3chat/threadline/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a thread does not exist.
var ErrNotFound = errors.New("thread: not found")

// Snapshot is the read-only view of a thread's live state that clients
// reconcile against.
type Snapshot struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	IsLive          bool   `json:"is_live"`
	CurrentStreamID string `json:"current_stream_id,omitempty"`
}

// SnapshotOf converts a thread row into its client snapshot.
func SnapshotOf(t models.Thread) Snapshot {
	s := Snapshot{ID: t.ID, Title: t.Title, IsLive: t.IsLive}
	if t.CurrentStreamID != nil {
		s.CurrentStreamID = *t.CurrentStreamID
	}
	return s
}

// GenerateID creates a unique thread ID in th-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("thread: generate ID: %w", err)
	}
	return "th-" + hex.EncodeToString(b), nil
}

// Create creates a new, idle thread.
func Create(db *gorm.DB, title string) (*models.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	t := models.Thread{ID: id, Title: title}
	if err := db.Create(&t).Error; err != nil {
		return nil, fmt.Errorf("thread: create: %w", err)
	}
	return &t, nil
}

// Get returns the thread with the given ID.
func Get(db *gorm.DB, id string) (*models.Thread, error) {
	var t models.Thread
	if err := db.Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("thread: get %s: %w", id, err)
	}
	return &t, nil
}

// GetSnapshot returns the live-state snapshot of a thread.
func GetSnapshot(db *gorm.DB, id string) (Snapshot, error) {
	t, err := Get(db, id)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(*t), nil
}

// List returns threads, most recently updated first. A limit <= 0 returns all.
func List(db *gorm.DB, limit int) ([]models.Thread, error) {
	q := db.Order("updated_at DESC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var threads []models.Thread
	if err := q.Find(&threads).Error; err != nil {
		return nil, fmt.Errorf("thread: list: %w", err)
	}
	return threads, nil
}

// Rename changes a thread's title.
func Rename(db *gorm.DB, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("thread: title is required")
	}
	result := db.Model(&models.Thread{}).Where("id = ?", id).Update("title", title)
	if result.Error != nil {
		return fmt.Errorf("thread: rename %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a thread along with its messages and stream records.
func Delete(db *gorm.DB, id string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&models.Thread{})
		if result.Error != nil {
			return fmt.Errorf("thread: delete %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := tx.Where("thread_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("thread: delete messages of %s: %w", id, err)
		}
		if err := tx.Where("thread_id = ?", id).Delete(&models.Stream{}).Error; err != nil {
			return fmt.Errorf("thread: delete streams of %s: %w", id, err)
		}
		return nil
	})
}

// MarkLive records streamID as the thread's current stream and flags the
// thread as live.
func MarkLive(db *gorm.DB, threadID, streamID string) error {
	if streamID == "" {
		return fmt.Errorf("thread: stream ID is required")
	}
	result := db.Model(&models.Thread{}).Where("id = ?", threadID).Updates(map[string]interface{}{
		"is_live":           true,
		"current_stream_id": streamID,
		"updated_at":        time.Now(),
	})
	if result.Error != nil {
		return fmt.Errorf("thread: mark live %s: %w", threadID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return nil
}

// Settle clears the live flag once streamID has ended. It is a no-op when a
// newer stream has already replaced streamID. CurrentStreamID is kept as the
// most recent stream.
func Settle(db *gorm.DB, threadID, streamID string) error {
	result := db.Model(&models.Thread{}).
		Where("id = ? AND current_stream_id = ?", threadID, streamID).
		Updates(map[string]interface{}{
			"is_live":    false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("thread: settle %s: %w", threadID, result.Error)
	}
	return nil
}

// MessageOpts holds parameters for appending a message.
type MessageOpts struct {
	ThreadID   string
	Role       string
	Content    string
	StreamID   string
	TokenCount int
}

// AppendMessage adds a message to a thread. Content is mirrored into a single
// text part.
func AppendMessage(db *gorm.DB, opts MessageOpts) (*models.Message, error) {
	if opts.ThreadID == "" {
		return nil, fmt.Errorf("thread: thread ID is required")
	}
	switch opts.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return nil, fmt.Errorf("thread: invalid role %q", opts.Role)
	}
	if _, err := Get(db, opts.ThreadID); err != nil {
		return nil, err
	}

	parts, err := json.Marshal([]models.Part{{Type: "text", Text: opts.Content}})
	if err != nil {
		return nil, fmt.Errorf("thread: marshal parts: %w", err)
	}
	msg := models.Message{
		ThreadID:   opts.ThreadID,
		Role:       opts.Role,
		Content:    opts.Content,
		Parts:      string(parts),
		StreamID:   opts.StreamID,
		TokenCount: opts.TokenCount,
		CreatedAt:  time.Now(),
	}
	if err := db.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("thread: append message: %w", err)
	}
	db.Model(&models.Thread{}).Where("id = ?", opts.ThreadID).Update("updated_at", time.Now())
	return &msg, nil
}

// Messages returns a thread's messages in insertion order.
func Messages(db *gorm.DB, threadID string) ([]models.Message, error) {
	if _, err := Get(db, threadID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := db.Where("thread_id = ?", threadID).Order("id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("thread: messages %s: %w", threadID, err)
	}
	return msgs, nil
}

// ParseParts decodes a message's stored parts.
func ParseParts(m models.Message) ([]models.Part, error) {
	if m.Parts == "" {
		return nil, nil
	}
	var parts []models.Part
	if err := json.Unmarshal([]byte(m.Parts), &parts); err != nil {
		return nil, fmt.Errorf("thread: parse parts of message %d: %w", m.ID, err)
	}
	return parts, nil
}

// MessageView is the JSON shape of a stored message.
type MessageView struct {
	ID         uint          `json:"id"`
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []models.Part `json:"parts"`
	StreamID   string        `json:"stream_id,omitempty"`
	TokenCount int           `json:"token_count"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ViewOf converts a message row into its JSON view.
func ViewOf(m models.Message) (MessageView, error) {
	parts, err := ParseParts(m)
	if err != nil {
		return MessageView{}, err
	}
	return MessageView{
		ID:         m.ID,
		Role:       m.Role,
		Content:    m.Content,
		Parts:      parts,
		StreamID:   m.StreamID,
		TokenCount: m.TokenCount,
		CreatedAt:  m.CreatedAt,
	}, nil
}
