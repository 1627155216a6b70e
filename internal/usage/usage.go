// Package usage estimates token counts and totals them per thread.
package usage

import (
	"fmt"
	"sync"

	"github.com/intern3chat/threadline/internal/models"
	"github.com/intern3chat/threadline/internal/thread"
	"github.com/tiktoken-go/tokenizer"
	"gorm.io/gorm"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns the cl100k_base token count of text. It returns 0
// when the codec cannot be loaded.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	c, err := getCodec()
	if err != nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// RoleUsage totals the messages of one role.
type RoleUsage struct {
	Role     string `json:"role"`
	Messages int64  `json:"messages"`
	Tokens   int64  `json:"tokens"`
}

// Summary totals messages and tokens. ThreadID is empty for totals across
// every thread.
type Summary struct {
	ThreadID string      `json:"thread_id,omitempty"`
	Messages int64       `json:"messages"`
	Tokens   int64       `json:"tokens"`
	ByRole   []RoleUsage `json:"by_role"`
}

// Summarize totals the messages of threadID.
func Summarize(db *gorm.DB, threadID string) (*Summary, error) {
	if _, err := thread.Get(db, threadID); err != nil {
		return nil, err
	}
	s, err := summarize(db.Where("thread_id = ?", threadID))
	if err != nil {
		return nil, fmt.Errorf("usage: summarize %s: %w", threadID, err)
	}
	s.ThreadID = threadID
	return s, nil
}

// Totals totals the messages of every thread.
func Totals(db *gorm.DB) (*Summary, error) {
	s, err := summarize(db)
	if err != nil {
		return nil, fmt.Errorf("usage: totals: %w", err)
	}
	return s, nil
}

func summarize(q *gorm.DB) (*Summary, error) {
	var rows []RoleUsage
	if err := q.Model(&models.Message{}).
		Select("role, COUNT(*) AS messages, COALESCE(SUM(token_count), 0) AS tokens").
		Group("role").
		Order("role").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	s := &Summary{ByRole: rows}
	for _, r := range rows {
		s.Messages += r.Messages
		s.Tokens += r.Tokens
	}
	return s, nil
}
