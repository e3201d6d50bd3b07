package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"frenchmentor/internal/models"
)

// MaxFeedbackRunes is the longest feedback text accepted.
const MaxFeedbackRunes = 2000

var (
	ErrEmptyFeedback   = errors.New("feedback cannot be empty")
	ErrFeedbackTooLong = errors.New("feedback too long")
)

type FeedbackStore struct {
	db *sql.DB
}

func NewFeedbackStore(db *sql.DB) *FeedbackStore {
	return &FeedbackStore{db: db}
}

// Save validates and stores one feedback entry, returning its id.
func (s *FeedbackStore) Save(ctx context.Context, fb models.Feedback) (int64, error) {
	text := strings.TrimSpace(fb.Text)
	if text == "" {
		return 0, ErrEmptyFeedback
	}
	if utf8.RuneCountInString(text) > MaxFeedbackRunes {
		return 0, fmt.Errorf("%w: max %d characters", ErrFeedbackTooLong, MaxFeedbackRunes)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (user_id, text, created_at) VALUES (?, ?, ?)`,
		fb.UserID, text, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("save feedback: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("feedback id: %w", err)
	}
	return id, nil
}
