// Package tutor defines the contract between the session core and the
// generative tutor, together with the errors the core reacts to.
package tutor

import (
	"context"
	"errors"

	"frenchmentor/internal/models"
)

var (
	// ErrUnavailable is a transient failure; the call may be retried.
	ErrUnavailable = errors.New("tutor unavailable")
	// ErrConfigurationFault means the tutor cannot work with the current
	// configuration (missing key, unknown provider). Never retried.
	ErrConfigurationFault = errors.New("tutor configuration fault")
	// ErrMalformedPayload means the response did not match the expected
	// schema. Retried after a Reset.
	ErrMalformedPayload = errors.New("malformed tutor payload")
)

// Request is one sentence to correct.
type Request struct {
	ConversationID string
	Text           string
	Language       models.Language
	// History holds the conversation before Text, oldest first.
	History []models.Message
}

// LessonRequest asks for a coaching lesson on one category.
type LessonRequest struct {
	Category string
	Mistakes []models.MistakeRecord
	Language models.Language
}

// Tutor is the generative collaborator.
type Tutor interface {
	Correct(ctx context.Context, req Request) (*models.CorrectionPayload, error)
	GenerateLesson(ctx context.Context, req LessonRequest) (*models.CoachLesson, error)
	DeepDive(ctx context.Context, text string, lang models.Language) (string, error)
	// Reset drops any per-conversation state the tutor keeps.
	Reset(conversationID string)
}

// Retryable reports whether err should trigger another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrConfigurationFault) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
