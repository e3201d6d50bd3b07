package session

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"frenchmentor/internal/coach"
	"frenchmentor/internal/journal"
	"frenchmentor/internal/models"
	"frenchmentor/internal/tutor"
)

// GenerateLesson asks the tutor for a lesson on a pending category. The
// lesson stays open until DismissLesson archives it; asking again for the
// same category returns the open lesson instead of generating a new one.
func (o *Orchestrator) GenerateLesson(ctx context.Context, category string) (*models.CoachLesson, error) {
	o.mu.Lock()
	if !coach.IsPending(category, o.journal.Counters(), o.archive) {
		o.mu.Unlock()
		return nil, fmt.Errorf("generate lesson %q: %w", category, ErrNoPendingMission)
	}
	for _, l := range o.open {
		if l.Category == category {
			o.mu.Unlock()
			return &l, nil
		}
	}
	gen := o.generation
	req := tutor.LessonRequest{
		Category: category,
		Mistakes: o.journal.RecentFor(category, o.cfg.LessonMistakes),
		Language: o.language,
	}
	o.mu.Unlock()

	lesson, err := retry(ctx, o, func() (*models.CoachLesson, error) {
		l, err := o.tutor.GenerateLesson(ctx, req)
		if err == nil && l == nil {
			err = tutor.ErrMalformedPayload
		}
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("generate lesson %q: %w", category, err)
	}

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return nil, fmt.Errorf("generate lesson %q: %w", category, ErrTurnDiscarded)
	}
	for _, l := range o.open {
		if l.Category == category {
			// a concurrent call won the race
			o.mu.Unlock()
			return &l, nil
		}
	}
	out := *lesson
	out.Category = category
	if out.ID == "" || o.archive.Has(out.ID) {
		out.ID = o.newLessonID()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = o.now()
	}
	if len(out.Mistakes) == 0 {
		for _, r := range req.Mistakes {
			out.Mistakes = append(out.Mistakes, r.OriginalText)
		}
	}
	o.open[out.ID] = out
	snap := o.commitLocked()
	o.mu.Unlock()
	o.emit(snap)
	o.log.Info("lesson generated", zap.String("category", category), zap.String("lesson", out.ID))
	return &out, nil
}

// DismissLesson archives an open lesson, which consumes its mission slot.
// Dismissing an already archived lesson is a no-op.
func (o *Orchestrator) DismissLesson(id string) error {
	o.mu.Lock()
	if o.archive.Has(id) {
		o.mu.Unlock()
		return nil
	}
	l, ok := o.open[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("dismiss lesson %s: %w", id, ErrLessonNotFound)
	}
	o.archive.Archive(l)
	delete(o.open, id)
	snap := o.commitLocked()
	o.mu.Unlock()
	o.emit(snap)
	o.metrics.LessonArchived()
	return nil
}

// Lesson looks up an open or archived lesson.
func (o *Orchestrator) Lesson(id string) (models.CoachLesson, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.open[id]; ok {
		return l, nil
	}
	if l, ok := o.archive.Get(id); ok {
		return l, nil
	}
	return models.CoachLesson{}, fmt.Errorf("get lesson %s: %w", id, ErrLessonNotFound)
}

// DeepDive attaches a longer grammar explanation to a tutor correction. A
// message that already has one is returned unchanged.
func (o *Orchestrator) DeepDive(ctx context.Context, convID string, msgID int64) (models.Message, error) {
	o.mu.Lock()
	msg, err := o.convs.Message(convID, msgID)
	if err != nil {
		o.mu.Unlock()
		return models.Message{}, fmt.Errorf("deep dive: %w", err)
	}
	if msg.Role != models.RoleModel || msg.Payload == nil || msg.IsError {
		o.mu.Unlock()
		return models.Message{}, fmt.Errorf("deep dive %d: %w", msgID, ErrNotCorrection)
	}
	if msg.DeepDive != "" {
		o.mu.Unlock()
		return msg, nil
	}
	if msg.IsPending {
		o.mu.Unlock()
		return models.Message{}, fmt.Errorf("deep dive %d: %w", msgID, ErrTurnInFlight)
	}
	_ = o.convs.MarkPending(convID, msgID, true)
	gen := o.generation
	lang := o.language
	subject := deepDiveSubject(msg.Payload)
	snap := o.commitLocked()
	o.mu.Unlock()
	o.emit(snap)

	text, callErr := retry(ctx, o, func() (string, error) {
		return o.tutor.DeepDive(ctx, subject, lang)
	})

	o.mu.Lock()
	if gen != o.generation || !o.convs.Exists(convID) {
		o.mu.Unlock()
		return models.Message{}, fmt.Errorf("deep dive %d: %w", msgID, ErrTurnDiscarded)
	}
	if callErr != nil {
		_ = o.convs.MarkPending(convID, msgID, false)
	} else {
		_ = o.convs.Enrich(convID, msgID, text)
	}
	msg, _ = o.convs.Message(convID, msgID)
	snap = o.commitLocked()
	o.mu.Unlock()
	o.emit(snap)
	if callErr != nil {
		return msg, fmt.Errorf("deep dive %d: %w", msgID, callErr)
	}
	return msg, nil
}

func deepDiveSubject(p *models.CorrectionPayload) string {
	var b strings.Builder
	b.WriteString(p.CorrectedText)
	for _, c := range p.Corrections {
		fmt.Fprintf(&b, "\n- %s -> %s (%s): %s", c.OriginalText, c.CorrectedText, c.Category, c.Explanation)
	}
	return b.String()
}

// ReviewItem is one question of a review quiz.
type ReviewItem struct {
	Prompt   string `json:"prompt"`
	Expected string `json:"expected"`
	Category string `json:"category"`
}

// Review draws up to n distinct past mistakes for a quiz. n <= 0 uses the
// configured size.
func (o *Orchestrator) Review(n int) []ReviewItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n <= 0 {
		n = o.cfg.ReviewSize
	}
	records := o.journal.Sample(n, o.rand)
	items := make([]ReviewItem, 0, len(records))
	for _, r := range records {
		items = append(items, ReviewItem{Prompt: r.OriginalText, Expected: r.CorrectedText, Category: r.Category})
	}
	return items
}

// CheckAnswer grades a review answer.
func CheckAnswer(answer, expected string) bool {
	return journal.Grade(answer, expected)
}

func sortLessons(ls []models.CoachLesson) {
	sort.SliceStable(ls, func(i, j int) bool {
		if ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].ID < ls[j].ID
		}
		return ls[i].CreatedAt.Before(ls[j].CreatedAt)
	})
}
