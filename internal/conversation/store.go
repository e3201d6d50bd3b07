// Package conversation keeps a learner's chat threads in memory.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"frenchmentor/internal/models"
)

// TitleRunes is how much of the first user message becomes the title.
const TitleRunes = 30

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyTitle      = errors.New("title cannot be empty")
)

// Store owns zero or more conversations and the active pointer. Not safe for
// concurrent use.
type Store struct {
	convs    []*models.Conversation // creation order
	byID     map[string]*models.Conversation
	activeID string

	// every id ever handed out, so deleted ids are never reused.
	issued map[string]struct{}

	newID func() string
	now   func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithIDFunc overrides conversation id generation.
func WithIDFunc(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithClock overrides the time source used for timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		byID:   make(map[string]*models.Conversation),
		issued: make(map[string]struct{}),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore replaces the whole content of the store. An activeID that does not
// exist is dropped.
func (s *Store) Restore(convs []models.Conversation, activeID string) {
	s.convs = nil
	s.byID = make(map[string]*models.Conversation, len(convs))
	s.activeID = ""
	for _, c := range convs {
		if _, dup := s.byID[c.ID]; dup || c.ID == "" {
			continue
		}
		cp := c.Clone()
		if cp.NextMessageID == 0 {
			for _, m := range cp.Messages {
				if m.ID > cp.NextMessageID {
					cp.NextMessageID = m.ID
				}
			}
		}
		s.convs = append(s.convs, &cp)
		s.byID[cp.ID] = &cp
		s.issued[cp.ID] = struct{}{}
	}
	if _, ok := s.byID[activeID]; ok {
		s.activeID = activeID
	}
}

// Create adds an empty conversation and makes it active. A non-empty title
// counts as explicitly set and is never replaced by a derived one.
func (s *Store) Create(title string) string {
	id := s.newID()
	for {
		if _, used := s.issued[id]; !used {
			break
		}
		id = s.newID()
	}
	s.issued[id] = struct{}{}
	title = strings.TrimSpace(title)
	conv := &models.Conversation{
		ID:        id,
		Title:     title,
		TitleSet:  title != "",
		CreatedAt: s.now(),
	}
	if conv.Title == "" {
		conv.Title = models.DefaultConversationTitle
	}
	s.convs = append(s.convs, conv)
	s.byID[id] = conv
	s.activeID = id
	return id
}

// Append adds msg to the conversation, assigning its id and timestamp.
func (s *Store) Append(convID string, msg models.Message) (models.Message, error) {
	conv, ok := s.byID[convID]
	if !ok {
		return models.Message{}, fmt.Errorf("append message to %s: %w", convID, ErrNotFound)
	}
	if msg.Role == models.RoleUser && !conv.TitleSet && !hasUserMessage(conv) {
		conv.Title = DeriveTitle(msg.Text)
	}
	conv.NextMessageID++
	msg.ID = conv.NextMessageID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg = msg.Clone()
	conv.Messages = append(conv.Messages, msg)
	return msg.Clone(), nil
}

func hasUserMessage(conv *models.Conversation) bool {
	for _, m := range conv.Messages {
		if m.Role == models.RoleUser {
			return true
		}
	}
	return false
}

// DeriveTitle shortens text to TitleRunes runes, adding "..." when cut.
func DeriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return models.DefaultConversationTitle
	}
	if utf8.RuneCountInString(text) <= TitleRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleRunes]) + "..."
}

// Rename sets a user-chosen title.
func (s *Store) Rename(convID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	conv, ok := s.byID[convID]
	if !ok {
		return fmt.Errorf("rename %s: %w", convID, ErrNotFound)
	}
	conv.Title = title
	conv.TitleSet = true
	return nil
}

// Delete removes a conversation. When it was active, the most recently
// created survivor becomes active, or none when the store is empty.
func (s *Store) Delete(convID string) error {
	if _, ok := s.byID[convID]; !ok {
		return fmt.Errorf("delete %s: %w", convID, ErrNotFound)
	}
	delete(s.byID, convID)
	for i, c := range s.convs {
		if c.ID == convID {
			s.convs = append(s.convs[:i], s.convs[i+1:]...)
			break
		}
	}
	if s.activeID == convID {
		s.activeID = ""
		if n := len(s.convs); n > 0 {
			s.activeID = s.convs[n-1].ID
		}
	}
	return nil
}

// SetActive points the store at an existing conversation.
func (s *Store) SetActive(convID string) error {
	if _, ok := s.byID[convID]; !ok {
		return fmt.Errorf("select %s: %w", convID, ErrNotFound)
	}
	s.activeID = convID
	return nil
}

// ActiveID returns the active conversation id, or "" when there is none.
func (s *Store) ActiveID() string { return s.activeID }

// ActiveMessages returns a copy of the active conversation's messages.
func (s *Store) ActiveMessages() []models.Message {
	if s.activeID == "" {
		return []models.Message{}
	}
	msgs, _ := s.Messages(s.activeID)
	return msgs
}

// Messages returns a copy of one conversation's messages.
func (s *Store) Messages(convID string) ([]models.Message, error) {
	conv, ok := s.byID[convID]
	if !ok {
		return nil, fmt.Errorf("messages of %s: %w", convID, ErrNotFound)
	}
	out := make([]models.Message, len(conv.Messages))
	for i, m := range conv.Messages {
		out[i] = m.Clone()
	}
	return out, nil
}

// Get returns a deep copy of one conversation.
func (s *Store) Get(convID string) (models.Conversation, bool) {
	conv, ok := s.byID[convID]
	if !ok {
		return models.Conversation{}, false
	}
	return conv.Clone(), true
}

func (s *Store) Exists(convID string) bool {
	_, ok := s.byID[convID]
	return ok
}

// List summarizes conversations in creation order.
func (s *Store) List() []models.ConversationSummary {
	out := make([]models.ConversationSummary, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, models.ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: len(c.Messages),
			CreatedAt:    c.CreatedAt,
			Active:       c.ID == s.activeID,
		})
	}
	return out
}

// All deep-copies every conversation in creation order.
func (s *Store) All() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	return out
}

// Enrich attaches deep-dive content to a message and clears its pending flag.
func (s *Store) Enrich(convID string, msgID int64, deepDive string) error {
	m, err := s.message(convID, msgID)
	if err != nil {
		return err
	}
	m.DeepDive = deepDive
	m.IsPending = false
	return nil
}

// MarkPending flags a message as waiting for enrichment.
func (s *Store) MarkPending(convID string, msgID int64, pending bool) error {
	m, err := s.message(convID, msgID)
	if err != nil {
		return err
	}
	m.IsPending = pending
	return nil
}

// Message returns a copy of one message.
func (s *Store) Message(convID string, msgID int64) (models.Message, error) {
	m, err := s.message(convID, msgID)
	if err != nil {
		return models.Message{}, err
	}
	return m.Clone(), nil
}

func (s *Store) message(convID string, msgID int64) (*models.Message, error) {
	conv, ok := s.byID[convID]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", convID, ErrNotFound)
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == msgID {
			return &conv.Messages[i], nil
		}
	}
	return nil, fmt.Errorf("lookup message %d in %s: %w", msgID, convID, ErrMessageNotFound)
}

// Wipe removes every conversation.
func (s *Store) Wipe() {
	s.convs = nil
	s.byID = make(map[string]*models.Conversation)
	s.activeID = ""
}
