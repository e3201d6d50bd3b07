// Package ai implements the tutor on top of an eino chat model.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"frenchmentor/internal/models"
	"frenchmentor/internal/tutor"
)

// DefaultHistoryLimit caps how many past messages are replayed to the model.
const DefaultHistoryLimit = 20

type Service struct {
	chatModel    model.BaseChatModel
	log          *zap.Logger
	timeout      time.Duration
	historyLimit int

	mu        sync.RWMutex
	histories map[string]*history
}

// history is the replayed context of one conversation. seen is the length
// of the caller's message list it was last synced with.
type history struct {
	msgs []*schema.Message
	seen int
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTimeout bounds every model call; zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func NewService(chatModel model.BaseChatModel, opts ...Option) *Service {
	s := &Service{
		chatModel:    chatModel,
		log:          zap.NewNop(),
		historyLimit: DefaultHistoryLimit,
		histories:    make(map[string]*history),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ tutor.Tutor = (*Service)(nil)

// Correct sends one sentence with the conversation's cached history. The
// cache is rebuilt from req.History whenever the caller's message list no
// longer matches what the cache was last synced with.
func (s *Service) Correct(ctx context.Context, req tutor.Request) (*models.CorrectionPayload, error) {
	if req.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	replay := s.syncHistory(req.ConversationID, req.History)

	user := schema.UserMessage(correctionPrompt(req.Text, req.Language))
	input := []*schema.Message{schema.SystemMessage(correctionInstruction)}
	input = append(input, replay...)
	input = append(input, user)

	resp, err := s.generate(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("correct message: %w", err)
	}
	payload, err := parseCorrection(resp.Content)
	if err != nil {
		s.log.Warn("unparseable correction", zap.String("conversation", req.ConversationID), zap.Error(err))
		return nil, err
	}
	// the caller appends the user message and this reply on success
	s.appendHistory(req.ConversationID, len(req.History)+2, user, schema.AssistantMessage(resp.Content, nil))
	return payload, nil
}

func (s *Service) GenerateLesson(ctx context.Context, req tutor.LessonRequest) (*models.CoachLesson, error) {
	input := []*schema.Message{schema.UserMessage(lessonPrompt(req.Category, req.Mistakes, req.Language))}
	resp, err := s.generate(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("generate lesson: %w", err)
	}
	return parseLesson(resp.Content)
}

func (s *Service) DeepDive(ctx context.Context, subject string, lang models.Language) (string, error) {
	input := []*schema.Message{schema.UserMessage(deepDivePrompt(subject, lang))}
	resp, err := s.generate(ctx, input)
	if err != nil {
		return "", fmt.Errorf("deep dive: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty deep dive", tutor.ErrMalformedPayload)
	}
	return text, nil
}

// Reset drops the cached history of one conversation.
func (s *Service) Reset(conversationID string) {
	s.mu.Lock()
	delete(s.histories, conversationID)
	s.mu.Unlock()
}

// generate calls the model. Caller cancellation is returned as is; every
// other failure, the per-call timeout included, is ErrUnavailable and keeps
// the cause only as text so it never reads as a cancellation.
func (s *Service) generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	resp, err := s.chatModel.Generate(callCtx, input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", tutor.ErrUnavailable, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", tutor.ErrMalformedPayload)
	}
	return resp, nil
}

// syncHistory returns the messages to replay for convID, re-priming the
// cache from msgs when another writer changed the conversation.
func (s *Service) syncHistory(convID string, msgs []models.Message) []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[convID]
	if !ok || h.seen != len(msgs) {
		h = &history{msgs: s.trim(primed(msgs)), seen: len(msgs)}
		s.histories[convID] = h
	}
	return append([]*schema.Message(nil), h.msgs...)
}

func primed(history []models.Message) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		if m.IsError {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Text))
		case models.RoleModel:
			if m.Payload != nil {
				msgs = append(msgs, schema.AssistantMessage(wireFromPayload(m.Payload), nil))
			}
		}
	}
	return msgs
}

func (s *Service) cached(convID string) []*schema.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[convID]
	if !ok {
		return nil
	}
	return append([]*schema.Message(nil), h.msgs...)
}

func (s *Service) appendHistory(convID string, seen int, msgs ...*schema.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[convID]
	if !ok {
		// reset while the call was running
		return
	}
	h.msgs = s.trim(append(h.msgs, msgs...))
	h.seen = seen
}

func (s *Service) trim(msgs []*schema.Message) []*schema.Message {
	if len(msgs) > s.historyLimit {
		msgs = msgs[len(msgs)-s.historyLimit:]
	}
	return msgs
}

// Unconfigured stands in for the tutor when no model could be built. Every
// call reports the configuration fault so the UI can show a blocking error.
type Unconfigured struct {
	Err error
}

func (u Unconfigured) fault() error {
	if u.Err != nil && errors.Is(u.Err, tutor.ErrConfigurationFault) {
		return u.Err
	}
	return fmt.Errorf("%w: %v", tutor.ErrConfigurationFault, u.Err)
}

func (u Unconfigured) Correct(context.Context, tutor.Request) (*models.CorrectionPayload, error) {
	return nil, u.fault()
}

func (u Unconfigured) GenerateLesson(context.Context, tutor.LessonRequest) (*models.CoachLesson, error) {
	return nil, u.fault()
}

func (u Unconfigured) DeepDive(context.Context, string, models.Language) (string, error) {
	return "", u.fault()
}

func (u Unconfigured) Reset(string) {}
