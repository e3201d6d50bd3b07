package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"frenchmentor/internal/conversation"
	"frenchmentor/internal/models"
	"frenchmentor/internal/tutor"
)

// Outcome summarizes how a turn ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeConfigFault Outcome = "config_fault"
	OutcomeDiscarded   Outcome = "discarded"
	OutcomeRejected    Outcome = "rejected"
)

// TurnResult describes a finished turn. UserMessage is always set once the
// debit succeeded; ModelMessage is nil when no reply was appended.
type TurnResult struct {
	ConversationID string          `json:"conversation_id"`
	UserMessage    models.Message  `json:"user_message"`
	ModelMessage   *models.Message `json:"model_message,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	Ingested       int             `json:"ingested"`
	Attempts       int             `json:"attempts"`
	Balance        int             `json:"balance"`
	Refunded       bool            `json:"refunded,omitempty"`
}

// Send submits text on the active conversation, creating one when none is
// active.
func (o *Orchestrator) Send(ctx context.Context, text string) (*TurnResult, error) {
	return o.SendTo(ctx, "", text)
}

// SendTo submits text on convID. An empty convID targets the active
// conversation.
func (o *Orchestrator) SendTo(ctx context.Context, convID, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	o.mu.Lock()
	o.tickLocked()
	if convID == "" {
		convID = o.convs.ActiveID()
	} else if !o.convs.Exists(convID) {
		o.mu.Unlock()
		return nil, fmt.Errorf("send message to %s: %w", convID, conversation.ErrNotFound)
	}
	if _, busy := o.turns[convID]; busy && convID != "" {
		o.mu.Unlock()
		return nil, fmt.Errorf("send message: %w", ErrTurnInFlight)
	}

	cost := o.ledger.Cost()
	o.logTransition(convID, StateIdle, StateDebiting)
	if !o.ledger.TryDebit(cost) {
		balance := o.ledger.Balance()
		o.mu.Unlock()
		o.metrics.TurnFinished(string(OutcomeRejected))
		o.log.Info("debit rejected", zap.Int("balance", balance), zap.Int("cost", cost))
		return nil, fmt.Errorf("send message: %w", ErrInsufficientCredit)
	}
	o.metrics.CreditsDebited(string(o.ledger.Tier()), cost)
	if convID == "" {
		convID = o.convs.Create("")
	}
	history, _ := o.convs.Messages(convID)
	userMsg, err := o.convs.Append(convID, models.Message{Role: models.RoleUser, Text: text})
	if err != nil {
		o.ledger.Refund(cost)
		o.mu.Unlock()
		return nil, fmt.Errorf("append user message: %w", err)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.turns[convID] = &inflight{cancel: cancel, cost: cost, state: StateAwaitingTutor}
	o.logTransition(convID, StateDebiting, StateAwaitingTutor)
	gen := o.generation
	req := tutor.Request{ConversationID: convID, Text: text, Language: o.language, History: history}
	snap := o.commitLocked()
	o.mu.Unlock()
	o.emit(snap)

	payload, attempts, callErr := o.correct(turnCtx, req)
	cancel()

	o.mu.Lock()
	refund := false
	if t, ok := o.turns[convID]; ok {
		refund = t.refund
	}
	delete(o.turns, convID)
	res := &TurnResult{ConversationID: convID, UserMessage: userMsg, Attempts: attempts}
	outcome, err := o.finishLocked(res, gen, cost, refund, payload, callErr)
	res.Outcome = outcome
	res.Balance = o.ledger.Balance()
	snap = nil
	if res.Refunded || (outcome != OutcomeDiscarded && outcome != OutcomeConfigFault) {
		snap = o.commitLocked()
	}
	o.mu.Unlock()
	o.emit(snap)
	o.metrics.TurnFinished(string(outcome))
	return res, err
}

func (o *Orchestrator) finishLocked(res *TurnResult, gen uint64, cost int, refund bool, payload *models.CorrectionPayload, callErr error) (Outcome, error) {
	convID := res.ConversationID
	if gen != o.generation || !o.convs.Exists(convID) {
		if refund && o.cfg.RefundOnCancel {
			o.ledger.Refund(cost)
			res.Refunded = true
		}
		o.logTransition(convID, StateAwaitingTutor, StateIdle)
		return OutcomeDiscarded, ErrTurnDiscarded
	}

	switch {
	case callErr == nil:
		o.logTransition(convID, StateAwaitingTutor, StateIngesting)
		msg, err := o.convs.Append(convID, models.Message{Role: models.RoleModel, Payload: payload})
		if err != nil {
			return OutcomeFailed, fmt.Errorf("append model message: %w", err)
		}
		res.ModelMessage = &msg
		res.Ingested = o.journal.Ingest(payload.Corrections, o.now())
		o.logTransition(convID, StateIngesting, StateIdle)
		return OutcomeCompleted, nil

	case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
		if o.cfg.RefundOnCancel {
			o.ledger.Refund(cost)
			res.Refunded = true
		}
		o.logTransition(convID, StateAwaitingTutor, StateIdle)
		return OutcomeCanceled, fmt.Errorf("%w: %w", ErrCanceled, callErr)

	case errors.Is(callErr, tutor.ErrConfigurationFault):
		o.log.Error("tutor misconfigured", zap.String("conversation", convID), zap.Error(callErr))
		o.logTransition(convID, StateAwaitingTutor, StateIdle)
		return OutcomeConfigFault, fmt.Errorf("correct message: %w", callErr)

	default:
		o.logTransition(convID, StateAwaitingTutor, StateFailed)
		fallback := tutor.FallbackPayload(o.language)
		msg, err := o.convs.Append(convID, models.Message{Role: models.RoleModel, Payload: &fallback, IsError: true})
		if err == nil {
			res.ModelMessage = &msg
		}
		o.log.Warn("turn failed", zap.String("conversation", convID), zap.Int("attempts", res.Attempts), zap.Error(callErr))
		o.logTransition(convID, StateFailed, StateIdle)
		if errors.Is(callErr, tutor.ErrUnavailable) {
			return OutcomeFailed, fmt.Errorf("correct message: %w", callErr)
		}
		return OutcomeFailed, fmt.Errorf("correct message: %w: %w", tutor.ErrUnavailable, callErr)
	}
}

// Cancel aborts convID's in-flight turn. It reports whether a turn was
// running.
func (o *Orchestrator) Cancel(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.turns[convID]
	if ok {
		t.cancel()
	}
	return ok
}

func (o *Orchestrator) correct(ctx context.Context, req tutor.Request) (*models.CorrectionPayload, int, error) {
	attempts := 0
	payload, err := retry(ctx, o, func() (*models.CorrectionPayload, error) {
		attempts++
		p, err := o.tutor.Correct(ctx, req)
		if err == nil && p == nil {
			err = tutor.ErrMalformedPayload
		}
		if errors.Is(err, tutor.ErrMalformedPayload) {
			o.tutor.Reset(req.ConversationID)
		}
		return p, err
	})
	return payload, attempts, err
}

// retry calls fn up to MaxAttempts times with a linear pause between
// attempts. Configuration faults and cancellation stop immediately.
func retry[T any](ctx context.Context, o *Orchestrator, fn func() (T, error)) (T, error) {
	op := func() (T, error) {
		start := time.Now()
		v, err := fn()
		o.metrics.TutorAttempt(attemptResult(err), time.Since(start))
		if err == nil {
			return v, nil
		}
		if !tutor.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		o.log.Warn("tutor attempt failed", zap.Error(err))
		return v, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(&linearBackOff{step: o.cfg.Backoff}),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, tutor.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, tutor.ErrConfigurationFault):
		return "config_fault"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

func (o *Orchestrator) logTransition(convID string, from, to TurnState) {
	if t, ok := o.turns[convID]; ok {
		t.state = to
	}
	o.log.Debug("turn transition",
		zap.String("conversation", convID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}
