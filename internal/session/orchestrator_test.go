package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"frenchmentor/internal/conversation"
	"frenchmentor/internal/ledger"
	"frenchmentor/internal/models"
	"frenchmentor/internal/tutor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type reply struct {
	payload *models.CorrectionPayload
	err     error
}

// fakeTutor answers Correct from a script; once the script is exhausted it
// returns an empty correction. When gate is set every call blocks on it.
type fakeTutor struct {
	mu      sync.Mutex
	script  []reply
	calls   int
	resets  []string
	reqs    []tutor.Request
	gate    chan struct{}
	started chan struct{}

	lesson    *models.CoachLesson
	lessonErr error
	deepDive  string
}

func (f *fakeTutor) Correct(ctx context.Context, req tutor.Request) (*models.CorrectionPayload, error) {
	f.mu.Lock()
	f.calls++
	f.reqs = append(f.reqs, req)
	var r reply
	if len(f.script) > 0 {
		r, f.script = f.script[0], f.script[1:]
	} else {
		r = reply{payload: &models.CorrectionPayload{CorrectedText: req.Text}}
	}
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.payload, r.err
}

func (f *fakeTutor) GenerateLesson(_ context.Context, req tutor.LessonRequest) (*models.CoachLesson, error) {
	if f.lessonErr != nil {
		return nil, f.lessonErr
	}
	if f.lesson != nil {
		l := *f.lesson
		return &l, nil
	}
	return &models.CoachLesson{Title: "Lesson " + req.Category, TheRule: "rule"}, nil
}

func (f *fakeTutor) DeepDive(context.Context, string, models.Language) (string, error) {
	return f.deepDive, nil
}

func (f *fakeTutor) Reset(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, conversationID)
}

func (f *fakeTutor) resetIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resets...)
}

func (f *fakeTutor) lastRequest() tutor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeTutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = 0
	return cfg
}

func newTestOrchestrator(t *testing.T, ft *fakeTutor, opts ...Option) (*Orchestrator, *clock) {
	t.Helper()
	c := newClock()
	seq := 0
	base := []Option{
		WithClock(c.Now),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithLessonIDs(func() string {
			seq++
			return fmt.Sprintf("lesson-%d", seq)
		}),
	}
	return New(testConfig(), ft, append(base, opts...)...), c
}

func stateWith(balance int, refilledAt time.Time) ledger.State {
	return ledger.State{Balance: balance, LastRefillAt: refilledAt, Tier: models.TierFree}
}

func corrections(category string, n int) *models.CorrectionPayload {
	p := &models.CorrectionPayload{CorrectedText: "ok"}
	for i := 0; i < n; i++ {
		p.Corrections = append(p.Corrections, models.CorrectionItem{
			OriginalText:  fmt.Sprintf("faute %d", i),
			CorrectedText: fmt.Sprintf("correct %d", i),
			Category:      category,
		})
	}
	return p
}

func TestSendCreatesConversationAndIngests(t *testing.T) {
	ft := &fakeTutor{script: []reply{{payload: corrections("Grammar", 2)}}}
	o, _ := newTestOrchestrator(t, ft)

	res, err := o.Send(context.Background(), "Je suis allé au magasin hier")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 8, res.Balance)
	require.NotNil(t, res.ModelMessage)

	msgs := o.ActiveMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleModel, msgs[1].Role)
	assert.Equal(t, res.ConversationID, o.ActiveConversationID())
	assert.Equal(t, map[string]int{"Grammar": 2}, o.Counters())

	convs := o.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "Je suis allé au magasin hier", convs[0].Title)
}

func TestHistoryExcludesCurrentMessage(t *testing.T) {
	ft := &fakeTutor{}
	o, _ := newTestOrchestrator(t, ft)
	_, err := o.Send(context.Background(), "un")
	require.NoError(t, err)
	_, err = o.Send(context.Background(), "deux")
	require.NoError(t, err)

	require.Len(t, ft.reqs, 2)
	assert.Empty(t, ft.reqs[0].History)
	require.Len(t, ft.reqs[1].History, 2)
	assert.Equal(t, "un", ft.reqs[1].History[0].Text)
	assert.Equal(t, models.LanguageEnglish, ft.reqs[1].Language)
}

func TestInsufficientCreditBlocksSend(t *testing.T) {
	ft := &fakeTutor{}
	o, c := newTestOrchestrator(t, ft)
	o.Replace(Snapshot{Ledger: stateWith(1, c.Now())})

	_, err := o.Send(context.Background(), "Bonjour")
	require.ErrorIs(t, err, ErrInsufficientCredit)
	assert.Equal(t, 1, o.Balance())
	assert.Empty(t, o.ActiveMessages())
	assert.Empty(t, o.Conversations())
	assert.Zero(t, ft.callCount())
}

func TestEmptyMessageRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeTutor{})
	_, err := o.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 10, o.Balance())
}

func TestSendToUnknownConversation(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeTutor{})
	_, err := o.SendTo(context.Background(), "nope", "Salut")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestTransientFailureIsRetried(t *testing.T) {
	ft := &fakeTutor{script: []reply{
		{err: tutor.ErrUnavailable},
		{err: fmt.Errorf("parse: %w", tutor.ErrMalformedPayload)},
		{payload: corrections("Spelling", 1)},
	}}
	o, _ := newTestOrchestrator(t, ft)

	res, err := o.Send(context.Background(), "Je mange une pome")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, ft.callCount())
	assert.Equal(t, []string{res.ConversationID}, ft.resets)
	// the user message is appended once regardless of retries
	assert.Len(t, o.ActiveMessages(), 2)
}

func TestExhaustedRetriesLeaveErrorBubble(t *testing.T) {
	ft := &fakeTutor{script: []reply{
		{err: errors.New("boom")}, {err: errors.New("boom")}, {err: errors.New("boom")},
	}}
	o, _ := newTestOrchestrator(t, ft)
	require.NoError(t, o.SetLanguage(models.LanguageFrench))

	res, err := o.Send(context.Background(), "Bonjour")
	require.ErrorIs(t, err, tutor.ErrUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, ft.callCount())

	msgs := o.ActiveMessages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsError)
	assert.Equal(t, "Désolé", msgs[1].Payload.CorrectedText)
	assert.Contains(t, msgs[1].Payload.Notes, "problème technique")
	// failure keeps the debit
	assert.Equal(t, 8, o.Balance())
	assert.Empty(t, o.Counters())
}

func TestConfigurationFaultIsNotRetried(t *testing.T) {
	ft := &fakeTutor{script: []reply{{err: fmt.Errorf("no key: %w", tutor.ErrConfigurationFault)}}}
	o, _ := newTestOrchestrator(t, ft)

	res, err := o.Send(context.Background(), "Bonjour")
	require.ErrorIs(t, err, tutor.ErrConfigurationFault)
	assert.Equal(t, OutcomeConfigFault, res.Outcome)
	assert.Equal(t, 1, ft.callCount())
	msgs := o.ActiveMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestSecondSendWhileInFlight(t *testing.T) {
	ft := &fakeTutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	o, _ := newTestOrchestrator(t, ft)
	convID := o.NewConversation("")

	done := make(chan error, 1)
	go func() {
		_, err := o.SendTo(context.Background(), convID, "premier")
		done <- err
	}()
	<-ft.started
	assert.Equal(t, StateAwaitingTutor, o.TurnState(convID))

	_, err := o.SendTo(context.Background(), convID, "second")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(ft.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, o.TurnState(convID))
	assert.Len(t, o.ActiveMessages(), 2)
}

func TestCancelRefundsAndReturnsToIdle(t *testing.T) {
	ft := &fakeTutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	o, _ := newTestOrchestrator(t, ft)
	convID := o.NewConversation("")

	type out struct {
		res *TurnResult
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := o.SendTo(context.Background(), convID, "Bonjour")
		done <- out{res, err}
	}()
	<-ft.started
	assert.True(t, o.Cancel(convID))

	got := <-done
	require.ErrorIs(t, got.err, ErrCanceled)
	assert.Equal(t, OutcomeCanceled, got.res.Outcome)
	assert.Equal(t, 10, o.Balance())
	assert.Len(t, o.ActiveMessages(), 1)
	assert.Equal(t, StateIdle, o.TurnState(convID))
	assert.False(t, o.Cancel(convID))
}

func TestResetDuringTurnDiscardsResult(t *testing.T) {
	ft := &fakeTutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	o, _ := newTestOrchestrator(t, ft)

	type out struct {
		res *TurnResult
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := o.Send(context.Background(), "Bonjour")
		done <- out{res, err}
	}()
	<-ft.started
	convID := o.ActiveConversationID()
	o.ResetHistory()

	got := <-done
	require.ErrorIs(t, got.err, ErrTurnDiscarded)
	assert.Equal(t, OutcomeDiscarded, got.res.Outcome)
	assert.True(t, got.res.Refunded)
	assert.Empty(t, o.Conversations())
	assert.Equal(t, 10, o.Balance())
	assert.Equal(t, []string{convID}, ft.resetIDs())
}

func TestDeleteDuringTurnRefunds(t *testing.T) {
	ft := &fakeTutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	var mu sync.Mutex
	var last Snapshot
	o, _ := newTestOrchestrator(t, ft, WithObserver(func(s Snapshot) {
		mu.Lock()
		if s.Revision > last.Revision {
			last = s
		}
		mu.Unlock()
	}))
	convID := o.NewConversation("")

	done := make(chan *TurnResult, 1)
	go func() {
		res, _ := o.SendTo(context.Background(), convID, "Bonjour")
		done <- res
	}()
	<-ft.started
	require.NoError(t, o.DeleteConversation(convID))

	res := <-done
	assert.Equal(t, OutcomeDiscarded, res.Outcome)
	assert.True(t, res.Refunded)
	assert.Equal(t, 10, res.Balance)
	assert.Equal(t, []string{convID}, ft.resetIDs())

	// the refund is the newest commit
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, last.Ledger.Balance)
}

func TestTurnDroppedByReplaceIsNotRefunded(t *testing.T) {
	ft := &fakeTutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	o, _ := newTestOrchestrator(t, ft)
	incoming := o.Snapshot()
	incoming.Revision = 40

	done := make(chan *TurnResult, 1)
	go func() {
		res, _ := o.Send(context.Background(), "Bonjour")
		done <- res
	}()
	<-ft.started
	o.Replace(incoming)

	res := <-done
	assert.Equal(t, OutcomeDiscarded, res.Outcome)
	assert.False(t, res.Refunded)
	assert.Equal(t, 10, o.Balance())
	assert.Equal(t, uint64(40), o.Snapshot().Revision)
}

func TestReplaceResyncsTutorContext(t *testing.T) {
	ft := &fakeTutor{}
	o, _ := newTestOrchestrator(t, ft)
	res, err := o.Send(context.Background(), "Bonjour")
	require.NoError(t, err)
	convID := res.ConversationID

	// another device added a turn to the same conversation
	snap := o.Snapshot()
	conv := &snap.Conversations[0]
	conv.Messages = append(conv.Messages,
		models.Message{ID: 3, Role: models.RoleUser, Text: "ailleurs"},
		models.Message{ID: 4, Role: models.RoleModel, Payload: &models.CorrectionPayload{CorrectedText: "Ailleurs."}},
	)
	conv.NextMessageID = 4
	snap.Revision += 10
	o.Replace(snap)
	assert.Contains(t, ft.resetIDs(), convID)

	_, err = o.SendTo(context.Background(), convID, "encore")
	require.NoError(t, err)
	req := ft.lastRequest()
	require.Len(t, req.History, 4)
	assert.Equal(t, "ailleurs", req.History[2].Text)
}

func TestReleaseCancelsTurnsAndDropsTutorContext(t *testing.T) {
	ft := &fakeTutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	o, _ := newTestOrchestrator(t, ft)
	idle := o.NewConversation("idle")
	busy := o.NewConversation("busy")

	done := make(chan error, 1)
	go func() {
		_, err := o.SendTo(context.Background(), busy, "Bonjour")
		done <- err
	}()
	<-ft.started
	o.Release()

	assert.ErrorIs(t, <-done, ErrTurnDiscarded)
	assert.ElementsMatch(t, []string{idle, busy}, ft.resetIDs())
}

func TestMissionLifecycle(t *testing.T) {
	ft := &fakeTutor{script: []reply{{payload: corrections("Grammar", 7)}}}
	o, _ := newTestOrchestrator(t, ft)
	ctx := context.Background()

	_, err := o.Send(ctx, "Hier je suis allé")
	require.NoError(t, err)
	assert.Equal(t, []string{"Grammar"}, o.Pending())

	_, err = o.GenerateLesson(ctx, "Vocabulary")
	assert.ErrorIs(t, err, ErrNoPendingMission)

	first, err := o.GenerateLesson(ctx, "Grammar")
	require.NoError(t, err)
	assert.Equal(t, "Grammar", first.Category)
	assert.Equal(t, []string{"faute 4", "faute 5", "faute 6"}, first.Mistakes)

	again, err := o.GenerateLesson(ctx, "Grammar")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "open lesson is reused")

	require.NoError(t, o.DismissLesson(first.ID))
	require.NoError(t, o.DismissLesson(first.ID), "repeat dismiss is a no-op")
	assert.Len(t, o.ArchivedLessons(), 1)
	assert.Equal(t, []string{"Grammar"}, o.Pending(), "7 mistakes unlock two lessons")

	second, err := o.GenerateLesson(ctx, "Grammar")
	require.NoError(t, err)
	require.NoError(t, o.DismissLesson(second.ID))
	assert.Empty(t, o.Pending())

	assert.ErrorIs(t, o.DismissLesson("missing"), ErrLessonNotFound)
}

func TestUpgradeTierGrantsProCap(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeTutor{})
	_, err := o.Send(context.Background(), "Bonjour")
	require.NoError(t, err)

	require.NoError(t, o.UpgradeTier(models.TierPro))
	assert.Equal(t, 999, o.Balance())
	res, err := o.Send(context.Background(), "Encore")
	require.NoError(t, err)
	assert.Equal(t, 998, res.Balance)

	assert.ErrorIs(t, o.UpgradeTier("gold"), ErrInvalidTier)
}

func TestBalanceRefillsAfterWindow(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeTutor{})
	for i := 0; i < 5; i++ {
		_, err := o.Send(context.Background(), "Bonjour")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, o.Balance())

	c.Advance(23 * time.Hour)
	assert.Equal(t, 0, o.Balance())
	c.Advance(time.Hour)
	assert.Equal(t, 10, o.Balance())
}

func TestResetHistoryKeepsCredits(t *testing.T) {
	ft := &fakeTutor{script: []reply{{payload: corrections("Grammar", 3)}}}
	o, _ := newTestOrchestrator(t, ft)
	_, err := o.Send(context.Background(), "Bonjour")
	require.NoError(t, err)

	o.ResetHistory()
	d := o.Dashboard()
	assert.Equal(t, 8, d.Balance)
	assert.Zero(t, d.TotalMistakes)
	assert.Equal(t, 100, d.Accuracy)
	assert.Empty(t, d.PendingMissions)
	assert.Empty(t, d.Conversations)
	assert.Empty(t, o.ActiveMessages())
}

func TestDashboardAggregates(t *testing.T) {
	ft := &fakeTutor{script: []reply{
		{payload: corrections("Grammar", 2)},
		{payload: corrections("Spelling", 3)},
	}}
	o, _ := newTestOrchestrator(t, ft)
	_, err := o.Send(context.Background(), "un")
	require.NoError(t, err)
	_, err = o.Send(context.Background(), "deux")
	require.NoError(t, err)

	d := o.Dashboard()
	assert.Equal(t, 5, d.TotalMistakes)
	assert.Equal(t, 90, d.Accuracy)
	assert.Equal(t, []models.CategoryCount{{Category: "Spelling", Count: 3}, {Category: "Grammar", Count: 2}}, d.TopCategories)
	assert.Len(t, d.RecentMistakes, 5)
	assert.Equal(t, "Spelling", d.RecentMistakes[0].Category)
	assert.Equal(t, []string{"Spelling"}, d.PendingMissions)
	assert.Equal(t, 6, d.Balance)
	assert.Equal(t, 2, d.Cost)
}

func TestDeepDiveEnrichesCorrection(t *testing.T) {
	ft := &fakeTutor{script: []reply{{payload: corrections("Grammar", 1)}}, deepDive: "**Le passé composé**"}
	o, _ := newTestOrchestrator(t, ft)
	res, err := o.Send(context.Background(), "Je suis allé")
	require.NoError(t, err)

	msg, err := o.DeepDive(context.Background(), res.ConversationID, res.ModelMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, "**Le passé composé**", msg.DeepDive)
	assert.False(t, msg.IsPending)

	_, err = o.DeepDive(context.Background(), res.ConversationID, res.UserMessage.ID)
	assert.ErrorIs(t, err, ErrNotCorrection)
}

func TestReviewSamplesDistinctMistakes(t *testing.T) {
	ft := &fakeTutor{script: []reply{{payload: corrections("Grammar", 8)}}}
	o, _ := newTestOrchestrator(t, ft)
	assert.Empty(t, o.Review(0))

	_, err := o.Send(context.Background(), "Bonjour")
	require.NoError(t, err)

	items := o.Review(0)
	require.Len(t, items, 5)
	seen := map[string]bool{}
	for _, it := range items {
		assert.False(t, seen[it.Prompt])
		seen[it.Prompt] = true
	}
	assert.True(t, CheckAnswer("  CORRECT 1 ", "correct 1"))
}

func TestObserverSeesEveryCommit(t *testing.T) {
	var mu sync.Mutex
	var revisions []uint64
	o, _ := newTestOrchestrator(t, &fakeTutor{}, WithObserver(func(s Snapshot) {
		mu.Lock()
		revisions = append(revisions, s.Revision)
		mu.Unlock()
	}))

	_, err := o.Send(context.Background(), "Bonjour")
	require.NoError(t, err)
	require.NoError(t, o.SetLanguage(models.LanguageArabic))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, revisions)
	for i := 1; i < len(revisions); i++ {
		assert.Greater(t, revisions[i], revisions[i-1])
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ft := &fakeTutor{script: []reply{{payload: corrections("Grammar", 3)}}}
	o, _ := newTestOrchestrator(t, ft)
	_, err := o.Send(context.Background(), "Je suis allé")
	require.NoError(t, err)
	lesson, err := o.GenerateLesson(context.Background(), "Grammar")
	require.NoError(t, err)
	o.NewConversation("Voyage")

	snap := o.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	if diff := cmp.Diff(snap, decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("snapshot changed across JSON (-want +got):\n%s", diff)
	}

	restored := Restore(testConfig(), ft, decoded, WithClock(newClock().Now))
	if diff := cmp.Diff(snap, restored.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("restored state differs (-want +got):\n%s", diff)
	}
	require.NoError(t, restored.DismissLesson(lesson.ID))
	assert.Empty(t, restored.Pending())
}
