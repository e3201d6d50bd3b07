// Package session ties the ledger, the journal, the lesson archive and the
// conversation store together behind one lock and drives a learner's turns
// through the tutor.
package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"frenchmentor/internal/coach"
	"frenchmentor/internal/conversation"
	"frenchmentor/internal/journal"
	"frenchmentor/internal/ledger"
	"frenchmentor/internal/models"
	"frenchmentor/internal/tutor"
)

// TurnState is where a conversation's current turn stands.
type TurnState string

const (
	StateIdle          TurnState = "idle"
	StateDebiting      TurnState = "debiting"
	StateAwaitingTutor TurnState = "awaiting_tutor"
	StateIngesting     TurnState = "ingesting"
	StateFailed        TurnState = "failed"
)

type inflight struct {
	cancel context.CancelFunc
	cost   int
	state  TurnState
	// set when the turn was cut short by the learner's own delete or reset
	refund bool
}

// Orchestrator is the single entry point for one learner. All methods are
// safe for concurrent use; tutor calls never hold the lock.
type Orchestrator struct {
	mu sync.Mutex

	cfg      Config
	tutor    tutor.Tutor
	log      *zap.Logger
	metrics  Recorder
	now      func() time.Time
	rand     *rand.Rand
	observer func(Snapshot)

	convOpts    []conversation.Option
	newLessonID func() string

	ledger   *ledger.Ledger
	journal  *journal.Journal
	archive  *coach.Archive
	convs    *conversation.Store
	language models.Language
	// generated lessons waiting to be dismissed, keyed by id
	open  map[string]models.CoachLesson
	turns map[string]*inflight

	revision uint64
	// bumped by Replace and ResetHistory; turns started under an older
	// generation drop their results.
	generation uint64
}

func New(cfg Config, t tutor.Tutor, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		tutor:       t,
		log:         zap.NewNop(),
		metrics:     nopRecorder{},
		now:         func() time.Time { return time.Now().UTC() },
		newLessonID: uuid.NewString,
		language:    cfg.Language,
		open:        make(map[string]models.CoachLesson),
		turns:       make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rand == nil {
		o.rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	o.ledger = ledger.New(cfg.Policy, cfg.Tier)
	o.journal = journal.New()
	o.archive = coach.NewArchive()
	o.convs = conversation.NewStore(append([]conversation.Option{conversation.WithClock(o.now)}, o.convOpts...)...)
	return o
}

// Restore builds an orchestrator from a previously taken snapshot.
func Restore(cfg Config, t tutor.Tutor, snap Snapshot, opts ...Option) *Orchestrator {
	o := New(cfg, t, opts...)
	o.mu.Lock()
	o.applyLocked(snap)
	o.mu.Unlock()
	return o
}

// commitLocked records a mutation and returns the snapshot to hand to the
// observer once the lock is released.
func (o *Orchestrator) commitLocked() *Snapshot {
	o.revision++
	if o.observer == nil {
		return nil
	}
	snap := o.snapshotLocked()
	return &snap
}

func (o *Orchestrator) emit(snap *Snapshot) {
	if snap != nil && o.observer != nil {
		o.observer(*snap)
	}
}

// tickLocked applies a pending refill and reports whether it changed state.
func (o *Orchestrator) tickLocked() bool {
	return o.ledger.Tick(o.now())
}

// Balance returns the spendable credits after applying any due refill.
func (o *Orchestrator) Balance() int {
	o.mu.Lock()
	var snap *Snapshot
	if o.tickLocked() {
		snap = o.commitLocked()
	}
	balance := o.ledger.Balance()
	o.mu.Unlock()
	o.emit(snap)
	return balance
}

func (o *Orchestrator) Tier() models.Tier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger.Tier()
}

func (o *Orchestrator) Language() models.Language {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.language
}

func (o *Orchestrator) ActiveMessages() []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.convs.ActiveMessages()
}

func (o *Orchestrator) Messages(convID string) ([]models.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.convs.Messages(convID)
}

func (o *Orchestrator) Conversations() []models.ConversationSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.convs.List()
}

func (o *Orchestrator) ActiveConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.convs.ActiveID()
}

func (o *Orchestrator) TopCategories(n int) []models.CategoryCount {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.journal.TopCategories(n)
}

// RecentMistakes returns the last n records, newest first.
func (o *Orchestrator) RecentMistakes(n int) []models.MistakeRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.journal.RecentRecords(n)
}

func (o *Orchestrator) Accuracy() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.journal.Accuracy(o.cfg.Scoring)
}

func (o *Orchestrator) Counters() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.journal.Counters()
}

// Pending lists the categories with an unlocked, unproduced lesson.
func (o *Orchestrator) Pending() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return coach.Pending(o.journal.Counters(), o.archive)
}

func (o *Orchestrator) ArchivedLessons() []models.CoachLesson {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.archive.All()
}

func (o *Orchestrator) OpenLessons() []models.CoachLesson {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.openLessonsLocked()
}

func (o *Orchestrator) openLessonsLocked() []models.CoachLesson {
	out := make([]models.CoachLesson, 0, len(o.open))
	for _, l := range o.open {
		out = append(out, l)
	}
	sortLessons(out)
	return out
}

// TurnState reports the state of convID's current turn.
func (o *Orchestrator) TurnState(convID string) TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.turns[convID]; ok {
		return t.state
	}
	return StateIdle
}

// Dashboard aggregates everything the progress screen shows.
type Dashboard struct {
	Balance              int                          `json:"balance"`
	Cap                  int                          `json:"cap"`
	Cost                 int                          `json:"cost"`
	Tier                 models.Tier                  `json:"tier"`
	Language             models.Language              `json:"language"`
	Accuracy             int                          `json:"accuracy"`
	TotalMistakes        int                          `json:"total_mistakes"`
	TopCategories        []models.CategoryCount       `json:"top_categories"`
	RecentMistakes       []models.MistakeRecord       `json:"recent_mistakes"`
	PendingMissions      []string                     `json:"pending_missions"`
	OpenLessons          []models.CoachLesson         `json:"open_lessons"`
	ArchivedLessons      []models.CoachLesson         `json:"archived_lessons"`
	Conversations        []models.ConversationSummary `json:"conversations"`
	ActiveConversationID string                       `json:"active_conversation_id"`
}

func (o *Orchestrator) Dashboard() Dashboard {
	o.mu.Lock()
	var snap *Snapshot
	if o.tickLocked() {
		snap = o.commitLocked()
	}
	n := o.cfg.DashboardTop
	d := Dashboard{
		Balance:              o.ledger.Balance(),
		Cap:                  o.ledger.Cap(),
		Cost:                 o.ledger.Cost(),
		Tier:                 o.ledger.Tier(),
		Language:             o.language,
		Accuracy:             o.journal.Accuracy(o.cfg.Scoring),
		TotalMistakes:        o.journal.TotalCount(),
		TopCategories:        o.journal.TopCategories(n),
		RecentMistakes:       o.journal.RecentRecords(n),
		PendingMissions:      coach.Pending(o.journal.Counters(), o.archive),
		OpenLessons:          o.openLessonsLocked(),
		ArchivedLessons:      o.archive.All(),
		Conversations:        o.convs.List(),
		ActiveConversationID: o.convs.ActiveID(),
	}
	o.mu.Unlock()
	o.emit(snap)
	return d
}

// NewConversation creates a conversation and makes it active.
func (o *Orchestrator) NewConversation(title string) string {
	o.mu.Lock()
	id := o.convs.Create(strings.TrimSpace(title))
	snap := o.commitLocked()
	o.mu.Unlock()
	o.emit(snap)
	return id
}

func (o *Orchestrator) SelectConversation(convID string) error {
	return o.mutate(func() error {
		if err := o.convs.SetActive(convID); err != nil {
			return fmt.Errorf("select conversation: %w", err)
		}
		return nil
	})
}

func (o *Orchestrator) RenameConversation(convID, title string) error {
	return o.mutate(func() error {
		if err := o.convs.Rename(convID, title); err != nil {
			return fmt.Errorf("rename conversation: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes a conversation, cancelling its in-flight turn.
// The cancelled turn finds the conversation gone and drops its result.
func (o *Orchestrator) DeleteConversation(convID string) error {
	err := o.mutate(func() error {
		if err := o.convs.Delete(convID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if t, ok := o.turns[convID]; ok {
			t.refund = true
			t.cancel()
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.tutor.Reset(convID)
	return nil
}

// UpgradeTier switches tier and grants the one-time credit of the new cap.
func (o *Orchestrator) UpgradeTier(tier models.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("upgrade tier %q: %w", tier, ErrInvalidTier)
	}
	return o.mutate(func() error {
		if o.ledger.ChangeTier(tier, o.now()) {
			o.log.Info("tier changed", zap.String("tier", string(tier)), zap.Int("balance", o.ledger.Balance()))
		}
		return nil
	})
}

func (o *Orchestrator) SetLanguage(lang models.Language) error {
	if !lang.Valid() {
		return fmt.Errorf("set language %q: %w", lang, ErrInvalidLanguage)
	}
	return o.mutate(func() error {
		o.language = lang
		return nil
	})
}

// ResetHistory wipes mistakes, lessons and conversations. Credits and tier
// are kept. In-flight turns are cancelled and their results dropped.
func (o *Orchestrator) ResetHistory() {
	var ids []string
	_ = o.mutate(func() error {
		ids = o.conversationIDsLocked()
		for _, t := range o.turns {
			t.refund = true
			t.cancel()
		}
		o.generation++
		o.journal.Wipe()
		o.archive.Wipe()
		o.open = make(map[string]models.CoachLesson)
		o.convs.Wipe()
		o.log.Info("history reset")
		return nil
	})
	o.resetTutor(ids)
}

// Release cancels every in-flight turn and drops the tutor's cached
// context for this learner. The orchestrator must not be used afterwards.
func (o *Orchestrator) Release() {
	o.mu.Lock()
	for _, t := range o.turns {
		t.cancel()
	}
	o.generation++
	ids := o.conversationIDsLocked()
	o.mu.Unlock()
	o.resetTutor(ids)
}

func (o *Orchestrator) conversationIDsLocked() []string {
	all := o.convs.All()
	ids := make([]string, 0, len(all))
	for _, c := range all {
		ids = append(ids, c.ID)
	}
	return ids
}

func (o *Orchestrator) resetTutor(ids []string) {
	for _, id := range ids {
		o.tutor.Reset(id)
	}
}

// mutate runs fn under the lock and notifies the observer when fn succeeds.
func (o *Orchestrator) mutate(fn func() error) error {
	o.mu.Lock()
	if err := fn(); err != nil {
		o.mu.Unlock()
		return err
	}
	snap := o.commitLocked()
	o.mu.Unlock()
	o.emit(snap)
	return nil
}
