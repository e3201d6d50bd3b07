package session

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"frenchmentor/internal/conversation"
	"frenchmentor/internal/journal"
	"frenchmentor/internal/ledger"
	"frenchmentor/internal/models"
)

// Config holds the knobs of one learner session.
type Config struct {
	Policy   ledger.Policy
	Scoring  journal.Scoring
	Tier     models.Tier
	Language models.Language

	// MaxAttempts bounds tutor calls per turn, first try included.
	MaxAttempts int
	// Backoff is the linear step between attempts: step, 2*step, ...
	Backoff time.Duration
	// RefundOnCancel gives the debit back when a turn is cancelled.
	RefundOnCancel bool

	LessonMistakes int
	ReviewSize     int
	DashboardTop   int
}

// DefaultConfig mirrors the behaviour of the original app.
func DefaultConfig() Config {
	return Config{
		Policy:         ledger.DefaultPolicy(),
		Scoring:        journal.DefaultScoring(),
		Tier:           models.TierFree,
		Language:       models.LanguageEnglish,
		MaxAttempts:    3,
		Backoff:        500 * time.Millisecond,
		RefundOnCancel: true,
		LessonMistakes: 3,
		ReviewSize:     5,
		DashboardTop:   5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.LessonMistakes <= 0 {
		c.LessonMistakes = def.LessonMistakes
	}
	if c.ReviewSize <= 0 {
		c.ReviewSize = def.ReviewSize
	}
	if c.DashboardTop <= 0 {
		c.DashboardTop = def.DashboardTop
	}
	if !c.Tier.Valid() {
		c.Tier = def.Tier
	}
	if !c.Language.Valid() {
		c.Language = def.Language
	}
	return c
}

// Recorder receives turn level measurements.
type Recorder interface {
	TurnFinished(outcome string)
	TutorAttempt(result string, elapsed time.Duration)
	CreditsDebited(tier string, amount int)
	LessonArchived()
}

type nopRecorder struct{}

func (nopRecorder) TurnFinished(string)                {}
func (nopRecorder) TutorAttempt(string, time.Duration) {}
func (nopRecorder) CreditsDebited(string, int)         {}
func (nopRecorder) LessonArchived()                    {}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithClock overrides the time source for ledger ticks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRand seeds the review sampler.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rand = r }
}

// WithObserver registers a callback invoked with a fresh snapshot after
// every committed change. It runs outside the orchestrator lock.
func WithObserver(fn func(Snapshot)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithConversationOptions forwards options to the conversation store.
func WithConversationOptions(opts ...conversation.Option) Option {
	return func(o *Orchestrator) { o.convOpts = append(o.convOpts, opts...) }
}

// WithLessonIDs overrides lesson id generation.
func WithLessonIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newLessonID = fn }
}
