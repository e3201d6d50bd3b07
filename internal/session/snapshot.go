package session

import (
	"time"

	"frenchmentor/internal/coach"
	"frenchmentor/internal/journal"
	"frenchmentor/internal/ledger"
	"frenchmentor/internal/models"
)

// SnapshotVersion is bumped whenever the persisted layout changes.
const SnapshotVersion = 1

// Snapshot is the whole persisted state of one learner.
type Snapshot struct {
	Version              int                    `json:"version"`
	Revision             uint64                 `json:"revision"`
	Ledger               ledger.State           `json:"ledger"`
	Mistakes             []models.MistakeRecord `json:"mistakes"`
	Lessons              []models.CoachLesson   `json:"lessons"`
	OpenLessons          []models.CoachLesson   `json:"open_lessons,omitempty"`
	Conversations        []models.Conversation  `json:"conversations"`
	ActiveConversationID string                 `json:"active_conversation_id,omitempty"`
	Language             models.Language        `json:"language"`
	TakenAt              time.Time              `json:"taken_at"`
}

// Snapshot captures the current state. In-flight turns are not part of it.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		Version:              SnapshotVersion,
		Revision:             o.revision,
		Ledger:               o.ledger.State(),
		Mistakes:             o.journal.Records(),
		Lessons:              o.archive.All(),
		OpenLessons:          o.openLessonsLocked(),
		Conversations:        o.convs.All(),
		ActiveConversationID: o.convs.ActiveID(),
		Language:             o.language,
		TakenAt:              o.now(),
	}
}

// Replace overwrites the whole state with snap. In-flight turns are
// cancelled and will not write their results; their debit belongs to the
// replaced ledger. The tutor's cached context is dropped for every
// conversation before and after the swap.
func (o *Orchestrator) Replace(snap Snapshot) {
	o.mu.Lock()
	for _, t := range o.turns {
		t.refund = false
		t.cancel()
	}
	ids := o.conversationIDsLocked()
	o.applyLocked(snap)
	ids = append(ids, o.conversationIDsLocked()...)
	o.mu.Unlock()
	o.resetTutor(ids)
}

func (o *Orchestrator) applyLocked(snap Snapshot) {
	o.generation++
	o.revision = snap.Revision
	st := snap.Ledger
	if !st.Tier.Valid() {
		st.Tier = o.cfg.Tier
	}
	o.ledger = ledger.Restore(o.cfg.Policy, st)
	o.journal = journal.Restore(snap.Mistakes)
	o.archive = coach.RestoreArchive(snap.Lessons)
	o.open = make(map[string]models.CoachLesson, len(snap.OpenLessons))
	for _, l := range snap.OpenLessons {
		if !o.archive.Has(l.ID) {
			o.open[l.ID] = l
		}
	}
	convs := make([]models.Conversation, len(snap.Conversations))
	for i, c := range snap.Conversations {
		c = c.Clone()
		// a pending deep dive does not survive a restart
		for j := range c.Messages {
			c.Messages[j].IsPending = false
		}
		convs[i] = c
	}
	o.convs.Restore(convs, snap.ActiveConversationID)
	o.language = snap.Language
	if !o.language.Valid() {
		o.language = o.cfg.Language
	}
}
