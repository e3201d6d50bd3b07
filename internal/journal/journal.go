// Package journal keeps the chronological log of a learner's mistakes and the
// per-category counters derived from it.
package journal

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"frenchmentor/internal/models"
)

const (
	// AccuracyFloor is the lowest accuracy score ever reported.
	AccuracyFloor = 40
	// MistakePenalty is the number of points each mistake costs.
	MistakePenalty = 2
)

// Scoring configures the accuracy score.
type Scoring struct {
	Floor             int `json:"floor"`
	PerMistakePenalty int `json:"per_mistake_penalty"`
}

// DefaultScoring returns the scoring used by the dashboard.
func DefaultScoring() Scoring {
	return Scoring{Floor: AccuracyFloor, PerMistakePenalty: MistakePenalty}
}

// Journal owns the mistake records. counters[c] always equals the number of
// records with category c. Not safe for concurrent use.
type Journal struct {
	records  []models.MistakeRecord
	counters map[string]int
	// first-seen order of categories, used to break ties.
	order []string
}

func New() *Journal {
	return &Journal{counters: make(map[string]int)}
}

// Restore rebuilds the journal, counters included, from a record log.
func Restore(records []models.MistakeRecord) *Journal {
	j := New()
	for _, r := range records {
		j.add(r)
	}
	return j
}

func (j *Journal) add(r models.MistakeRecord) {
	if _, seen := j.counters[r.Category]; !seen {
		j.order = append(j.order, r.Category)
	}
	j.counters[r.Category]++
	j.records = append(j.records, r)
}

// Ingest appends one record per correction, all stamped with now.
func (j *Journal) Ingest(items []models.CorrectionItem, now time.Time) int {
	for _, item := range items {
		j.add(models.MistakeRecord{
			OriginalText:  item.OriginalText,
			CorrectedText: item.CorrectedText,
			Category:      item.Category,
			Timestamp:     now,
		})
	}
	return len(items)
}

// Wipe drops the whole history.
func (j *Journal) Wipe() {
	j.records = nil
	j.counters = make(map[string]int)
	j.order = nil
}

func (j *Journal) Count(category string) int {
	return j.counters[category]
}

// Counters returns a copy of the per-category counts.
func (j *Journal) Counters() map[string]int {
	out := make(map[string]int, len(j.counters))
	for k, v := range j.counters {
		out[k] = v
	}
	return out
}

// TotalCount is the sum of all counters.
func (j *Journal) TotalCount() int {
	total := 0
	for _, v := range j.counters {
		total += v
	}
	return total
}

// Accuracy returns max(floor, 100 - total*penalty).
func (j *Journal) Accuracy(s Scoring) int {
	score := 100 - j.TotalCount()*s.PerMistakePenalty
	if score < s.Floor {
		return s.Floor
	}
	return score
}

// TopCategories returns up to n categories by count, ties kept in first-seen
// order. n <= 0 returns all of them.
func (j *Journal) TopCategories(n int) []models.CategoryCount {
	out := make([]models.CategoryCount, 0, len(j.order))
	for _, c := range j.order {
		out = append(out, models.CategoryCount{Category: c, Count: j.counters[c]})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Count > out[b].Count
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// RecentRecords returns the last n records, most recent first.
func (j *Journal) RecentRecords(n int) []models.MistakeRecord {
	if n <= 0 || n > len(j.records) {
		n = len(j.records)
	}
	out := make([]models.MistakeRecord, 0, n)
	for i := len(j.records) - 1; i >= len(j.records)-n; i-- {
		out = append(out, j.records[i])
	}
	return out
}

// RecentFor returns the last n records of one category in chronological order.
func (j *Journal) RecentFor(category string, n int) []models.MistakeRecord {
	var out []models.MistakeRecord
	for i := len(j.records) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if j.records[i].Category == category {
			out = append(out, j.records[i])
		}
	}
	for a, b := 0, len(out)-1; a < b; a, b = a+1, b-1 {
		out[a], out[b] = out[b], out[a]
	}
	return out
}

// Records returns a copy of the full log in chronological order.
func (j *Journal) Records() []models.MistakeRecord {
	return append([]models.MistakeRecord(nil), j.records...)
}

// Sample picks up to n distinct records at random for a review quiz.
func (j *Journal) Sample(n int, r *rand.Rand) []models.MistakeRecord {
	if n <= 0 || len(j.records) == 0 {
		return nil
	}
	idx := r.Perm(len(j.records))
	if n < len(idx) {
		idx = idx[:n]
	}
	out := make([]models.MistakeRecord, 0, len(idx))
	for _, i := range idx {
		out = append(out, j.records[i])
	}
	return out
}

// Grade reports whether answer matches the expected correction, ignoring case
// and surrounding whitespace.
func Grade(answer, expected string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(expected))
}
