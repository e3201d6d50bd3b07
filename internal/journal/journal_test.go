package journal

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frenchmentor/internal/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func item(category, original string) models.CorrectionItem {
	return models.CorrectionItem{OriginalText: original, CorrectedText: original + "!", Category: category}
}

func TestIngestCountsPerCategory(t *testing.T) {
	j := New()
	n := j.Ingest([]models.CorrectionItem{
		item("Conjugation", "j'ai aller"),
		item("Conjugation", "il faut que je vais"),
		item("Conjugation", "nous avons allé"),
	}, t0)

	assert.Equal(t, 3, n)
	assert.Equal(t, 3, j.Count("Conjugation"))
	assert.Equal(t, 3, j.TotalCount())
	for _, r := range j.Records() {
		assert.Equal(t, t0, r.Timestamp)
	}
}

func TestCountersMatchRecords(t *testing.T) {
	j := New()
	j.Ingest([]models.CorrectionItem{item("Grammar", "a"), item("Gender", "b")}, t0)
	j.Ingest([]models.CorrectionItem{item("Grammar", "c"), item("Some Brand New Label", "d")}, t0.Add(time.Minute))

	recount := map[string]int{}
	for _, r := range j.Records() {
		recount[r.Category]++
	}
	assert.Equal(t, recount, j.Counters())
}

func TestAccuracyIsClampedAtFloor(t *testing.T) {
	j := New()
	assert.Equal(t, 100, j.Accuracy(DefaultScoring()))

	j.Ingest([]models.CorrectionItem{item("Grammar", "a"), item("Grammar", "b")}, t0)
	assert.Equal(t, 96, j.Accuracy(DefaultScoring()))

	for i := 0; i < 40; i++ {
		j.Ingest([]models.CorrectionItem{item("Vocabulary", "x")}, t0)
	}
	assert.Equal(t, AccuracyFloor, j.Accuracy(DefaultScoring()))
}

func TestTopCategoriesStableTies(t *testing.T) {
	j := New()
	j.Ingest([]models.CorrectionItem{
		item("Gender", "1"),
		item("Grammar", "2"),
		item("Prepositions", "3"),
		item("Grammar", "4"),
		item("Prepositions", "5"),
	}, t0)

	top := j.TopCategories(0)
	require.Len(t, top, 3)
	assert.Equal(t, []models.CategoryCount{
		{Category: "Grammar", Count: 2},
		{Category: "Prepositions", Count: 2},
		{Category: "Gender", Count: 1},
	}, top)

	// Repeated reads must not reshuffle ties.
	for i := 0; i < 10; i++ {
		assert.Equal(t, top, j.TopCategories(0))
	}
	assert.Len(t, j.TopCategories(2), 2)
}

func TestRecentRecordsNewestFirst(t *testing.T) {
	j := New()
	for i, s := range []string{"a", "b", "c", "d"} {
		j.Ingest([]models.CorrectionItem{item("Grammar", s)}, t0.Add(time.Duration(i)*time.Minute))
	}

	recent := j.RecentRecords(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].OriginalText)
	assert.Equal(t, "c", recent[1].OriginalText)
	assert.Len(t, j.Records(), 4, "reading must not consume records")
	assert.Len(t, j.RecentRecords(50), 4)
}

func TestRecentForCategory(t *testing.T) {
	j := New()
	j.Ingest([]models.CorrectionItem{
		item("Grammar", "g1"), item("Gender", "x"), item("Grammar", "g2"),
		item("Grammar", "g3"), item("Grammar", "g4"),
	}, t0)

	got := j.RecentFor("Grammar", 3)
	require.Len(t, got, 3)
	assert.Equal(t, "g2", got[0].OriginalText)
	assert.Equal(t, "g4", got[2].OriginalText)
	assert.Empty(t, j.RecentFor("Spelling", 3))
}

func TestRestoreRebuildsCountersAndOrder(t *testing.T) {
	j := New()
	j.Ingest([]models.CorrectionItem{item("B", "1"), item("A", "2"), item("A", "3"), item("B", "4")}, t0)

	r := Restore(j.Records())
	assert.Equal(t, j.Counters(), r.Counters())
	assert.Equal(t, j.TopCategories(0), r.TopCategories(0))
}

func TestWipe(t *testing.T) {
	j := New()
	j.Ingest([]models.CorrectionItem{item("Grammar", "a")}, t0)
	j.Wipe()
	assert.Zero(t, j.TotalCount())
	assert.Empty(t, j.Records())
	assert.Empty(t, j.TopCategories(5))
}

func TestSampleDistinct(t *testing.T) {
	j := New()
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		j.Ingest([]models.CorrectionItem{item("Grammar", s)}, t0)
	}
	r := rand.New(rand.NewPCG(1, 2))
	got := j.Sample(5, r)
	require.Len(t, got, 5)
	seen := map[string]bool{}
	for _, rec := range got {
		assert.False(t, seen[rec.OriginalText], "duplicate %q", rec.OriginalText)
		seen[rec.OriginalText] = true
	}
	assert.Len(t, j.Sample(50, r), 7)
	assert.Nil(t, New().Sample(5, r))
}

func TestGrade(t *testing.T) {
	assert.True(t, Grade("  je suis allé ", "Je suis allé"))
	assert.False(t, Grade("je suis aller", "Je suis allé"))
}
