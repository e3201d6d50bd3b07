// Package coach holds the lesson archive and derives which mistake categories
// are ready for a new coaching lesson.
package coach

import "frenchmentor/internal/models"

// Archive is the set of dismissed lessons, keyed by lesson id and kept in
// insertion order. Not safe for concurrent use.
type Archive struct {
	lessons []models.CoachLesson
	index   map[string]int
}

func NewArchive() *Archive {
	return &Archive{index: make(map[string]int)}
}

// RestoreArchive rebuilds an archive; duplicate ids in the input collapse to
// their first occurrence.
func RestoreArchive(lessons []models.CoachLesson) *Archive {
	a := NewArchive()
	for _, l := range lessons {
		a.Archive(l)
	}
	return a
}

// Archive inserts lesson unless its id is already present. It reports whether
// the archive changed.
func (a *Archive) Archive(lesson models.CoachLesson) bool {
	if _, ok := a.index[lesson.ID]; ok {
		return false
	}
	a.index[lesson.ID] = len(a.lessons)
	a.lessons = append(a.lessons, lesson)
	return true
}

// Has reports whether a lesson with id was archived.
func (a *Archive) Has(id string) bool {
	_, ok := a.index[id]
	return ok
}

func (a *Archive) Get(id string) (models.CoachLesson, bool) {
	i, ok := a.index[id]
	if !ok {
		return models.CoachLesson{}, false
	}
	return a.lessons[i], true
}

// All returns the lessons in insertion order. Callers reverse it for a
// newest-first library view.
func (a *Archive) All() []models.CoachLesson {
	return append([]models.CoachLesson(nil), a.lessons...)
}

func (a *Archive) Len() int { return len(a.lessons) }

// CountFor returns how many archived lessons belong to category.
func (a *Archive) CountFor(category string) int {
	n := 0
	for _, l := range a.lessons {
		if l.Category == category {
			n++
		}
	}
	return n
}

func (a *Archive) Wipe() {
	a.lessons = nil
	a.index = make(map[string]int)
}
