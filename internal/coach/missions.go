package coach

import "sort"

// UnlockThreshold is the number of mistakes in a category that unlocks one
// more lesson slot.
const UnlockThreshold = 3

// LessonCounter is the part of the archive the mission deriver reads.
type LessonCounter interface {
	CountFor(category string) int
}

// Pending returns, sorted, every category whose unlocked slots outnumber its
// archived lessons. The result depends only on its inputs.
func Pending(counters map[string]int, archive LessonCounter) []string {
	var out []string
	for category, count := range counters {
		if slots(count) > archive.CountFor(category) {
			out = append(out, category)
		}
	}
	sort.Strings(out)
	return out
}

// IsPending reports whether one category currently qualifies.
func IsPending(category string, counters map[string]int, archive LessonCounter) bool {
	return slots(counters[category]) > archive.CountFor(category)
}

func slots(count int) int {
	return count / UnlockThreshold
}
