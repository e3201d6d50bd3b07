package models

import "time"

// CoachLesson is a generated explanation for one mistake category.
type CoachLesson struct {
	ID               string            `json:"id"`
	Category         string            `json:"category"`
	Title            string            `json:"title"`
	Mistakes         []string          `json:"mistakes,omitempty"`
	WhyYouMadeIt     string            `json:"why_you_made_it"`
	TheRule          string            `json:"the_rule"`
	MentalTrick      string            `json:"mental_trick"`
	ConjugationTable map[string]string `json:"conjugation_table,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}
