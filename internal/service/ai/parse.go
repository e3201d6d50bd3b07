package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"frenchmentor/internal/models"
	"frenchmentor/internal/tutor"
)

type correctionWire struct {
	CorrectedFrench    *string              `json:"correctedFrench"`
	EnglishTranslation string               `json:"englishTranslation"`
	Corrections        []correctionItemWire `json:"corrections"`
	TutorNotes         string               `json:"tutorNotes"`
}

type correctionItemWire struct {
	Original    string `json:"original"`
	Corrected   string `json:"corrected"`
	Explanation string `json:"explanation"`
	Category    string `json:"category"`
}

type lessonWire struct {
	Title            string            `json:"title"`
	Category         string            `json:"category"`
	Mistakes         []string          `json:"mistakes"`
	WhyYouMadeIt     string            `json:"whyYouMadeIt"`
	TheRule          string            `json:"theRule"`
	MentalTrick      string            `json:"mentalTrick"`
	ConjugationTable map[string]string `json:"conjugationTable"`
}

// extractJSON strips markdown fences and any prose around the outermost
// JSON object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func parseCorrection(raw string) (*models.CorrectionPayload, error) {
	var w correctionWire
	if err := json.Unmarshal([]byte(extractJSON(raw)), &w); err != nil {
		return nil, fmt.Errorf("%w: decode correction: %w", tutor.ErrMalformedPayload, err)
	}
	if w.CorrectedFrench == nil {
		return nil, fmt.Errorf("%w: correctedFrench missing", tutor.ErrMalformedPayload)
	}
	p := &models.CorrectionPayload{
		CorrectedText: *w.CorrectedFrench,
		Translation:   w.EnglishTranslation,
		Corrections:   make([]models.CorrectionItem, 0, len(w.Corrections)),
		Notes:         w.TutorNotes,
	}
	for _, c := range w.Corrections {
		category := strings.TrimSpace(c.Category)
		if category == "" {
			return nil, fmt.Errorf("%w: correction without category", tutor.ErrMalformedPayload)
		}
		p.Corrections = append(p.Corrections, models.CorrectionItem{
			OriginalText:  c.Original,
			CorrectedText: c.Corrected,
			Explanation:   c.Explanation,
			Category:      category,
		})
	}
	return p, nil
}

func parseLesson(raw string) (*models.CoachLesson, error) {
	var w lessonWire
	if err := json.Unmarshal([]byte(extractJSON(raw)), &w); err != nil {
		return nil, fmt.Errorf("%w: decode lesson: %w", tutor.ErrMalformedPayload, err)
	}
	if w.Title == "" || w.TheRule == "" {
		return nil, fmt.Errorf("%w: lesson without title or rule", tutor.ErrMalformedPayload)
	}
	table := make(map[string]string, len(w.ConjugationTable))
	for k, v := range w.ConjugationTable {
		if v != "" {
			table[k] = v
		}
	}
	if len(table) == 0 {
		table = nil
	}
	return &models.CoachLesson{
		Category:         w.Category,
		Title:            w.Title,
		Mistakes:         w.Mistakes,
		WhyYouMadeIt:     w.WhyYouMadeIt,
		TheRule:          w.TheRule,
		MentalTrick:      w.MentalTrick,
		ConjugationTable: table,
	}, nil
}

// wireFromPayload renders a stored correction the way the model produced it,
// so cached history reads like the model's own past answers.
func wireFromPayload(p *models.CorrectionPayload) string {
	corrected := p.CorrectedText
	w := correctionWire{
		CorrectedFrench:    &corrected,
		EnglishTranslation: p.Translation,
		TutorNotes:         p.Notes,
	}
	for _, c := range p.Corrections {
		w.Corrections = append(w.Corrections, correctionItemWire{
			Original:    c.OriginalText,
			Corrected:   c.CorrectedText,
			Explanation: c.Explanation,
			Category:    c.Category,
		})
	}
	raw, _ := json.Marshal(w)
	return string(raw)
}
