package models

import "time"

// CorrectionItem is a single mistake reported by the tutor. Category is a
// free-form label and is never validated against a fixed list.
type CorrectionItem struct {
	OriginalText  string `json:"original"`
	CorrectedText string `json:"corrected"`
	Explanation   string `json:"explanation"`
	Category      string `json:"category"`
}

// CorrectionPayload is the tutor's answer to one user sentence.
type CorrectionPayload struct {
	CorrectedText string           `json:"corrected_text"`
	Translation   string           `json:"translation"`
	Corrections   []CorrectionItem `json:"corrections"`
	Notes         string           `json:"notes"`
}

func (p CorrectionPayload) Clone() CorrectionPayload {
	if p.Corrections != nil {
		p.Corrections = append([]CorrectionItem(nil), p.Corrections...)
	}
	return p
}

// MistakeRecord is the journal entry created for every ingested correction.
type MistakeRecord struct {
	OriginalText  string    `json:"original"`
	CorrectedText string    `json:"corrected"`
	Category      string    `json:"category"`
	Timestamp     time.Time `json:"timestamp"`
}

// CategoryCount pairs a category with its mistake count.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}
