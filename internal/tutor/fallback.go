package tutor

import "frenchmentor/internal/models"

// FallbackPayload is shown in place of a correction when the tutor failed.
func FallbackPayload(lang models.Language) models.CorrectionPayload {
	p := models.CorrectionPayload{
		CorrectedText: "Désolé",
		Translation:   "I encountered an error.",
		Corrections:   []models.CorrectionItem{},
	}
	switch lang {
	case models.LanguageFrench:
		p.Notes = "Il semble y avoir un problème technique. Veuillez réessayer."
	case models.LanguageArabic:
		p.Notes = "يبدو أن هناك مشكلة تقنية. يرجى المحاولة مرة أخرى."
	default:
		p.Notes = "There seems to be a technical problem. Please try again."
	}
	return p
}
