package models

// Tier is the subscription level of a learner.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPro
}

// Language is the response language used by the tutor and for fallback text.
type Language string

const (
	LanguageEnglish Language = "English"
	LanguageFrench  Language = "French"
	LanguageArabic  Language = "Arabic"
)

// Valid reports whether l is a supported response language.
func (l Language) Valid() bool {
	switch l {
	case LanguageEnglish, LanguageFrench, LanguageArabic:
		return true
	}
	return false
}

// Feedback is free text a learner sends about a problem they hit.
type Feedback struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}
