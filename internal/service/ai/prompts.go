package ai

import (
	"fmt"
	"strings"

	"frenchmentor/internal/models"
)

const correctionInstruction = `You are FrenchMentor, a demanding French tutor.

The learner writes either French (correct it) or English/Arabic (translate it into natural French).
When correcting, silently fix capitalization and final punctuation. Only report substantive errors:
Grammar, Conjugation, Vocabulary, Prepositions or Gender.

Every "explanation" and the "tutorNotes" field must be written in the response language given with
the input. "englishTranslation" is always English. "tutorNotes" is 2 to 4 sentences.

Reply with a single JSON object and nothing else:
{"correctedFrench": string, "englishTranslation": string,
 "corrections": [{"original": string, "corrected": string, "explanation": string, "category": string}],
 "tutorNotes": string}`

func correctionPrompt(text string, lang models.Language) string {
	return fmt.Sprintf("Input: %q\n\n[Response Language]: %s", text, lang)
}

func lessonPrompt(category string, mistakes []models.MistakeRecord, lang models.Language) string {
	quoted := make([]string, 0, len(mistakes))
	for _, m := range mistakes {
		quoted = append(quoted, fmt.Sprintf("%q corrected to %q", m.OriginalText, m.CorrectedText))
	}
	return fmt.Sprintf(`You coach a French learner who keeps making mistakes in the category %q.
Recent mistakes: %s.

Write a short, focused lesson in %s as a single JSON object:
{"title": string, "category": string, "mistakes": [string], "whyYouMadeIt": string,
 "theRule": string, "mentalTrick": string,
 "conjugationTable": {"je": string, "tu": string, "il_elle": string, "nous": string, "vous": string, "ils_elles": string}}

The title is simple and indicative, e.g. "Le verbe 'Aller' au passé". Include conjugationTable only
when a verb is central, with present tense forms. All text is in %s. Output JSON only.`,
		category, strings.Join(quoted, ", "), lang, lang)
}

func deepDivePrompt(subject string, lang models.Language) string {
	return fmt.Sprintf(`Correction context:
%s

Write a structured "Deep Dive" lesson in %s about it:
start with a bold title, list the key points as a numbered list, give exactly 3 examples
(French with English translation) and finish with one "Actionable Tip".
Reply with the lesson only.`, subject, lang)
}
