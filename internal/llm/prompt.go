package llm

import (
	"strings"

	"github.com/dgallion1/docchat/internal/doctree"
)

const CorrectionSystemPrompt = `You correct text extracted from a document by an unreliable parser.
You are given the ORIGINAL text and a REFERENCE text taken from a reliable layout-based extraction of the same passage.

Rules:
- Fix only words, numbers and punctuation in ORIGINAL that are wrong according to REFERENCE
- Never add sentences, facts or words that are not already present in ORIGINAL or REFERENCE
- Keep the structure of ORIGINAL: line breaks, list markers and ordering
- If ORIGINAL is already correct, return it unchanged

Respond with ONLY the corrected text, no other text.`

// BuildCorrectionPrompt assembles the user turn for one correction.
func BuildCorrectionPrompt(original, reference, sectionTitle string) string {
	var sb strings.Builder
	if sectionTitle != "" {
		sb.WriteString("Section: ")
		sb.WriteString(sectionTitle)
		sb.WriteString("\n\n")
	}
	sb.WriteString("ORIGINAL:\n---\n")
	sb.WriteString(original)
	sb.WriteString("\n---\n\nREFERENCE:\n---\n")
	sb.WriteString(reference)
	sb.WriteString("\n---")
	return sb.String()
}

// AnswerSystemPrompt frames question answering over reconstructed sections.
const AnswerSystemPrompt = `You answer questions about a document using only the sections provided.
Each section starts with its heading path. If the sections do not contain the answer, say so.
Quote numbers and names exactly as they appear.`

// BuildAnswerPrompt lays out reconstructed sections, each under its header
// route, followed by the question.
func BuildAnswerPrompt(sections []doctree.ReconstructedSection, question string) string {
	var sb strings.Builder
	if len(sections) == 0 {
		sb.WriteString("No sections matched this question.\n\n")
	}
	for _, s := range sections {
		sb.WriteString("## ")
		sb.WriteString(strings.ReplaceAll(s.HeaderRoute, doctree.RouteSeparator, " > "))
		sb.WriteString("\n")
		sb.WriteString(s.PageContent)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}
