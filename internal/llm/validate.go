package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidCorrection marks a model answer rejected by ValidateCorrection.
var ErrInvalidCorrection = errors.New("invalid correction")

// maxGrowth bounds a correction's length relative to its longest input.
const maxGrowth = 1.5

var injectionPattern = regexp.MustCompile(
	`(?i)(ignore\s+(previous|all|above)|system\s*prompt|you\s+are\s+now|` +
		`act\s+as\s+|pretend\s+|forget\s+(everything|all)|override|` +
		`new\s+instructions)`,
)

var chatterPattern = regexp.MustCompile(`(?i)^(here is|here's|sure[,!]|certainly[,!]|the corrected text)`)

// ValidateCorrection rejects answers that grow well past both inputs, open
// with conversational filler, or carry instruction-like phrases that neither
// input contains.
func ValidateCorrection(original, reference, corrected string) error {
	corrected = strings.TrimSpace(corrected)
	if corrected == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCorrection)
	}

	longest := max(utf8.RuneCountInString(original), utf8.RuneCountInString(reference))
	if n := utf8.RuneCountInString(corrected); float64(n) > maxGrowth*float64(longest)+16 {
		return fmt.Errorf("%w: %d runes from inputs of at most %d", ErrInvalidCorrection, n, longest)
	}
	if chatterPattern.MatchString(corrected) && !chatterPattern.MatchString(strings.TrimSpace(original)) {
		return fmt.Errorf("%w: conversational preamble", ErrInvalidCorrection)
	}
	if injectionPattern.MatchString(corrected) &&
		!injectionPattern.MatchString(original) && !injectionPattern.MatchString(reference) {
		return fmt.Errorf("%w: instruction-like content", ErrInvalidCorrection)
	}
	return nil
}
