// Package chat answers questions over an indexed document within a fixed
// model context window.
package chat

import (
	"errors"
	"fmt"

	"github.com/dgallion1/docchat/internal/llm"
	"github.com/dgallion1/docchat/internal/tokenizer"
)

// ErrPromptOverflow means the fixed prompt parts alone exceed the context
// window. It is a configuration error.
var ErrPromptOverflow = errors.New("prompt exceeds context window")

// OverflowError carries the token counts behind an ErrPromptOverflow.
type OverflowError struct {
	SystemTokens   int
	QuestionTokens int
	AnswerTokens   int
	ContextTokens  int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%v: system=%d question=%d answer=%d window=%d",
		ErrPromptOverflow, e.SystemTokens, e.QuestionTokens, e.AnswerTokens, e.ContextTokens)
}

func (e *OverflowError) Is(target error) bool { return target == ErrPromptOverflow }

// Budget is the outcome of planning one prompt.
type Budget struct {
	History         []llm.Message // Kept turns, oldest first.
	HistoryTokens   int
	LeftTotalTokens int // What remains for reconstructed context.
}

// PlanBudget reserves the system prompt, question and answer tokens, then
// admits history newest turn first while it fits.
func PlanBudget(counter tokenizer.Counter, contextTokens, answerTokens int, system, question string, history []llm.Message) (Budget, error) {
	sys := counter.Count(system)
	q := counter.Count(question)
	remaining := contextTokens - sys - q - answerTokens
	if remaining < 0 {
		return Budget{}, &OverflowError{
			SystemTokens:   sys,
			QuestionTokens: q,
			AnswerTokens:   answerTokens,
			ContextTokens:  contextTokens,
		}
	}

	var b Budget
	kept := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := counter.Count(history[i].Content)
		if n > remaining {
			break
		}
		remaining -= n
		b.HistoryTokens += n
		kept++
	}
	if kept > 0 {
		b.History = append([]llm.Message(nil), history[len(history)-kept:]...)
	}
	b.LeftTotalTokens = remaining
	return b, nil
}
