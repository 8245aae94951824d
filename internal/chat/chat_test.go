package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/llm"
	"github.com/dgallion1/docchat/internal/retrieval"
	"github.com/dgallion1/docchat/internal/tokenizer"
	"github.com/dgallion1/docchat/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var words = tokenizer.CounterFunc(func(s string) int { return len(strings.Fields(s)) })

func TestPlanBudget_Overflow(t *testing.T) {
	_, err := PlanBudget(words, 10, 5, "one two three", "four five six", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPromptOverflow))

	var oe *OverflowError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 3, oe.SystemTokens)
	assert.Equal(t, 3, oe.QuestionTokens)
	assert.Equal(t, 5, oe.AnswerTokens)
	assert.Equal(t, 10, oe.ContextTokens)
}

func TestPlanBudget_HistoryNewestFirst(t *testing.T) {
	history := []llm.Message{
		{Role: "user", Content: "a b c"},
		{Role: "assistant", Content: "d e f"},
		{Role: "user", Content: "g h i"},
	}
	// 16 - 2 - 2 - 4 leaves 8; two turns fit with 2 to spare.
	b, err := PlanBudget(words, 16, 4, "sys prompt", "the question", history)
	require.NoError(t, err)
	require.Len(t, b.History, 2)
	assert.Equal(t, "d e f", b.History[0].Content)
	assert.Equal(t, "g h i", b.History[1].Content)
	assert.Equal(t, 6, b.HistoryTokens)
	assert.Equal(t, 2, b.LeftTotalTokens)
}

func TestPlanBudget_StopsAtFirstTurnThatDoesNotFit(t *testing.T) {
	history := []llm.Message{
		{Role: "user", Content: "x"},
		{Role: "assistant", Content: "a very long answer that cannot fit in here"},
		{Role: "user", Content: "y"},
	}
	b, err := PlanBudget(words, 10, 0, "", "q", history)
	require.NoError(t, err)
	require.Len(t, b.History, 1)
	assert.Equal(t, "y", b.History[0].Content)
	assert.Equal(t, 8, b.LeftTotalTokens)
}

type recordingCompleter struct {
	system   string
	messages []llm.Message
	reply    string
	err      error
}

func (r *recordingCompleter) Complete(_ context.Context, system string, messages []llm.Message, _ int) (string, error) {
	r.system = system
	r.messages = messages
	return r.reply, r.err
}

func indexedStore(t *testing.T) vectorstore.Store {
	t.Helper()
	chunks := []doctree.SectionChunk{
		{TextChunk: doctree.TextChunk{PageContent: "Revenue grew to 12 million.", TotalOrder: 1, Tokens: 5}, HeaderRoute: "Report>Finance", HeaderRouteLevels: "1>1", Order: 1, SectionID: "s1"},
		{TextChunk: doctree.TextChunk{PageContent: "Costs were flat.", TotalOrder: 2, Tokens: 3}, HeaderRoute: "Report>Finance", HeaderRouteLevels: "1>1", Order: 2, SectionID: "s1"},
		{TextChunk: doctree.TextChunk{PageContent: "Headcount doubled.", TotalOrder: 3, Tokens: 2}, HeaderRoute: "Report>People", HeaderRouteLevels: "1>2", Order: 1, SectionID: "s2"},
	}
	store := vectorstore.NewBleve()
	t.Cleanup(func() { _ = store.Close() })
	var docs []vectorstore.Document
	for _, c := range chunks {
		docs = append(docs, vectorstore.Document{ID: c.SectionID + "-" + c.PageContent[:4], Text: c.PageContent, Metadata: c.Metadata()})
	}
	require.NoError(t, store.Upsert(context.Background(), "doc-1", docs))
	return store
}

func TestAgent_AnswerBuildsPromptFromSections(t *testing.T) {
	store := indexedStore(t)
	completer := &recordingCompleter{reply: "12 million"}
	agent := NewAgent(retrieval.NewReconstructor(store, 100, nil), completer, words, Config{TopK: 3, ContextTokens: 500, AnswerTokens: 50}, nil)

	history := []llm.Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi"}}
	ans, err := agent.Answer(context.Background(), "doc-1", "What was revenue?", history)
	require.NoError(t, err)
	assert.Equal(t, "12 million", ans.Text)
	assert.Equal(t, 2, ans.History)
	require.Len(t, ans.Sections, 1)
	assert.Equal(t, "Revenue grew to 12 million.\nCosts were flat.", ans.Sections[0].PageContent)

	assert.Equal(t, llm.AnswerSystemPrompt, completer.system)
	require.Len(t, completer.messages, 3)
	last := completer.messages[2]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "## Report > Finance\nRevenue grew")
	assert.True(t, strings.HasSuffix(last.Content, "Question: What was revenue?"))
}

func TestAgent_ContextOnly(t *testing.T) {
	store := indexedStore(t)
	agent := NewAgent(retrieval.NewReconstructor(store, 100, nil), nil, words, Config{TopK: 3, ContextTokens: 500, AnswerTokens: 50}, nil)

	sections, err := agent.Context(context.Background(), "doc-1", "headcount")
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "1>2", sections[0].HeaderRouteLevels)

	_, err = agent.Answer(context.Background(), "doc-1", "headcount", nil)
	require.Error(t, err)
}

func TestAgent_OverflowIsFatal(t *testing.T) {
	store := indexedStore(t)
	completer := &recordingCompleter{}
	agent := NewAgent(retrieval.NewReconstructor(store, 100, nil), completer, words, Config{ContextTokens: 5, AnswerTokens: 50}, nil)

	_, err := agent.Answer(context.Background(), "doc-1", "What was revenue?", nil)
	assert.ErrorIs(t, err, ErrPromptOverflow)
	assert.Nil(t, completer.messages)
}

func TestAgent_StoreErrorsPropagate(t *testing.T) {
	agent := NewAgent(retrieval.NewReconstructor(vectorstore.NewBleve(), 100, nil), &recordingCompleter{}, words, DefaultConfig(), nil)
	_, err := agent.Answer(context.Background(), "missing", "q", nil)
	require.Error(t, err)
	assert.True(t, vectorstore.IsNotFound(err))
}
