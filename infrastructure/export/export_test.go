package export

import (
	"strings"
	"testing"
	"time"

	"multichat/domain/conversation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exportTime = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func conversationWithTurns(t *testing.T, name string, turns []conversation.Turn) *conversation.Conversation {
	t.Helper()
	store := conversation.NewStore("preamble", name)
	c := store.Active()
	for _, turn := range turns {
		require.NoError(t, c.AppendUser(turn.User))
		require.NoError(t, c.AppendAssistant(turn.Assistant))
		c.RecordTurn(turn)
	}
	return c
}

func TestExport_RoundTrip(t *testing.T) {
	turns := []conversation.Turn{
		{User: "hello", Assistant: "hi!", Model: "qwen", Cost: 0.1, TotalTokens: 10},
		{User: "multi\nline: yes", Assistant: "  leading spaces", Model: "gpt-3.5-turbo-1106", Cost: 0.2, TotalTokens: 20},
		{User: "true", Assistant: "- not a list", Model: "qwen", Cost: 0.0000123456789, TotalTokens: 3},
		{User: "\"quoted\" # hash", Assistant: "", Model: "qwen", Cost: 1.0 / 3.0, TotalTokens: 0},
	}
	c := conversationWithTurns(t, "work", turns)

	name, data, err := Export(c, exportTime)
	require.NoError(t, err)
	assert.Equal(t, "work_conversation_20240309T140507Z.txt", name)
	assert.True(t, strings.HasPrefix(string(data), "# conversation: work\n"))

	doc, err := ParseExport(data)
	require.NoError(t, err)

	assert.Equal(t, "work", doc.Name)
	assert.True(t, exportTime.Equal(doc.ExportedAt))
	assert.Equal(t, c.Past, doc.Past)
	assert.Equal(t, c.Generated, doc.Generated)
	assert.Equal(t, c.ModelName, doc.ModelName)
	assert.Equal(t, c.TotalTokens, doc.TotalTokens)
	// exact, not approximate
	assert.Equal(t, c.Cost, doc.Cost)
	assert.Equal(t, c.TotalCost, doc.TotalCost)
}

func TestExport_EmptyConversation(t *testing.T) {
	c := conversationWithTurns(t, "empty", nil)

	_, data, err := Export(c, exportTime)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# total cost: $0.00000")

	doc, err := ParseExport(data)
	require.NoError(t, err)
	assert.Empty(t, doc.Past)
	assert.Zero(t, doc.TotalCost)
}

func TestFileName_Sanitizes(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "a_b_c_conversation_20240102T020405Z.txt", FileName("a/b\\c", at))
}

func TestParseExport_Invalid(t *testing.T) {
	_, err := ParseExport([]byte("past: [a, b]\ngenerated: [x]\ncost: [1, 2]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lengths differ")

	_, err = ParseExport([]byte("past: [unterminated"))
	assert.Error(t, err)
}
