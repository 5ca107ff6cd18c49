package conversation

import (
	"errors"
	"testing"

	"multichat/domain/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_RoleAlternation(t *testing.T) {
	c := newConversation("c", testPreamble)

	err := c.AppendAssistant("too early")
	assert.True(t, errors.Is(err, ErrRoleOrder))

	require.NoError(t, c.AppendUser("one"))
	err = c.AppendUser("two")
	assert.True(t, errors.Is(err, ErrRoleOrder))

	require.NoError(t, c.AppendAssistant("reply"))
	err = c.AppendAssistant("again")
	assert.True(t, errors.Is(err, ErrRoleOrder))

	require.NoError(t, c.AppendUser("three"))

	roles := make([]chat.Role, 0, len(c.Messages))
	for _, m := range c.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []chat.Role{chat.RoleSystem, chat.RoleUser, chat.RoleAssistant, chat.RoleUser}, roles)
}

func TestConversation_DropPendingUser(t *testing.T) {
	c := newConversation("c", testPreamble)
	assert.False(t, c.DropPendingUser(), "preamble is never dropped")

	require.NoError(t, c.AppendUser("q"))
	assert.True(t, c.DropPendingUser())
	assert.Len(t, c.Messages, 1)

	require.NoError(t, c.AppendUser("q"))
	require.NoError(t, c.AppendAssistant("a"))
	assert.False(t, c.DropPendingUser())
	assert.Len(t, c.Messages, 3)
}

func TestConversation_RecordTurn(t *testing.T) {
	c := newConversation("c", testPreamble)

	c.RecordTurn(Turn{User: "u1", Assistant: "a1", Model: "m1", Cost: 0.1, TotalTokens: 10})
	c.RecordTurn(Turn{User: "u2", Assistant: "a2", Model: "m2", Cost: 0.2, TotalTokens: 20})

	assert.Equal(t, []string{"u1", "u2"}, c.Past)
	assert.Equal(t, []string{"a1", "a2"}, c.Generated)
	assert.Equal(t, []string{"m1", "m2"}, c.ModelName)
	assert.Equal(t, []float64{0.1, 0.2}, c.Cost)
	assert.Equal(t, []int{10, 20}, c.TotalTokens)
	assert.Equal(t, 0.1+0.2, c.TotalCost)

	turns := c.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, Turn{User: "u2", Assistant: "a2", Model: "m2", Cost: 0.2, TotalTokens: 20}, turns[1])
}

func TestConversation_CompleteExchange(t *testing.T) {
	c := newConversation("c", testPreamble)

	err := c.CompleteExchange(Turn{User: "u", Assistant: "a", Model: "m", Cost: 1})
	assert.True(t, errors.Is(err, ErrRoleOrder))
	assert.Len(t, c.Messages, 1)
	assert.Empty(t, c.Past)

	require.NoError(t, c.AppendUser("u"))
	require.NoError(t, c.CompleteExchange(Turn{User: "u", Assistant: "a", Model: "m", Cost: 1, TotalTokens: 2}))
	assert.Equal(t, chat.Message{Role: chat.RoleAssistant, Content: "a"}, c.Messages[2])
	assert.Equal(t, []string{"a"}, c.Generated)
	assert.Equal(t, 1.0, c.TotalCost)
}

func TestConversation_SnapshotIsDetached(t *testing.T) {
	c := newConversation("c", testPreamble)
	require.NoError(t, c.AppendUser("q"))
	c.RecordTurn(Turn{User: "q", Assistant: "a", Model: "m", Cost: 1, TotalTokens: 3})

	snap := c.Snapshot()
	snap.Messages[0].Content = "mutated"
	snap.Past[0] = "mutated"
	snap.Cost[0] = 99

	assert.Equal(t, testPreamble, c.Messages[0].Content)
	assert.Equal(t, "q", c.Past[0])
	assert.Equal(t, 1.0, c.Cost[0])

	history := c.History()
	history[1].Content = "changed"
	assert.Equal(t, "q", c.Messages[1].Content)
}
