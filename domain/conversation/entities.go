package conversation

import (
	"errors"
	"fmt"

	"multichat/domain/chat"

	"github.com/google/uuid"
)

var (
	ErrDuplicateName    = errors.New("conversation name already exists")
	ErrNotFound         = errors.New("conversation not found")
	ErrLastConversation = errors.New("cannot delete the last remaining conversation")
	ErrRoleOrder        = errors.New("message out of role order")
)

// Conversation is one named transcript with its own usage accounting.
// Past, Generated, ModelName, Cost and TotalTokens are parallel arrays
// indexed by turn number.
type Conversation struct {
	ID       uuid.UUID      `json:"id"`
	Name     string         `json:"name"`
	Messages []chat.Message `json:"messages"`

	Past        []string  `json:"past"`
	Generated   []string  `json:"generated"`
	ModelName   []string  `json:"model_name"`
	Cost        []float64 `json:"cost"`
	TotalTokens []int     `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`

	preamble string
}

// Turn is a completed exchange as recorded in the parallel arrays
type Turn struct {
	User        string  `json:"user"`
	Assistant   string  `json:"assistant"`
	Model       string  `json:"model"`
	Cost        float64 `json:"cost"`
	TotalTokens int     `json:"total_tokens"`
}

func newConversation(name, preamble string) *Conversation {
	c := &Conversation{
		ID:       uuid.New(),
		Name:     name,
		preamble: preamble,
	}
	c.Reset()
	return c
}

// Reset returns the conversation to its creation state, keeping ID and name
func (c *Conversation) Reset() {
	c.Messages = []chat.Message{{Role: chat.RoleSystem, Content: c.preamble}}
	c.Past = []string{}
	c.Generated = []string{}
	c.ModelName = []string{}
	c.Cost = []float64{}
	c.TotalTokens = []int{}
	c.TotalCost = 0
}

// lastRole is the role of the newest message; the preamble counts as system
func (c *Conversation) lastRole() chat.Role {
	return c.Messages[len(c.Messages)-1].Role
}

// AppendUser adds a user message. It must follow the preamble or an assistant reply.
func (c *Conversation) AppendUser(text string) error {
	if last := c.lastRole(); last == chat.RoleUser {
		return fmt.Errorf("%w: user message cannot follow %s", ErrRoleOrder, last)
	}
	c.Messages = append(c.Messages, chat.Message{Role: chat.RoleUser, Content: text})
	return nil
}

// AppendAssistant adds an assistant reply. It must follow a user message.
func (c *Conversation) AppendAssistant(text string) error {
	if last := c.lastRole(); last != chat.RoleUser {
		return fmt.Errorf("%w: assistant message cannot follow %s", ErrRoleOrder, last)
	}
	c.Messages = append(c.Messages, chat.Message{Role: chat.RoleAssistant, Content: text})
	return nil
}

// DropPendingUser removes a trailing user message that never got a reply.
// It reports whether a message was removed.
func (c *Conversation) DropPendingUser() bool {
	if len(c.Messages) > 1 && c.lastRole() == chat.RoleUser {
		c.Messages = c.Messages[:len(c.Messages)-1]
		return true
	}
	return false
}

// RecordTurn appends one entry to every parallel array and adds the
// turn cost to TotalCost without rounding.
func (c *Conversation) RecordTurn(t Turn) {
	c.Past = append(c.Past, t.User)
	c.Generated = append(c.Generated, t.Assistant)
	c.ModelName = append(c.ModelName, t.Model)
	c.Cost = append(c.Cost, t.Cost)
	c.TotalTokens = append(c.TotalTokens, t.TotalTokens)
	c.TotalCost += t.Cost
}

// CompleteExchange appends the assistant reply and records the turn in one
// step. Nothing changes when the log is not awaiting a reply.
func (c *Conversation) CompleteExchange(t Turn) error {
	if err := c.AppendAssistant(t.Assistant); err != nil {
		return err
	}
	c.RecordTurn(t)
	return nil
}

// Turns zips the parallel arrays for display
func (c *Conversation) Turns() []Turn {
	turns := make([]Turn, len(c.Past))
	for i := range c.Past {
		turns[i] = Turn{
			User:        c.Past[i],
			Assistant:   c.Generated[i],
			Model:       c.ModelName[i],
			Cost:        c.Cost[i],
			TotalTokens: c.TotalTokens[i],
		}
	}
	return turns
}

// History returns a copy of the message log suitable for handing to a backend
func (c *Conversation) History() []chat.Message {
	out := make([]chat.Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// Snapshot returns a deep copy detached from the store
func (c *Conversation) Snapshot() Conversation {
	cp := *c
	cp.Messages = c.History()
	cp.Past = append([]string{}, c.Past...)
	cp.Generated = append([]string{}, c.Generated...)
	cp.ModelName = append([]string{}, c.ModelName...)
	cp.Cost = append([]float64{}, c.Cost...)
	cp.TotalTokens = append([]int{}, c.TotalTokens...)
	return cp
}
