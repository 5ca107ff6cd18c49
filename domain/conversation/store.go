package conversation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultName is the conversation every store starts with
const DefaultName = "default_conversation"

// Store maps conversation names to records and tracks the active one.
// It is not safe for concurrent use; callers serialize access.
//
// Invariants: the store is never empty, order holds exactly the keys of
// records, and active always names an existing record.
type Store struct {
	preamble string
	records  map[string]*Conversation
	order    []string
	active   string
}

// NewStore creates a store holding a single fresh conversation named initial
// (DefaultName when blank). Every conversation is seeded with preamble.
func NewStore(preamble, initial string) *Store {
	initial = strings.TrimSpace(initial)
	if initial == "" {
		initial = DefaultName
	}
	s := &Store{
		preamble: preamble,
		records:  make(map[string]*Conversation),
	}
	s.insert(initial)
	return s
}

func (s *Store) insert(name string) *Conversation {
	c := newConversation(name, s.preamble)
	s.records[name] = c
	s.order = append(s.order, name)
	s.active = name
	return c
}

// Create adds a fresh conversation and makes it active
func (s *Store) Create(name string) (uuid.UUID, error) {
	if strings.TrimSpace(name) == "" {
		return uuid.Nil, fmt.Errorf("%w: name cannot be blank", ErrDuplicateName)
	}
	if _, exists := s.records[name]; exists {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	return s.insert(name).ID, nil
}

// Rename changes a conversation's key, keeping its contents and position.
// A blank new name or one equal to the old name is a no-op.
func (s *Store) Rename(oldName, newName string) error {
	if strings.TrimSpace(newName) == "" || newName == oldName {
		return nil
	}
	c, ok := s.records[oldName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, oldName)
	}
	if _, exists := s.records[newName]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, newName)
	}

	delete(s.records, oldName)
	c.Name = newName
	s.records[newName] = c
	s.order[s.indexOf(oldName)] = newName
	if s.active == oldName {
		s.active = newName
	}
	return nil
}

// Delete removes a conversation. The last remaining one cannot be deleted.
// When the active conversation is removed the first one in display order
// becomes active.
func (s *Store) Delete(name string) error {
	if _, ok := s.records[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if len(s.records) == 1 {
		return ErrLastConversation
	}

	delete(s.records, name)
	i := s.indexOf(name)
	s.order = append(s.order[:i], s.order[i+1:]...)
	if s.active == name {
		s.active = s.order[0]
	}
	return nil
}

// Switch makes name the active conversation
func (s *Store) Switch(name string) error {
	if _, ok := s.records[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.active = name
	return nil
}

// Clear resets a conversation to its creation state
func (s *Store) Clear(name string) error {
	c, ok := s.records[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	c.Reset()
	return nil
}

// Active returns the active conversation
func (s *Store) Active() *Conversation {
	return s.records[s.active]
}

// ActiveName returns the key of the active conversation
func (s *Store) ActiveName() string {
	return s.active
}

// Get returns the conversation stored under name
func (s *Store) Get(name string) (*Conversation, error) {
	c, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return c, nil
}

// ByID finds a conversation by its stable identifier
func (s *Store) ByID(id uuid.UUID) (*Conversation, error) {
	for _, c := range s.records {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
}

// Names returns conversation names in display order
func (s *Store) Names() []string {
	return append([]string{}, s.order...)
}

// Len returns the number of conversations
func (s *Store) Len() int {
	return len(s.records)
}

func (s *Store) indexOf(name string) int {
	for i, n := range s.order {
		if n == name {
			return i
		}
	}
	return -1
}
