package domain

import (
	"strings"
	"time"
)

// Author identifies who wrote a message.
type Author int

const (
	AuthorUser Author = iota
	AuthorAssistant
)

func (a Author) String() string {
	if a == AuthorAssistant {
		return "assistant"
	}
	return "user"
}

// Role maps the author to the completion-service role.
func (a Author) Role() string {
	if a == AuthorAssistant {
		return RoleAssistant
	}
	return RoleUser
}

// ConversationKey identifies one message log: the owning user chatting with
// one persona.
type ConversationKey struct {
	UserID    string
	PersonaID string
}

// Valid reports whether both halves of the key are set.
func (k ConversationKey) Valid() bool {
	return strings.TrimSpace(k.UserID) != "" && strings.TrimSpace(k.PersonaID) != ""
}

// Message is a single persisted conversation turn. Timestamp is assigned by
// the writer at creation time, never by the store.
type Message struct {
	ID           string
	Content      string
	Author       Author
	Timestamp    time.Time
	Key          ConversationKey
	LinkedItemID string
}

// IsUser reports whether the message was written by the user.
func (m Message) IsUser() bool {
	return m.Author == AuthorUser
}

// Before orders messages by timestamp, breaking ties by id so that the order
// is stable regardless of how the store iterates.
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}
